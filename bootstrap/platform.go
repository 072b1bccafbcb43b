package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/retry"
	"github.com/ruokun-niu/drasi-server/types"
)

// PlatformConfig declares the remote query API endpoint to read from.
type PlatformConfig struct {
	// BaseURL is the remote query API root, e.g. http://drasi.example/api.
	BaseURL string `json:"base_url"`
	// TimeoutSeconds bounds each HTTP call. Default 30.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Retry overrides the connector retry defaults.
	Retry *retry.Config `json:"retry,omitempty"`

	// Streaming settings shared with the platform source; unused here.
	StreamPath string `json:"stream_path,omitempty"`
}

// Platform bootstraps from a remote query API service over HTTP by issuing a
// read-all for the subscribed labels. It yields no watermark.
type Platform struct {
	cfg    PlatformConfig
	client *http.Client
}

// platformReadAllRequest is the read-all request body.
type platformReadAllRequest struct {
	Labels []string `json:"labels,omitempty"`
}

// platformElement mirrors the remote API's element encoding.
type platformElement struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Labels     []string         `json:"labels,omitempty"`
	From       string           `json:"from,omitempty"`
	To         string           `json:"to,omitempty"`
	Properties types.Properties `json:"properties,omitempty"`
}

// NewPlatform builds a platform provider from a connector payload.
func NewPlatform(raw json.RawMessage) (*Platform, error) {
	var cfg PlatformConfig
	if len(raw) > 0 {
		// Providers share the source's flattened payload, so unknown keys
		// belonging to the connector are expected here.
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "bootstrap", "config decode", "")
		}
	}
	return NewPlatformFromConfig(cfg)
}

// NewPlatformFromConfig builds a platform provider from a parsed config.
func NewPlatformFromConfig(cfg PlatformConfig) (*Platform, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "Platform", "NewPlatform",
			"base_url is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Platform{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider tag.
func (p *Platform) Name() string { return ProviderPlatform }

// Bootstrap issues the read-all request with retry and streams the returned
// elements.
func (p *Platform) Bootstrap(ctx context.Context, filter types.LabelFilter, sink func(context.Context, *types.Element) error) (uint64, error) {
	body, err := json.Marshal(platformReadAllRequest{Labels: filter.Labels()})
	if err != nil {
		return 0, errors.WrapFatal(err, "Platform", "Bootstrap", "encode request")
	}

	retryCfg := retry.DefaultConfig()
	if p.cfg.Retry != nil {
		retryCfg = *p.cfg.Retry
	}

	var elements []platformElement
	err = retry.Do(ctx, retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.cfg.BaseURL+"/read-all", bytes.NewReader(body))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("query API returned %s", resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.NonRetryable(err)
			}
			return err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		elements = elements[:0]
		return json.Unmarshal(data, &elements)
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "Platform", "Bootstrap", "read-all")
	}

	for _, pe := range elements {
		e, err := pe.toElement()
		if err != nil {
			return 0, errors.WrapInvalid(err, "Platform", "Bootstrap", "decode element")
		}
		if !filter.Matches(e) {
			continue
		}
		if err := sink(ctx, e); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (pe *platformElement) toElement() (*types.Element, error) {
	switch pe.Type {
	case "node":
		e := types.NewNode(pe.ID, pe.Labels, pe.Properties)
		return e, e.Validate()
	case "relation":
		relType := ""
		if len(pe.Labels) > 0 {
			relType = pe.Labels[0]
		}
		e := types.NewRelation(pe.ID, relType, pe.From, pe.To, pe.Properties)
		return e, e.Validate()
	default:
		return nil, fmt.Errorf("unknown element type %q", pe.Type)
	}
}
