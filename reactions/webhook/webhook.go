// Package webhook provides the HTTP reaction: result deltas are POSTed to a
// configured endpoint as JSON, with capped exponential backoff on transient
// failures. Delivery is at-least-once; receivers deduplicate on the delta
// sequence.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/retry"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the webhook reaction settings.
type Config struct {
	Queries []string `json:"queries"`
	// URL receives one POST per delta.
	URL string `json:"url"`
	// TimeoutSeconds bounds each delivery attempt. Default 30.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Headers are added to every request.
	Headers map[string]string `json:"headers,omitempty"`
	// Retry overrides the connector retry defaults.
	Retry *retry.Config `json:"retry,omitempty"`
	// BufferCapacity overrides the dispatch buffer size.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// Validate checks the webhook settings.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrConfigValidate, "webhook", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.WrapInvalid(errors.ErrConfigValidate, "webhook", "Validate",
			fmt.Sprintf("invalid url %q", c.URL))
	}
	return nil
}

// Reaction delivers result deltas over HTTP POST.
type Reaction struct {
	*component.ReactionBase
	cfg    Config
	client *http.Client
}

// Register adds the http reaction factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterReaction(&component.ReactionRegistration{
		Kind:        "http",
		Description: "POSTs result deltas to a webhook endpoint",
		Factory:     New,
	})
}

// New creates a webhook reaction from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Reaction, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := &Reaction{
		ReactionBase: component.NewReactionBase(id, "http", cfg.Queries, cfg.BufferCapacity, deps),
		cfg:          cfg,
		client:       &http.Client{Timeout: timeout},
	}
	r.SetHandler(r)
	return r, nil
}

// HandleDelta POSTs one delta, retrying transient failures with backoff.
func (r *Reaction) HandleDelta(ctx context.Context, delta *types.ResultDelta) error {
	body, err := json.Marshal(delta)
	if err != nil {
		return errors.WrapFatal(err, "webhook", "HandleDelta", "encode delta")
	}

	retryCfg := retry.DefaultConfig()
	if r.cfg.Retry != nil {
		retryCfg = *r.cfg.Retry
	}

	return retry.Do(ctx, retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range r.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		deliveryErr := fmt.Errorf("webhook returned %s for sequence %d", resp.Status, delta.Sequence)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.NonRetryable(deliveryErr)
		}
		return deliveryErr
	})
}
