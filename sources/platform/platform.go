// Package platform provides the source that attaches to a remote Drasi
// platform deployment: bootstrap reads go through the remote query API over
// HTTP, and live changes stream in over a websocket.
package platform

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruokun-niu/drasi-server/bootstrap"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/retry"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the platform source settings.
type Config struct {
	// BaseURL is the remote query API root used for bootstrap read-all.
	BaseURL string `json:"base_url"`
	// StreamURL is the websocket endpoint for live changes, e.g.
	// ws://drasi.example/api/stream.
	StreamURL string `json:"stream_url"`
	// TimeoutSeconds bounds handshake and bootstrap calls. Default 30.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Retry overrides the connector retry defaults for reconnects.
	Retry *retry.Config `json:"retry,omitempty"`
}

// Source streams live changes from a remote platform deployment.
type Source struct {
	*component.SourceBase
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	position uint64
	wg       sync.WaitGroup
}

// streamChange is the wire form of one change on the websocket stream.
type streamChange struct {
	Op           string         `json:"op"`
	Before       *types.Element `json:"before,omitempty"`
	After        *types.Element `json:"after,omitempty"`
	SourceTimeMS int64          `json:"source_time_ms,omitempty"`
	Position     uint64         `json:"position,omitempty"`
}

// Register adds the platform source factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterSource(&component.SourceRegistration{
		Kind:        "platform",
		Description: "Remote Drasi platform source (query API bootstrap, websocket stream)",
		Factory:     New,
	})
}

// New creates a platform source from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Source, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" || cfg.StreamURL == "" {
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "platform", "New",
			"base_url and stream_url are required")
	}

	provider, err := bootstrap.NewPlatformFromConfig(bootstrap.PlatformConfig{
		BaseURL:        cfg.BaseURL,
		TimeoutSeconds: cfg.TimeoutSeconds,
		Retry:          cfg.Retry,
	})
	if err != nil {
		return nil, err
	}

	return &Source{
		SourceBase: component.NewSourceBase(id, "platform", provider, deps),
		cfg:        cfg,
	}, nil
}

// Start connects the websocket stream and launches the read loop. Reconnects
// use the connector's retry budget; an exhausted budget fails the source.
func (s *Source) Start(ctx context.Context) error {
	if err := s.SourceBase.Start(ctx); err != nil {
		return err
	}
	if err := s.connect(s.Context()); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

func (s *Source) connect(ctx context.Context) error {
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	retryCfg := retry.DefaultConfig()
	if s.cfg.Retry != nil {
		retryCfg = *s.cfg.Retry
	}
	return retry.Do(ctx, retryCfg, func() error {
		conn, _, err := dialer.DialContext(ctx, s.cfg.StreamURL, nil)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		return nil
	})
}

func (s *Source) readLoop() {
	defer s.wg.Done()
	ctx := s.Context()
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil || ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Logger().Warn("Stream read failed, reconnecting", "error", err)
			if rerr := s.connect(ctx); rerr != nil {
				s.Logger().Error("Stream reconnect exhausted", "error", rerr)
				s.ReportFailure(errors.WrapTransient(rerr, "platform", "readLoop", "reconnect"))
				return
			}
			continue
		}

		var sc streamChange
		if err := json.Unmarshal(data, &sc); err != nil {
			s.Logger().Warn("Dropping undecodable stream message", "error", err)
			continue
		}
		change, err := sc.toChange()
		if err != nil {
			s.Logger().Warn("Dropping invalid stream change", "error", err)
			continue
		}
		s.mu.Lock()
		if change.Position == 0 {
			s.position++
			change.Position = s.position
		} else if change.Position > s.position {
			s.position = change.Position
		}
		s.mu.Unlock()
		if err := s.Publish(ctx, change); err != nil && ctx.Err() == nil {
			s.Logger().Warn("Publish failed", "error", err)
		}
	}
}

func (sc *streamChange) toChange() (types.SourceChange, error) {
	var op types.ChangeOp
	switch sc.Op {
	case "insert", "i":
		op = types.OpInsert
	case "update", "u":
		op = types.OpUpdate
	case "delete", "d":
		op = types.OpDelete
	default:
		return types.SourceChange{}, errors.New("unknown stream op " + sc.Op)
	}
	change := types.SourceChange{
		Op:           op,
		Before:       sc.Before,
		After:        sc.After,
		SourceTimeMS: sc.SourceTimeMS,
		Position:     sc.Position,
	}
	return change, change.Validate()
}

// Stop closes the stream and tears down the fabric machinery.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	err := s.SourceBase.Stop(timeout)
	s.wg.Wait()
	return err
}
