// Package mock provides an in-process source that applications and tests
// drive programmatically: pushed change events flow through the same
// subscription, bootstrap and dispatch machinery as any external connector.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/bootstrap"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the mock source settings.
type Config struct {
	// Bootstrap optionally selects a provider ("noop", "scriptfile", ...).
	Bootstrap string `json:"bootstrap,omitempty"`
	// BootstrapFiles feeds a scriptfile provider when selected.
	BootstrapFiles []string `json:"bootstrap_files,omitempty"`
	// StallTimeoutMS bounds bootstrap-buffer stalls; zero stalls forever.
	StallTimeoutMS int `json:"stall_timeout_ms,omitempty"`
}

// Source is a scripted source for tests and embedded setups.
type Source struct {
	*component.SourceBase

	mu       sync.Mutex
	position uint64
	started  bool
}

// Register adds the mock source factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterSource(&component.SourceRegistration{
		Kind:        "mock",
		Description: "In-process source driven programmatically",
		Factory:     New,
	})
}

// New creates a mock source from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Source, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}

	provider, err := bootstrap.Select(cfg.Bootstrap, nil, rawConfig)
	if err != nil {
		return nil, err
	}

	s := &Source{
		SourceBase: component.NewSourceBase(id, "mock", provider, deps),
	}
	if cfg.StallTimeoutMS > 0 {
		s.SetStallTimeout(time.Duration(cfg.StallTimeoutMS) * time.Millisecond)
	}
	return s, nil
}

// Start brings up the fabric machinery; the mock source has no external
// connection to open.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return s.SourceBase.Start(ctx)
}

// Stop tears down the fabric machinery.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return s.SourceBase.Stop(timeout)
}

// Push publishes one change event, stamping a monotone position.
func (s *Source) Push(ctx context.Context, change types.SourceChange) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotRunning, "mock", "Push", s.ID())
	}
	if change.Position == 0 {
		s.position++
		change.Position = s.position
	} else if change.Position > s.position {
		s.position = change.Position
	}
	s.mu.Unlock()
	return s.Publish(ctx, change)
}

// PushInsert publishes a node insert.
func (s *Source) PushInsert(ctx context.Context, e *types.Element) error {
	return s.Push(ctx, types.SourceChange{Op: types.OpInsert, After: e})
}

// PushUpdate publishes an element update.
func (s *Source) PushUpdate(ctx context.Context, before, after *types.Element) error {
	return s.Push(ctx, types.SourceChange{Op: types.OpUpdate, Before: before, After: after})
}

// PushDelete publishes an element delete.
func (s *Source) PushDelete(ctx context.Context, e *types.Element) error {
	return s.Push(ctx, types.SourceChange{Op: types.OpDelete, Before: e})
}
