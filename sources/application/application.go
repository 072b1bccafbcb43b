// Package application provides the embedding-application source: a Go
// program hosting the engine pushes change events through a typed handle,
// and late-starting queries bootstrap from a replay of previously pushed
// inserts.
package application

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

// Config holds the application source settings.
type Config struct {
	// ReplayEnabled keeps a replay buffer for bootstrap. Default true.
	ReplayEnabled *bool `json:"replay_enabled,omitempty"`
}

// Source is a programmatically driven source with replay bootstrap.
type Source struct {
	*component.SourceBase

	replay *bootstrap.Application

	mu       sync.Mutex
	position uint64
	started  bool
}

// Register adds the application source factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterSource(&component.SourceRegistration{
		Kind:        "application",
		Description: "Embedding-application source with replay bootstrap",
		Factory:     New,
	})
}

// New creates an application source from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Source, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}

	s := &Source{}
	if cfg.ReplayEnabled == nil || *cfg.ReplayEnabled {
		s.replay = bootstrap.NewApplication()
	}
	var provider component.BootstrapProvider
	if s.replay != nil {
		provider = s.replay
	}
	s.SourceBase = component.NewSourceBase(id, "application", provider, deps)
	return s, nil
}

// Start brings up the fabric machinery.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return s.SourceBase.Start(ctx)
}

// Stop tears down the fabric machinery. The replay buffer survives restarts
// of the source within the process.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return s.SourceBase.Stop(timeout)
}

// Push publishes one change event from the embedding application and records
// it in the replay buffer.
func (s *Source) Push(ctx context.Context, change types.SourceChange) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotRunning, "application", "Push", s.ID())
	}
	s.position++
	change.Position = s.position
	position := s.position
	s.mu.Unlock()

	if s.replay != nil {
		switch change.Op {
		case types.OpInsert, types.OpUpdate:
			s.replay.Record(change.After.ID, change.After, position)
		case types.OpDelete:
			s.replay.Record(change.Before.ID, nil, position)
		}
	}
	return s.Publish(ctx, change)
}
