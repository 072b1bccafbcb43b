// Package application provides the embedding-application reaction: result
// deltas are delivered on a Go channel the hosting program consumes.
package application

import (
	"context"
	"encoding/json"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the application reaction settings.
type Config struct {
	Queries []string `json:"queries"`
	// ChannelCapacity sizes the delivery channel. Default 256.
	ChannelCapacity int `json:"channel_capacity,omitempty"`
	// BufferCapacity overrides the dispatch buffer size.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// Reaction hands result deltas to the embedding application.
type Reaction struct {
	*component.ReactionBase
	deltas chan *types.ResultDelta
}

// Register adds the application reaction factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterReaction(&component.ReactionRegistration{
		Kind:        "application",
		Description: "Delivers result deltas to the embedding application",
		Factory:     New,
	})
}

// New creates an application reaction from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Reaction, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = 256
	}

	r := &Reaction{
		ReactionBase: component.NewReactionBase(id, "application", cfg.Queries, cfg.BufferCapacity, deps),
		deltas:       make(chan *types.ResultDelta, capacity),
	}
	r.SetHandler(r)
	return r, nil
}

// Deltas returns the channel the embedding application reads.
func (r *Reaction) Deltas() <-chan *types.ResultDelta { return r.deltas }

// HandleDelta blocks until the application accepts the delta, extending the
// fabric's backpressure into the embedding program.
func (r *Reaction) HandleDelta(ctx context.Context, delta *types.ResultDelta) error {
	select {
	case r.deltas <- delta:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
