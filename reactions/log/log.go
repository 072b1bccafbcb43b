// Package log provides the logging reaction: every received result delta is
// written to the structured log, one line per delta plus one per row change
// at debug level.
package log

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the log reaction settings.
type Config struct {
	Queries []string `json:"queries"`
	// Level is the log level deltas are written at: debug or info (default).
	Level string `json:"level,omitempty"`
	// BufferCapacity overrides the dispatch buffer size.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// Reaction logs result deltas.
type Reaction struct {
	*component.ReactionBase
	level slog.Level
}

// Register adds the log reaction factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterReaction(&component.ReactionRegistration{
		Kind:        "log",
		Description: "Writes result deltas to the structured log",
		Factory:     New,
	})
}

// New creates a log reaction from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Reaction, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "", "info":
	case "debug":
		level = slog.LevelDebug
	default:
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "log", "New",
			"level must be debug or info")
	}

	r := &Reaction{
		ReactionBase: component.NewReactionBase(id, "log", cfg.Queries, cfg.BufferCapacity, deps),
		level:        level,
	}
	r.SetHandler(r)
	return r, nil
}

// HandleDelta writes one delta to the log.
func (r *Reaction) HandleDelta(ctx context.Context, delta *types.ResultDelta) error {
	r.Logger().Log(ctx, r.level, "Result delta",
		"query", delta.QueryID,
		"sequence", delta.Sequence,
		"kind", delta.Kind,
		"added", len(delta.Added),
		"updated", len(delta.Updated),
		"deleted", len(delta.Deleted),
		"lag_ms", time.Now().UnixMilli()-delta.SourceTimeMS,
	)
	if r.Logger().Enabled(ctx, slog.LevelDebug) {
		for _, row := range delta.Added {
			r.Logger().Debug("Row added", "query", delta.QueryID, "row", row)
		}
		for _, u := range delta.Updated {
			r.Logger().Debug("Row updated", "query", delta.QueryID, "before", u.Before, "after", u.After)
		}
		for _, row := range delta.Deleted {
			r.Logger().Debug("Row deleted", "query", delta.QueryID, "row", row)
		}
	}
	return nil
}
