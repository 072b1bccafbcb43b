// Package component defines the plug-in contracts for sources and reactions,
// the factory registry keyed by kind tag, and the shared base machinery that
// concrete connectors embed: subscription handling, bootstrap buffering with
// watermark cutover, and delta delivery loops.
package component

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/metric"
	"github.com/ruokun-niu/drasi-server/types"
)

// Source is the plug-in contract for change-event producers. Start opens
// external connections and begins delivering change events; Stop closes
// connections and flushes. Bootstrap sessions are served through the
// bootstrap router by the embedded SourceBase.
type Source interface {
	ID() string
	TypeName() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Reaction is the plug-in contract for result-delta consumers. Delivery
// semantics are at-least-once in per-query sequence order; reactions that
// require idempotence deduplicate on the delta sequence field.
type Reaction interface {
	ID() string
	TypeName() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// BootstrapProvider produces a finite ordered stream of element inserts for a
// bootstrap session, optionally yielding a coordination watermark: live events
// with position at or below the watermark are already reflected in the
// snapshot and must be skipped on cutover.
type BootstrapProvider interface {
	Name() string
	Bootstrap(ctx context.Context, filter types.LabelFilter, sink func(context.Context, *types.Element) error) (watermark uint64, err error)
}

// FailureFunc reports an asynchronous runtime failure of a component so the
// lifecycle controller can transition it to the failed state.
type FailureFunc func(kind types.ComponentKind, id string, err error)

// Dependencies carries the process-wide fabric handles and ambient services
// injected into every component factory.
type Dependencies struct {
	Logger        *slog.Logger
	Metrics       *metric.MetricsRegistry
	Data          *channels.DataRouter
	Bootstrap     *channels.BootstrapRouter
	Subscriptions *channels.SubscriptionRouter
	// OnFailure reports asynchronous component failures to the lifecycle
	// controller. Never nil once the engine wires the component.
	OnFailure FailureFunc
}

// Validate checks that the fabric handles are present.
func (d Dependencies) Validate() error {
	if d.Data == nil || d.Bootstrap == nil || d.Subscriptions == nil {
		return errors.WrapInvalid(errors.New("router handles are required"),
			"Dependencies", "Validate", "fabric wiring")
	}
	return nil
}

// SafeUnmarshal decodes a raw config payload, rejecting unknown fields so
// typos surface at parse time rather than as silently ignored settings.
func SafeUnmarshal(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.WrapInvalid(err, "component", "SafeUnmarshal", "config decode")
	}
	return nil
}
