package component

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// DeltaHandler is the concrete reaction's delivery callback. Deltas arrive
// at-least-once in per-query sequence order; a returned error is logged and
// the delta is retried by the connector's own policy, not redelivered by the
// fabric.
type DeltaHandler interface {
	HandleDelta(ctx context.Context, delta *types.ResultDelta) error
}

// ReactionBase implements the reaction side of the fabric protocol:
// registration with the data router, subscription to each configured query,
// and the delivery loop feeding the concrete handler. Concrete reactions
// embed it and implement DeltaHandler.
type ReactionBase struct {
	id       string
	typeName string
	queries  []string
	capacity int
	deps     Dependencies
	logger   *slog.Logger
	handler  DeltaHandler

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReactionBase builds the shared reaction machinery for a reaction
// subscribed to the given query ids.
func NewReactionBase(id, typeName string, queries []string, capacity int, deps Dependencies) *ReactionBase {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionBase{
		id:       id,
		typeName: typeName,
		queries:  append([]string(nil), queries...),
		capacity: capacity,
		deps:     deps,
		logger:   logger.With("reaction", id, "type", typeName),
	}
}

// ID returns the reaction id.
func (b *ReactionBase) ID() string { return b.id }

// TypeName returns the connector kind tag.
func (b *ReactionBase) TypeName() string { return b.typeName }

// Logger returns the reaction-scoped logger.
func (b *ReactionBase) Logger() *slog.Logger { return b.logger }

// Queries returns the query ids this reaction consumes.
func (b *ReactionBase) Queries() []string { return append([]string(nil), b.queries...) }

// SetHandler installs the concrete delivery callback. Must be called before
// Start; typically from the connector's constructor.
func (b *ReactionBase) SetHandler(h DeltaHandler) { b.handler = h }

// Start registers with the data router, subscribes to each configured query
// through the subscription router, and launches the delivery loop. A query
// that is not yet running is subscribed lazily by the engine when it starts;
// the reaction simply receives no data until then.
func (b *ReactionBase) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	sub, err := b.deps.Data.RegisterReaction(b.id, b.capacity)
	if err != nil {
		return errors.WrapFatal(err, "ReactionBase", "Start", "data router registration")
	}

	for _, queryID := range b.queries {
		msg := channels.ControlMessage{
			Kind:         channels.ControlSubscribe,
			SubscriberID: b.id,
			TargetID:     queryID,
		}
		if err := b.deps.Subscriptions.SendAndWait(b.ctx, queryID, msg); err != nil {
			// The query may not be running yet; the engine re-issues the
			// subscription when it starts.
			b.logger.Debug("Deferred subscription to query", "query", queryID, "reason", err)
		}
	}

	b.wg.Add(1)
	go b.deliveryLoop(sub)
	return nil
}

// Stop detaches from the fabric and waits for the delivery loop.
func (b *ReactionBase) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.deps.Data.DeregisterReaction(b.id)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "ReactionBase", "Stop", "delivery loop did not exit")
	}
}

// deliveryLoop feeds received deltas to the handler in order.
func (b *ReactionBase) deliveryLoop(sub *channels.Subscription[*types.ResultDelta]) {
	defer b.wg.Done()
	for {
		delta, err := sub.Recv(b.ctx)
		if err != nil {
			return
		}
		if b.deps.Metrics != nil {
			b.deps.Metrics.Core.DeltasDelivered.WithLabelValues(b.id).Inc()
		}
		if b.handler == nil {
			continue
		}
		if err := b.handler.HandleDelta(b.ctx, delta); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Error("Delta delivery failed",
				"query", delta.QueryID, "sequence", delta.Sequence, "error", err)
		}
	}
}
