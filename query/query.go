package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/buffer"
	"github.com/ruokun-niu/drasi-server/query/cypher"
	"github.com/ruokun-niu/drasi-server/types"
)

// Query is a running continuous query: it bootstraps its state from each
// subscribed source, then incrementally maintains its result multiset over
// the live change stream, emitting result deltas with strictly monotonic
// sequence numbers.
type Query struct {
	id       string
	cfg      config.QueryConfig
	compiled *cypher.CompiledQuery
	deps     component.Dependencies
	logger   *slog.Logger

	pqCapacity       int
	dispatchCapacity int

	// mu guards the evaluation state and the result multiset so result
	// snapshots are consistent with processed events.
	mu      sync.RWMutex
	store   *elementStore
	joins   *joinIndex
	results *resultSet
	match   *matcher
	seq     uint64

	lifecycleMu sync.Mutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pending     *buffer.Bounded[*types.SourceEvent]
}

// New compiles and validates a declared query. No fabric wiring happens
// until Start.
func New(cfg config.QueryConfig, pqCapacity, dispatchCapacity int, deps component.Dependencies) (*Query, error) {
	compiled, err := cypher.Compile(cfg.QueryText, string(cfg.Language))
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PriorityQueueCapacity > 0 {
		pqCapacity = cfg.PriorityQueueCapacity
	}
	if pqCapacity <= 0 {
		pqCapacity = config.DefaultPriorityQueueCapacity
	}
	if dispatchCapacity <= 0 {
		dispatchCapacity = config.DefaultDispatchBufferCapacity
	}
	return &Query{
		id:               cfg.ID,
		cfg:              cfg,
		compiled:         compiled,
		deps:             deps,
		logger:           logger.With("query", cfg.ID),
		pqCapacity:       pqCapacity,
		dispatchCapacity: dispatchCapacity,
	}, nil
}

// ID returns the query id.
func (q *Query) ID() string { return q.id }

// TypeName returns the component type tag.
func (q *Query) TypeName() string { return "continuous" }

// Sources returns the ids of the sources this query subscribes to.
func (q *Query) Sources() []string { return append([]string(nil), q.cfg.Sources...) }

// LabelFilter returns the labels and relation types the pattern references.
func (q *Query) LabelFilter() types.LabelFilter { return q.compiled.LabelFilter }

// Start wires the query into the fabric, runs the bootstrap protocol against
// each subscribed source, emits the bootstrap snapshot, and launches the
// processing loops. It returns only once the query is ready to serve, so a
// caller observing a successful Start sees the Running state.
func (q *Query) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.running {
		return nil
	}

	// Result state is rebuilt from scratch on every start.
	q.mu.Lock()
	q.store = newElementStore()
	q.joins = newJoinIndex(q.cfg.Joins)
	q.results = newResultSet()
	q.match = &matcher{compiled: q.compiled, store: q.store, joins: q.joins}
	q.seq = 0
	q.mu.Unlock()

	q.ctx, q.cancel = context.WithCancel(ctx)

	pending, err := buffer.NewBounded[*types.SourceEvent](q.pqCapacity)
	if err != nil {
		return err
	}
	q.pending = pending

	controlInbox, err := q.deps.Subscriptions.Register(q.id)
	if err != nil {
		return errors.WrapFatal(err, "Query", "Start", "control inbox")
	}
	routerSub, err := q.deps.Data.RegisterQuery(q.id, q.dispatchCapacity)
	if err != nil {
		q.deps.Subscriptions.Deregister(q.id)
		return errors.WrapFatal(err, "Query", "Start", "data router registration")
	}

	q.wg.Add(1)
	go q.controlLoop(controlInbox)

	if err := q.connectSources(); err != nil {
		q.teardown()
		return err
	}

	q.emitBootstrapSnapshot()

	q.wg.Add(2)
	go q.pumpLoop(routerSub)
	go q.processLoop()

	q.running = true
	q.logger.Info("Query running", "sources", q.cfg.Sources, "bootstrap", q.cfg.BootstrapEnabled())
	return nil
}

// connectSources runs the bootstrap handshake (or a plain subscribe) against
// every configured source. Bootstrap sessions run concurrently; the ingest
// state is locked per element, and no delta is emitted until every session
// has completed.
func (q *Query) connectSources() error {
	if q.cfg.BootstrapEnabled() {
		g, _ := errgroup.WithContext(q.ctx)
		for _, sourceID := range q.cfg.Sources {
			sourceID := sourceID
			g.Go(func() error { return q.bootstrapFrom(sourceID) })
		}
		return g.Wait()
	}
	for _, sourceID := range q.cfg.Sources {
		msg := channels.ControlMessage{
			Kind:         channels.ControlSubscribe,
			SubscriberID: q.id,
			TargetID:     sourceID,
			Filter:       q.compiled.LabelFilter,
		}
		if err := q.deps.Subscriptions.SendAndWait(q.ctx, sourceID, msg); err != nil {
			return errors.WrapFatal(err, "Query", "connectSources",
				fmt.Sprintf("subscribe to source %s", sourceID))
		}
	}
	return nil
}

// bootstrapFrom runs one bootstrap session: stream the snapshot into the
// evaluation state without emitting deltas, then rely on the source's
// watermark cutover for gap-free live delivery.
func (q *Query) bootstrapFrom(sourceID string) error {
	session, err := q.deps.Bootstrap.Request(q.ctx, channels.BootstrapRequest{
		SourceID:   sourceID,
		QueryID:    q.id,
		Filter:     q.compiled.LabelFilter,
		BufferSize: q.cfg.EffectiveBootstrapBufferSize(),
	})
	if err != nil {
		return errors.WrapFatal(err, "Query", "bootstrapFrom",
			fmt.Sprintf("request to source %s", sourceID))
	}
	defer session.Close()

	count := 0
	for {
		resp, err := session.Next(q.ctx)
		if err != nil {
			return errors.WrapFatal(err, "Query", "bootstrapFrom",
				fmt.Sprintf("session with source %s interrupted", sourceID))
		}
		if resp.Err != nil {
			return errors.WrapFatal(resp.Err, "Query", "bootstrapFrom",
				fmt.Sprintf("source %s bootstrap failed", sourceID))
		}
		if resp.Complete {
			q.logger.Info("Bootstrap complete", "source", sourceID,
				"elements", count, "watermark", resp.Watermark)
			return nil
		}
		if resp.Element == nil {
			continue
		}
		count++
		q.mu.Lock()
		q.store.upsert(resp.Element)
		q.joins.update(resp.Element)
		q.mu.Unlock()
	}
}

// emitBootstrapSnapshot seeds the result multiset from the bootstrapped state
// and, when non-empty, publishes it as a single control delta that consumes
// sequence 1. An empty bootstrap result emits nothing, so the first live
// delta takes sequence 1.
func (q *Query) emitBootstrapSnapshot() {
	q.mu.Lock()
	matches := q.match.allMatches()
	for sig, row := range matches {
		q.results.inc(sig, row)
	}
	rows := q.results.snapshot()
	var d *types.ResultDelta
	if len(rows) > 0 {
		q.seq++
		d = &types.ResultDelta{
			QueryID:      q.id,
			Sequence:     q.seq,
			SourceTimeMS: time.Now().UnixMilli(),
			Kind:         types.DeltaControl,
			Added:        rows,
		}
	}
	q.updateResultMetrics()
	q.mu.Unlock()

	if d != nil {
		q.publish(d)
	}
}

// pumpLoop moves events from the router buffer into the bounded pending
// queue, extending backpressure to the source when the queue is full.
func (q *Query) pumpLoop(sub *channels.Subscription[*types.SourceEvent]) {
	defer q.wg.Done()
	for {
		ev, err := sub.Recv(q.ctx)
		if err != nil {
			return
		}
		if q.deps.Metrics != nil {
			q.deps.Metrics.Core.EventsDispatched.WithLabelValues(q.id).Inc()
		}
		if err := q.pending.Write(q.ctx, ev); err != nil {
			return
		}
	}
}

// processLoop dequeues pending events in arrival order and processes each.
func (q *Query) processLoop() {
	defer q.wg.Done()
	for {
		ev, err := q.pending.Read(q.ctx)
		if err != nil {
			return
		}
		q.processEvent(ev)
	}
}

// processEvent runs one change through the evaluation state and emits the
// resulting delta. A panic inside pattern evaluation fails the query; an
// inconsistent event (delete of an unknown element) is logged and dropped.
func (q *Query) processEvent(ev *types.SourceEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.WrapFatal(fmt.Errorf("panic in pattern evaluation: %v", r),
				"Query", "processEvent", ev.SourceID)
			q.logger.Error("Query failed", "error", err)
			if q.deps.OnFailure != nil {
				q.deps.OnFailure(types.KindQuery, q.id, err)
			}
			q.cancel()
		}
	}()

	change := ev.Change
	subject := change.Subject()
	if subject == nil {
		return
	}

	q.mu.Lock()

	var before map[string]types.Row
	if current, ok := q.store.get(subject.ID); ok {
		before = q.match.matchesContaining(current)
	}

	switch change.Op {
	case types.OpInsert, types.OpUpdate:
		q.store.upsert(subject)
		q.joins.update(subject)
	case types.OpDelete:
		if !q.store.remove(subject.ID) {
			q.mu.Unlock()
			q.logger.Warn("Dropping delete for unknown element",
				"element", subject.ID, "source", ev.SourceID)
			return
		}
		q.joins.removeNode(subject.ID)
	}

	var after map[string]types.Row
	if current, ok := q.store.get(subject.ID); ok {
		after = q.match.matchesContaining(current)
	}

	d := q.results.reconcile(before, after)
	var out *types.ResultDelta
	if !d.empty() {
		q.seq++
		out = &types.ResultDelta{
			QueryID:      q.id,
			Sequence:     q.seq,
			SourceTimeMS: change.SourceTimeMS,
			Kind:         types.DeltaChange,
			Added:        d.added,
			Updated:      d.updated,
			Deleted:      d.deleted,
		}
	}
	q.updateResultMetrics()
	q.mu.Unlock()

	if out != nil {
		q.publish(out)
	}
}

// publish fans the delta out to subscribed reactions with backpressure.
func (q *Query) publish(d *types.ResultDelta) {
	if err := q.deps.Data.PublishDelta(q.ctx, q.id, d); err != nil && q.ctx.Err() == nil {
		q.logger.Error("Delta publish failed", "sequence", d.Sequence, "error", err)
	}
	if q.deps.Metrics != nil {
		q.deps.Metrics.Core.DeltasEmitted.WithLabelValues(q.id).Inc()
	}
}

func (q *Query) updateResultMetrics() {
	if q.deps.Metrics != nil {
		q.deps.Metrics.Core.QueryResultSize.WithLabelValues(q.id).Set(float64(q.results.distinct()))
	}
}

// controlLoop serves reaction subscriptions.
func (q *Query) controlLoop(inbox *channels.ControlInbox) {
	defer q.wg.Done()
	for {
		msg, err := inbox.Recv(q.ctx)
		if err != nil {
			return
		}
		var result error
		switch msg.Kind {
		case channels.ControlSubscribe:
			result = q.deps.Data.SubscribeToQuery(msg.SubscriberID, q.id)
		case channels.ControlUnsubscribe:
			q.deps.Data.UnsubscribeFromQuery(msg.SubscriberID, q.id)
		}
		if msg.Ack != nil {
			msg.Ack <- result
		}
	}
}

// Stop unwires the query from the fabric and waits for its loops.
func (q *Query) Stop(timeout time.Duration) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if !q.running {
		return nil
	}
	q.running = false

	// Best-effort unsubscribe from sources so they stop buffering for us.
	unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	for _, sourceID := range q.cfg.Sources {
		_ = q.deps.Subscriptions.Send(unsubCtx, sourceID, channels.ControlMessage{
			Kind:         channels.ControlUnsubscribe,
			SubscriberID: q.id,
			TargetID:     sourceID,
		})
	}
	cancel()

	q.teardown()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Query", "Stop", "loops did not exit")
	}
}

func (q *Query) teardown() {
	q.cancel()
	q.deps.Subscriptions.Deregister(q.id)
	q.deps.Data.DeregisterQuery(q.id)
	if q.pending != nil {
		q.pending.Close()
	}
}

// Results returns a snapshot of the current result multiset.
func (q *Query) Results() []types.Row {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.results == nil {
		return nil
	}
	return q.results.snapshot()
}
