package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/buffer"
	"github.com/ruokun-niu/drasi-server/types"
)

// subscription delivery modes.
const (
	subLive = iota
	subBuffering
)

// querySub tracks one query subscribed to this source.
type querySub struct {
	// mu serializes buffer appends against the live-mode flip so no event can
	// land in the bootstrap buffer after the drain loop has finished.
	mu     sync.Mutex
	queryID string
	filter  types.LabelFilter
	mode    int
	buf     *buffer.Bounded[*types.SourceEvent]
	failed  bool
}

// SourceBase implements the source side of the fabric protocol: subscription
// control handling, per-query bootstrap buffering with watermark cutover, and
// ordered event publishing. Concrete sources embed it and feed change events
// through Publish from a single ingest goroutine.
type SourceBase struct {
	id       string
	typeName string
	deps     Dependencies
	logger   *slog.Logger
	provider BootstrapProvider

	// stallTimeout bounds how long Publish may stall on a full bootstrap
	// buffer before the bootstrap is aborted. Zero means stall indefinitely.
	stallTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*querySub

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSourceBase builds the shared source machinery. The provider may be nil,
// in which case bootstrap requests complete immediately with no data.
func NewSourceBase(id, typeName string, provider BootstrapProvider, deps Dependencies) *SourceBase {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceBase{
		id:       id,
		typeName: typeName,
		deps:     deps,
		logger:   logger.With("source", id, "type", typeName),
		provider: provider,
		subs:     make(map[string]*querySub),
	}
}

// ID returns the source id.
func (b *SourceBase) ID() string { return b.id }

// TypeName returns the connector kind tag.
func (b *SourceBase) TypeName() string { return b.typeName }

// Logger returns the source-scoped logger.
func (b *SourceBase) Logger() *slog.Logger { return b.logger }

// SetProvider replaces the bootstrap provider. Must be called before Start.
func (b *SourceBase) SetProvider(p BootstrapProvider) { b.provider = p }

// SetStallTimeout configures the bootstrap-buffer stall bound.
func (b *SourceBase) SetStallTimeout(d time.Duration) { b.stallTimeout = d }

// Context returns the run context established by Start.
func (b *SourceBase) Context() context.Context { return b.ctx }

// ReportFailure notifies the lifecycle controller of an asynchronous source
// failure.
func (b *SourceBase) ReportFailure(err error) {
	if b.deps.OnFailure != nil {
		b.deps.OnFailure(types.KindSource, b.id, err)
	}
}

// Start registers the source's fabric inboxes and launches the control and
// bootstrap serving loops.
func (b *SourceBase) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	controlInbox, err := b.deps.Subscriptions.Register(b.id)
	if err != nil {
		return errors.WrapFatal(err, "SourceBase", "Start", "subscription inbox")
	}
	bootstrapInbox, err := b.deps.Bootstrap.Register(b.id)
	if err != nil {
		b.deps.Subscriptions.Deregister(b.id)
		return errors.WrapFatal(err, "SourceBase", "Start", "bootstrap inbox")
	}

	b.wg.Add(2)
	go b.controlLoop(controlInbox)
	go b.bootstrapLoop(bootstrapInbox)
	return nil
}

// Stop detaches the source from the fabric and waits for its loops up to the
// given timeout.
func (b *SourceBase) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	b.deps.Subscriptions.Deregister(b.id)
	b.deps.Bootstrap.Deregister(b.id)
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "SourceBase", "Stop", "loops did not exit")
	}
}

// ActiveFilter returns the union of all subscriber label filters, letting
// connectors limit decoding at their output. Nil means no subscriber
// restricts labels.
func (b *SourceBase) ActiveFilter() types.LabelFilter {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out types.LabelFilter
	first := true
	for _, sub := range b.subs {
		if first {
			out = sub.filter
			first = false
			continue
		}
		out = out.Union(sub.filter)
	}
	return out
}

// Publish delivers one change event to every subscribed query, respecting
// each query's label filter and bootstrap state. It must be called from a
// single goroutine per source to preserve source order.
func (b *SourceBase) Publish(ctx context.Context, change types.SourceChange) error {
	if err := change.Validate(); err != nil {
		b.logger.Warn("Dropping invalid change event", "error", err)
		return nil
	}
	if change.SourceTimeMS == 0 {
		change.SourceTimeMS = time.Now().UnixMilli()
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.Core.EventsPublished.WithLabelValues(b.id).Inc()
	}

	ev := &types.SourceEvent{SourceID: b.id, Change: change}
	subject := change.Subject()

	b.mu.Lock()
	targets := make([]*querySub, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.filter.Matches(subject) {
			continue
		}
		if err := b.deliver(ctx, sub, ev); err != nil {
			return err
		}
	}
	return nil
}

// deliver routes one event to one subscriber: into the bootstrap buffer while
// the subscription is buffering, straight to the data router once live.
func (b *SourceBase) deliver(ctx context.Context, sub *querySub, ev *types.SourceEvent) error {
	sub.mu.Lock()
	if sub.mode == subLive {
		sub.mu.Unlock()
		return b.deps.Data.SendEvent(ctx, sub.queryID, ev)
	}
	if sub.failed {
		sub.mu.Unlock()
		return nil
	}

	// Buffering: default policy is to stall live ingest on a full buffer.
	// With a stall timeout configured, exceeding it aborts the bootstrap.
	writeCtx := ctx
	var cancel context.CancelFunc
	if b.stallTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, b.stallTimeout)
	}
	err := sub.buf.Write(writeCtx, ev)
	if cancel != nil {
		cancel()
	}
	if err != nil && writeCtx.Err() != nil && ctx.Err() == nil {
		sub.failed = true
		sub.mu.Unlock()
		b.logger.Error("Bootstrap buffer stalled beyond timeout, aborting bootstrap",
			"query", sub.queryID, "capacity", sub.buf.Capacity())
		return nil
	}
	sub.mu.Unlock()
	if err != nil && errors.Is(err, errors.ErrSubscriberClosed) {
		return nil
	}
	return err
}

// controlLoop processes subscribe/unsubscribe/label-filter messages.
func (b *SourceBase) controlLoop(inbox *channels.ControlInbox) {
	defer b.wg.Done()
	for {
		msg, err := inbox.Recv(b.ctx)
		if err != nil {
			return
		}
		var result error
		switch msg.Kind {
		case channels.ControlSubscribe:
			result = b.addLiveSubscriber(msg.SubscriberID, msg.Filter)
		case channels.ControlUnsubscribe:
			b.removeSubscriber(msg.SubscriberID)
		case channels.ControlLabelFilter:
			b.updateFilter(msg.SubscriberID, msg.Filter)
		}
		if msg.Ack != nil {
			msg.Ack <- result
		}
	}
}

func (b *SourceBase) addLiveSubscriber(queryID string, filter types.LabelFilter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[queryID]; exists {
		return nil
	}
	b.subs[queryID] = &querySub{queryID: queryID, filter: filter, mode: subLive}
	b.logger.Debug("Query subscribed", "query", queryID, "labels", filter.Labels())
	return nil
}

func (b *SourceBase) removeSubscriber(queryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[queryID]; ok {
		if sub.buf != nil {
			sub.buf.Close()
		}
		delete(b.subs, queryID)
	}
}

func (b *SourceBase) updateFilter(queryID string, filter types.LabelFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[queryID]; ok {
		sub.filter = filter
	}
}

// bootstrapLoop serves bootstrap sessions, one goroutine per request.
func (b *SourceBase) bootstrapLoop(inbox *channels.BootstrapInbox) {
	defer b.wg.Done()
	for {
		req, err := inbox.Recv(b.ctx)
		if err != nil {
			return
		}
		writer := inbox.Writer(req)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveBootstrap(req, writer)
		}()
	}
}

// serveBootstrap runs the bootstrap protocol for one query: register the
// subscription in buffering mode, stream the provider's snapshot, emit the
// completion watermark, drain buffered live events past the watermark, then
// flip to live delivery.
func (b *SourceBase) serveBootstrap(req *channels.BootstrapRequest, writer *channels.SessionWriter) {
	ctx := b.ctx
	logger := b.logger.With("query", req.QueryID, "session", req.SessionID)

	bufSize := req.BufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	liveBuf, err := buffer.NewBounded[*types.SourceEvent](bufSize)
	if err != nil {
		_ = writer.Fail(ctx, err)
		return
	}

	sub := &querySub{queryID: req.QueryID, filter: req.Filter, mode: subBuffering, buf: liveBuf}
	b.mu.Lock()
	if _, exists := b.subs[req.QueryID]; exists {
		b.mu.Unlock()
		_ = writer.Fail(ctx, errors.WrapConflict(errors.ErrAlreadyExists,
			"SourceBase", "serveBootstrap", "query already subscribed"))
		return
	}
	b.subs[req.QueryID] = sub
	b.mu.Unlock()

	var watermark uint64
	if b.provider != nil {
		count := 0
		sink := func(sctx context.Context, e *types.Element) error {
			if !req.Filter.Matches(e) {
				return nil
			}
			count++
			if b.deps.Metrics != nil {
				b.deps.Metrics.Core.BootstrapItems.WithLabelValues(b.id).Inc()
			}
			return writer.Send(sctx, e)
		}
		watermark, err = b.provider.Bootstrap(ctx, req.Filter, sink)
		if err != nil {
			logger.Error("Bootstrap provider failed", "provider", b.provider.Name(), "error", err)
			b.removeSubscriber(req.QueryID)
			_ = writer.Fail(ctx, errors.WrapFatal(err, "SourceBase", "serveBootstrap", "provider stream"))
			return
		}
		logger.Info("Bootstrap stream complete", "provider", b.provider.Name(),
			"elements", count, "watermark", watermark)
	}

	if b.subFailed(sub) {
		b.removeSubscriber(req.QueryID)
		_ = writer.Fail(ctx, errors.WrapFatal(errors.ErrBootstrapOverflow,
			"SourceBase", "serveBootstrap", "live buffer overflowed during provider stream"))
		b.reportBootstrapOverflow(req.QueryID, bufSize)
		return
	}

	if err := writer.Complete(ctx, watermark); err != nil {
		b.removeSubscriber(req.QueryID)
		return
	}

	// Cutover: forward buffered live events with position beyond the
	// watermark, then flip to direct delivery once the buffer drains empty.
	for {
		if b.subFailed(sub) {
			b.removeSubscriber(req.QueryID)
			b.reportBootstrapOverflow(req.QueryID, bufSize)
			return
		}
		events := sub.buf.Drain()
		if len(events) == 0 {
			sub.mu.Lock()
			if sub.buf.Size() == 0 {
				sub.mode = subLive
				sub.mu.Unlock()
				break
			}
			sub.mu.Unlock()
			continue
		}
		for _, ev := range events {
			if watermark != 0 && ev.Change.Position != 0 && ev.Change.Position <= watermark {
				continue
			}
			if err := b.deps.Data.SendEvent(ctx, req.QueryID, ev); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Buffered event delivery failed", "error", err)
			}
		}
	}
	logger.Debug("Bootstrap cutover complete, subscription live")
}

func (b *SourceBase) subFailed(sub *querySub) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.failed
}

func (b *SourceBase) reportBootstrapOverflow(queryID string, capacity int) {
	err := errors.WrapFatal(errors.ErrBootstrapOverflow, "SourceBase", "serveBootstrap",
		fmt.Sprintf("live buffer of %d overflowed; raise bootstrap_buffer_size", capacity))
	if b.deps.OnFailure != nil {
		b.deps.OnFailure(types.KindQuery, queryID, err)
	}
}
