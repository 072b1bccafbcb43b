package channels

import (
	"context"
	"sort"
	"sync"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/buffer"
	"github.com/ruokun-niu/drasi-server/types"
)

// DefaultDispatchBufferCapacity is the per-subscriber buffer size used when a
// component does not override it.
const DefaultDispatchBufferCapacity = 1000

// Subscription is a registered receiver on one lane of the data router. The
// owning component drains it from a single goroutine.
type Subscription[T any] struct {
	id  string
	buf *buffer.Bounded[T]
}

// ID returns the subscriber id.
func (s *Subscription[T]) ID() string { return s.id }

// Recv blocks until a message is available, the context is cancelled, or the
// subscription is closed and drained.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	return s.buf.Read(ctx)
}

// TryRecv returns the next message without blocking.
func (s *Subscription[T]) TryRecv() (T, bool) {
	return s.buf.TryRead()
}

// Pending returns the number of undelivered messages.
func (s *Subscription[T]) Pending() int { return s.buf.Size() }

// lane is one typed delivery plane of the data router.
type lane[T any] struct {
	mu sync.RWMutex
	// subscriber id -> bounded delivery buffer
	subs map[string]*Subscription[T]
	// producer id -> ordered subscriber ids (fan-out targets)
	fanout map[string][]string
}

func newLane[T any]() *lane[T] {
	return &lane[T]{
		subs:   make(map[string]*Subscription[T]),
		fanout: make(map[string][]string),
	}
}

func (l *lane[T]) register(id string, capacity int) (*Subscription[T], error) {
	if capacity <= 0 {
		capacity = DefaultDispatchBufferCapacity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.subs[id]; exists {
		return nil, errors.WrapConflict(errors.ErrAlreadyExists, "DataRouter", "register", id)
	}
	buf, err := buffer.NewBounded[T](capacity)
	if err != nil {
		return nil, err
	}
	sub := &Subscription[T]{id: id, buf: buf}
	l.subs[id] = sub
	return sub, nil
}

func (l *lane[T]) deregister(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[id]; ok {
		sub.buf.Close()
		delete(l.subs, id)
	}
	for producer, ids := range l.fanout {
		l.fanout[producer] = removeString(ids, id)
		if len(l.fanout[producer]) == 0 {
			delete(l.fanout, producer)
		}
	}
}

func (l *lane[T]) subscribe(subscriberID, producerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[subscriberID]; !ok {
		return errors.WrapInvalid(errors.ErrUnknownSubscriber, "DataRouter", "subscribe", subscriberID)
	}
	ids := l.fanout[producerID]
	for _, id := range ids {
		if id == subscriberID {
			return nil
		}
	}
	ids = append(ids, subscriberID)
	// Stable fan-out order keeps backpressure behaviour deterministic.
	sort.Strings(ids)
	l.fanout[producerID] = ids
	return nil
}

func (l *lane[T]) unsubscribe(subscriberID, producerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fanout[producerID] = removeString(l.fanout[producerID], subscriberID)
	if len(l.fanout[producerID]) == 0 {
		delete(l.fanout, producerID)
	}
}

// sendTo delivers one message to one subscriber, blocking while its buffer is
// full. FIFO holds per (producer, subscriber) as long as the producer sends
// from a single goroutine, which the component tasks guarantee.
func (l *lane[T]) sendTo(ctx context.Context, subscriberID string, msg T) error {
	l.mu.RLock()
	sub, ok := l.subs[subscriberID]
	l.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownSubscriber, "DataRouter", "sendTo", subscriberID)
	}
	return sub.buf.Write(ctx, msg)
}

// publish fans a message out to every subscriber of the producer. A full
// subscriber buffer suspends the publish; one slow consumer slows the
// producer rather than losing events.
func (l *lane[T]) publish(ctx context.Context, producerID string, msg T) error {
	l.mu.RLock()
	ids := append([]string(nil), l.fanout[producerID]...)
	targets := make([]*Subscription[T], 0, len(ids))
	for _, id := range ids {
		if sub, ok := l.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	l.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.buf.Write(ctx, msg); err != nil {
			if errors.Is(err, errors.ErrSubscriberClosed) {
				// Subscriber went away mid-publish; remaining targets still
				// get the message.
				continue
			}
			return err
		}
	}
	return nil
}

func (l *lane[T]) subscribers(producerID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.fanout[producerID]...)
}

func removeString(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// DataRouter carries change events from sources to queries and result deltas
// from queries to reactions. It is one of the three process-wide fabric
// singletons, created at startup and torn down at shutdown.
type DataRouter struct {
	events *lane[*types.SourceEvent]
	deltas *lane[*types.ResultDelta]
}

// NewDataRouter creates an empty data router.
func NewDataRouter() *DataRouter {
	return &DataRouter{
		events: newLane[*types.SourceEvent](),
		deltas: newLane[*types.ResultDelta](),
	}
}

// RegisterQuery registers a query as a change-event receiver.
func (r *DataRouter) RegisterQuery(queryID string, capacity int) (*Subscription[*types.SourceEvent], error) {
	return r.events.register(queryID, capacity)
}

// DeregisterQuery removes a query receiver and all its wiring on both lanes.
func (r *DataRouter) DeregisterQuery(queryID string) {
	r.events.deregister(queryID)
	// Drop the query's fan-out entry on the delta lane as producer.
	r.deltas.mu.Lock()
	delete(r.deltas.fanout, queryID)
	r.deltas.mu.Unlock()
}

// SendEvent delivers a change event to one query, blocking while the query's
// buffer is full. Sources address queries individually so that per-query
// bootstrap gating happens before the router.
func (r *DataRouter) SendEvent(ctx context.Context, queryID string, ev *types.SourceEvent) error {
	return r.events.sendTo(ctx, queryID, ev)
}

// RegisterReaction registers a reaction as a result-delta receiver.
func (r *DataRouter) RegisterReaction(reactionID string, capacity int) (*Subscription[*types.ResultDelta], error) {
	return r.deltas.register(reactionID, capacity)
}

// DeregisterReaction removes a reaction receiver and its wiring.
func (r *DataRouter) DeregisterReaction(reactionID string) {
	r.deltas.deregister(reactionID)
}

// SubscribeToQuery wires a registered reaction to a query's delta stream.
func (r *DataRouter) SubscribeToQuery(reactionID, queryID string) error {
	return r.deltas.subscribe(reactionID, queryID)
}

// UnsubscribeFromQuery removes the reaction from the query's fan-out.
func (r *DataRouter) UnsubscribeFromQuery(reactionID, queryID string) {
	r.deltas.unsubscribe(reactionID, queryID)
}

// PublishDelta fans a result delta out to every reaction subscribed to the
// query, applying backpressure on the slowest one.
func (r *DataRouter) PublishDelta(ctx context.Context, queryID string, d *types.ResultDelta) error {
	return r.deltas.publish(ctx, queryID, d)
}

// DeltaSubscribers returns the reactions currently wired to a query.
func (r *DataRouter) DeltaSubscribers(queryID string) []string {
	return r.deltas.subscribers(queryID)
}
