// Package buffer provides generic, thread-safe bounded buffers used as the
// building block of the channel fabric: per-subscriber dispatch buffers, the
// query runtime's pending-event queue, and the bootstrap live-event buffer.
//
// Two overflow policies are supported:
//   - Block: writers suspend until space frees up (the fabric's backpressure)
//   - DropOldest: the oldest item is discarded to admit the new one
//
// Statistics are always collected for observability.
package buffer

import (
	"context"
	"sync"

	"github.com/ruokun-niu/drasi-server/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// Block causes Write operations to suspend until space is available.
	Block OverflowPolicy = iota
	// DropOldest removes the oldest item to make room for new items.
	DropOldest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "Block"
	case DropOldest:
		return "DropOldest"
	default:
		return "Unknown"
	}
}

// Statistics tracks buffer activity. All counters are cumulative. Snapshots
// are taken under the buffer's lock via Stats.
type Statistics struct {
	Written  uint64
	Read     uint64
	Dropped  uint64
	HighMark int
}

// Bounded is a thread-safe bounded FIFO ring buffer.
type Bounded[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	policy   OverflowPolicy
	onDrop   func(T)
	stats    Statistics

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

// Option configures a Bounded buffer.
type Option[T any] func(*Bounded[T])

// WithOverflowPolicy sets the overflow policy. Default is Block.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(b *Bounded[T]) { b.policy = p }
}

// WithDropCallback registers a callback invoked with each item dropped under
// the DropOldest policy.
func WithDropCallback[T any](fn func(T)) Option[T] {
	return func(b *Bounded[T]) { b.onDrop = fn }
}

// NewBounded creates a bounded buffer with the given capacity.
func NewBounded[T any](capacity int, options ...Option[T]) (*Bounded[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.New("capacity must be positive"),
			"buffer", "NewBounded", "capacity validation")
	}
	b := &Bounded[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   Block,
	}
	for _, opt := range options {
		opt(b)
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

// Write adds an item to the buffer. Under the Block policy it suspends until
// space is available or the context is cancelled; under DropOldest it evicts
// the oldest item when full.
func (b *Bounded[T]) Write(ctx context.Context, item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrSubscriberClosed
	}

	if b.size == b.capacity {
		switch b.policy {
		case DropOldest:
			dropped := b.items[b.tail]
			b.tail = (b.tail + 1) % b.capacity
			b.size--
			b.stats.Dropped++
			if b.onDrop != nil {
				b.onDrop(dropped)
			}
		case Block:
			// Wake the waiter on cancellation; Broadcast is cheap relative to
			// the blocked path and keeps the wait loop simple.
			stop := context.AfterFunc(ctx, func() {
				b.mu.Lock()
				b.notFull.Broadcast()
				b.mu.Unlock()
			})
			for b.size == b.capacity && !b.closed && ctx.Err() == nil {
				b.notFull.Wait()
			}
			stop()
			if err := ctx.Err(); err != nil {
				return err
			}
			if b.closed {
				return errors.ErrSubscriberClosed
			}
		}
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.size++
	b.stats.Written++
	if b.size > b.stats.HighMark {
		b.stats.HighMark = b.size
	}
	b.notEmpty.Signal()
	return nil
}

// TryWrite adds an item without blocking. Returns ErrQueueFull when the buffer
// is at capacity under the Block policy.
func (b *Bounded[T]) TryWrite(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.ErrSubscriberClosed
	}
	if b.size == b.capacity {
		if b.policy == DropOldest {
			dropped := b.items[b.tail]
			b.tail = (b.tail + 1) % b.capacity
			b.size--
			b.stats.Dropped++
			if b.onDrop != nil {
				b.onDrop(dropped)
			}
		} else {
			return errors.ErrQueueFull
		}
	}
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.size++
	b.stats.Written++
	if b.size > b.stats.HighMark {
		b.stats.HighMark = b.size
	}
	b.notEmpty.Signal()
	return nil
}

// Read removes and returns the oldest item, suspending until one is available,
// the context is cancelled, or the buffer is closed and drained.
func (b *Bounded[T]) Read(ctx context.Context) (T, error) {
	var zero T
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		if b.closed {
			return zero, errors.ErrSubscriberClosed
		}
		stop := context.AfterFunc(ctx, func() {
			b.mu.Lock()
			b.notEmpty.Broadcast()
			b.mu.Unlock()
		})
		for b.size == 0 && !b.closed && ctx.Err() == nil {
			b.notEmpty.Wait()
		}
		stop()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if b.size == 0 && b.closed {
			return zero, errors.ErrSubscriberClosed
		}
	}

	item := b.items[b.tail]
	var zv T
	b.items[b.tail] = zv
	b.tail = (b.tail + 1) % b.capacity
	b.size--
	b.stats.Read++
	b.notFull.Signal()
	return item, nil
}

// TryRead removes and returns the oldest item without blocking.
func (b *Bounded[T]) TryRead() (T, bool) {
	var zero T
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.tail]
	var zv T
	b.items[b.tail] = zv
	b.tail = (b.tail + 1) % b.capacity
	b.size--
	b.stats.Read++
	b.notFull.Signal()
	return item, true
}

// Drain removes and returns all buffered items.
func (b *Bounded[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, b.size)
	for b.size > 0 {
		out = append(out, b.items[b.tail])
		var zv T
		b.items[b.tail] = zv
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		b.stats.Read++
	}
	b.notFull.Broadcast()
	return out
}

// Size returns the current number of buffered items.
func (b *Bounded[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (b *Bounded[T]) Capacity() int { return b.capacity }

// Stats returns a snapshot of the buffer statistics.
func (b *Bounded[T]) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close marks the buffer closed. Blocked writers fail immediately; readers may
// drain remaining items before receiving ErrSubscriberClosed.
func (b *Bounded[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (b *Bounded[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
