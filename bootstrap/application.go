package bootstrap

import (
	"context"
	"sync"

	"github.com/ruokun-niu/drasi-server/types"
)

// Application replays insert events previously buffered by an embedding
// application, keeping the latest snapshot per element id. The watermark is
// the replay position of the last buffered event, so live cutover skips
// events already reflected in the replay.
type Application struct {
	mu       sync.RWMutex
	order    []string // element ids in first-seen order
	latest   map[string]*types.Element
	position map[string]uint64
	lastPos  uint64
}

// NewApplication creates an empty replay buffer.
func NewApplication() *Application {
	return &Application{
		latest:   make(map[string]*types.Element),
		position: make(map[string]uint64),
	}
}

// Name returns the provider tag.
func (a *Application) Name() string { return ProviderApplication }

// Record tracks an element snapshot at a replay position. Deletions pass a
// nil element to drop the id from the replay.
func (a *Application) Record(id string, e *types.Element, position uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if position > a.lastPos {
		a.lastPos = position
	}
	if e == nil {
		delete(a.latest, id)
		delete(a.position, id)
		for i, oid := range a.order {
			if oid == id {
				a.order = append(a.order[:i], a.order[i+1:]...)
				break
			}
		}
		return
	}
	if _, seen := a.latest[id]; !seen {
		a.order = append(a.order, id)
	}
	a.latest[id] = e.Clone()
	a.position[id] = position
}

// Bootstrap replays the buffered snapshots in first-seen order.
func (a *Application) Bootstrap(ctx context.Context, filter types.LabelFilter, sink func(context.Context, *types.Element) error) (uint64, error) {
	a.mu.RLock()
	elements := make([]*types.Element, 0, len(a.latest))
	for _, id := range a.order {
		if e, ok := a.latest[id]; ok {
			elements = append(elements, e.Clone())
		}
	}
	watermark := a.lastPos
	a.mu.RUnlock()

	for _, e := range elements {
		if !filter.Matches(e) {
			continue
		}
		if err := sink(ctx, e); err != nil {
			return 0, err
		}
	}
	return watermark, nil
}
