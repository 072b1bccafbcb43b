// Package query implements the continuous query runtime: it compiles a query
// once, maintains its materialised result over the incoming change stream,
// and emits added/updated/deleted result deltas with strictly monotonic
// sequence numbers.
package query

import (
	"github.com/ruokun-niu/drasi-server/types"
)

// elementStore holds the current snapshot of every node and relation the
// query's pattern can reference, with label and adjacency indexes for
// pattern expansion. It lives for the life of the running query and is
// rebuilt from scratch on restart.
type elementStore struct {
	elements     map[string]*types.Element
	nodesByLabel map[string]map[string]struct{}
	outRels      map[string]map[string]struct{} // from-node id -> relation ids
	inRels       map[string]map[string]struct{} // to-node id -> relation ids
}

func newElementStore() *elementStore {
	return &elementStore{
		elements:     make(map[string]*types.Element),
		nodesByLabel: make(map[string]map[string]struct{}),
		outRels:      make(map[string]map[string]struct{}),
		inRels:       make(map[string]map[string]struct{}),
	}
}

func (s *elementStore) get(id string) (*types.Element, bool) {
	e, ok := s.elements[id]
	return e, ok
}

func (s *elementStore) has(id string) bool {
	_, ok := s.elements[id]
	return ok
}

// upsert inserts or replaces an element snapshot.
func (s *elementStore) upsert(e *types.Element) {
	if old, ok := s.elements[e.ID]; ok {
		s.unindex(old)
	}
	clone := e.Clone()
	s.elements[e.ID] = clone
	s.index(clone)
}

// remove deletes an element. Returns false if the id is unknown.
func (s *elementStore) remove(id string) bool {
	old, ok := s.elements[id]
	if !ok {
		return false
	}
	s.unindex(old)
	delete(s.elements, id)
	return true
}

func (s *elementStore) index(e *types.Element) {
	if e.Type == types.ElementNode {
		for _, label := range e.Labels {
			set, ok := s.nodesByLabel[label]
			if !ok {
				set = make(map[string]struct{})
				s.nodesByLabel[label] = set
			}
			set[e.ID] = struct{}{}
		}
		return
	}
	addToIndex(s.outRels, e.From, e.ID)
	addToIndex(s.inRels, e.To, e.ID)
}

func (s *elementStore) unindex(e *types.Element) {
	if e.Type == types.ElementNode {
		for _, label := range e.Labels {
			if set, ok := s.nodesByLabel[label]; ok {
				delete(set, e.ID)
				if len(set) == 0 {
					delete(s.nodesByLabel, label)
				}
			}
		}
		return
	}
	removeFromIndex(s.outRels, e.From, e.ID)
	removeFromIndex(s.inRels, e.To, e.ID)
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// nodesWithLabel returns the ids of nodes carrying a label.
func (s *elementStore) nodesWithLabel(label string) []string {
	set := s.nodesByLabel[label]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// allNodes returns every node id; used only for unlabelled pattern seeds.
func (s *elementStore) allNodes() []string {
	out := make([]string, 0, len(s.elements))
	for id, e := range s.elements {
		if e.Type == types.ElementNode {
			out = append(out, id)
		}
	}
	return out
}

// relationsFrom returns relation ids whose From is the node.
func (s *elementStore) relationsFrom(nodeID string) map[string]struct{} {
	return s.outRels[nodeID]
}

// relationsTo returns relation ids whose To is the node.
func (s *elementStore) relationsTo(nodeID string) map[string]struct{} {
	return s.inRels[nodeID]
}

// size returns the number of stored elements.
func (s *elementStore) size() int { return len(s.elements) }
