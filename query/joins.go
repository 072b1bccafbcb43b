package query

import (
	"fmt"

	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/types"
)

// joinIndex maintains the synthetic-join linkage declared on a query: for
// each join spec, a bidirectional mapping from (key entry, property value) to
// node ids, from which transient edges are materialised during pattern
// evaluation.
type joinIndex struct {
	specs map[string]*joinState // by join id
}

type joinState struct {
	spec config.JoinSpec
	// entries[i] maps encoded property value -> node ids for spec.Keys[i].
	entries []map[string]map[string]struct{}
}

func newJoinIndex(specs []config.JoinSpec) *joinIndex {
	idx := &joinIndex{specs: make(map[string]*joinState, len(specs))}
	for _, spec := range specs {
		st := &joinState{spec: spec, entries: make([]map[string]map[string]struct{}, len(spec.Keys))}
		for i := range spec.Keys {
			st.entries[i] = make(map[string]map[string]struct{})
		}
		idx.specs[spec.ID] = st
	}
	return idx
}

// isJoin reports whether a relation type in a pattern names a declared join.
func (j *joinIndex) isJoin(relType string) bool {
	_, ok := j.specs[relType]
	return ok
}

// update reindexes a node after an upsert.
func (j *joinIndex) update(e *types.Element) {
	if e.Type != types.ElementNode {
		return
	}
	j.removeNode(e.ID)
	for _, st := range j.specs {
		for i, key := range st.spec.Keys {
			if !e.HasLabel(key.Label) {
				continue
			}
			value, ok := e.Properties[key.Property]
			if !ok || value == nil {
				continue
			}
			vk := encodeJoinValue(value)
			set, exists := st.entries[i][vk]
			if !exists {
				set = make(map[string]struct{})
				st.entries[i][vk] = set
			}
			set[e.ID] = struct{}{}
		}
	}
}

// removeNode drops a node from every join entry.
func (j *joinIndex) removeNode(id string) {
	for _, st := range j.specs {
		for i := range st.entries {
			for vk, set := range st.entries[i] {
				delete(set, id)
				if len(set) == 0 {
					delete(st.entries[i], vk)
				}
			}
		}
	}
}

// virtualEdge is a transient synthetic relation between two joined nodes.
type virtualEdge struct {
	rel   *types.Element
	other string // the node id on the far side
}

// partners returns the synthetic edges incident to a node under one join id.
// Edges link nodes from different key entries whose property values are
// equal; they are undirected.
func (j *joinIndex) partners(joinID string, e *types.Element) []virtualEdge {
	st, ok := j.specs[joinID]
	if !ok || e.Type != types.ElementNode {
		return nil
	}
	var out []virtualEdge
	for i, key := range st.spec.Keys {
		if !e.HasLabel(key.Label) {
			continue
		}
		value, okv := e.Properties[key.Property]
		if !okv || value == nil {
			continue
		}
		vk := encodeJoinValue(value)
		for oi := range st.spec.Keys {
			if oi == i {
				continue
			}
			for otherID := range st.entries[oi][vk] {
				if otherID == e.ID {
					continue
				}
				out = append(out, virtualEdge{
					rel:   syntheticRelation(joinID, e.ID, otherID),
					other: otherID,
				})
			}
		}
	}
	return out
}

// syntheticRelation materialises the transient edge element bound to a join
// relationship variable. The id is canonical regardless of traversal
// direction so match signatures stay stable.
func syntheticRelation(joinID, a, b string) *types.Element {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return &types.Element{
		Type:   types.ElementRelation,
		ID:     fmt.Sprintf("$join:%s:%s:%s", joinID, lo, hi),
		Labels: []string{joinID},
		From:   a,
		To:     b,
	}
}

// encodeJoinValue canonicalises a property value for equality indexing.
// Numeric types collapse so 5 and 5.0 join.
func encodeJoinValue(v any) string {
	switch n := v.(type) {
	case int:
		return fmt.Sprintf("n:%g", float64(n))
	case int32:
		return fmt.Sprintf("n:%g", float64(n))
	case int64:
		return fmt.Sprintf("n:%g", float64(n))
	case float32:
		return fmt.Sprintf("n:%g", float64(n))
	case float64:
		return fmt.Sprintf("n:%g", n)
	case bool:
		return fmt.Sprintf("b:%t", n)
	case string:
		return "s:" + n
	default:
		return fmt.Sprintf("x:%v", v)
	}
}
