package query

import (
	"sort"
	"strings"

	"github.com/ruokun-niu/drasi-server/query/cypher"
	"github.com/ruokun-niu/drasi-server/types"
)

// matcher enumerates complete pattern matches incrementally: given a changed
// element, it seeds the element into every compatible pattern position and
// expands outward along the pattern chain through the adjacency and join
// indexes. Only matches containing the changed element are recomputed.
type matcher struct {
	compiled *cypher.CompiledQuery
	store    *elementStore
	joins    *joinIndex
}

// partMatch is one complete assignment for a single pattern part: the bound
// elements in pattern order (node, rel, node, rel, ...).
type partMatch struct {
	bound []*types.Element
}

// signature canonically identifies a match by its bound element ids.
func (m *matcher) signature(parts []partMatch) string {
	var sb strings.Builder
	for pi, pm := range parts {
		if pi > 0 {
			sb.WriteString("||")
		}
		for i, e := range pm.bound {
			if i > 0 {
				sb.WriteByte('|')
			}
			sb.WriteString(e.ID)
		}
	}
	return sb.String()
}

// binding flattens part matches into a variable binding.
func (m *matcher) binding(parts []partMatch) cypher.Binding {
	b := make(cypher.Binding)
	for pi, pm := range parts {
		part := m.compiled.AST.Parts[pi]
		for ni, node := range part.Nodes {
			if node.Var != "" {
				b[node.Var] = pm.bound[ni*2]
			}
		}
		for ri, rel := range part.Rels {
			if rel.Var != "" {
				b[rel.Var] = pm.bound[ri*2+1]
			}
		}
	}
	return b
}

// matchesContaining returns signature -> projected row for every complete
// match (passing WHERE) that binds the given element somewhere.
func (m *matcher) matchesContaining(e *types.Element) map[string]types.Row {
	out := make(map[string]types.Row)
	for pi := range m.compiled.AST.Parts {
		seeds := m.seedPositions(pi, e)
		for _, pos := range seeds {
			partMatches := m.expandFrom(pi, pos, e)
			if len(partMatches) == 0 {
				continue
			}
			for _, pm := range partMatches {
				m.combineParts(pi, pm, out)
			}
		}
	}
	return out
}

// allMatches enumerates every complete match of the whole pattern; used to
// seed the result multiset after bootstrap.
func (m *matcher) allMatches() map[string]types.Row {
	out := make(map[string]types.Row)
	parts := m.compiled.AST.Parts
	assignment := make([]partMatch, len(parts))
	var recurse func(idx int)
	recurse = func(idx int) {
		if idx == len(parts) {
			if !m.consistent(assignment) {
				return
			}
			b := m.binding(assignment)
			if !m.compiled.EvalWhere(b) {
				return
			}
			out[m.signature(assignment)] = m.compiled.Project(b)
			return
		}
		for _, pm := range m.enumeratePart(idx) {
			assignment[idx] = pm
			recurse(idx + 1)
		}
	}
	recurse(0)
	return out
}

// seedPositions returns the bound-slot indexes of a part the element can
// occupy: even indexes are nodes, odd indexes relations.
func (m *matcher) seedPositions(pi int, e *types.Element) []int {
	part := m.compiled.AST.Parts[pi]
	var out []int
	if e.Type == types.ElementNode {
		for ni, node := range part.Nodes {
			if nodeMatches(node, e) {
				out = append(out, ni*2)
			}
		}
		return out
	}
	for ri, rel := range part.Rels {
		if relTypeMatches(m.joins, rel, e.RelationType()) {
			out = append(out, ri*2+1)
		}
	}
	return out
}

// expandFrom builds all complete matches of part pi with the element bound at
// the given slot.
func (m *matcher) expandFrom(pi, pos int, e *types.Element) []partMatch {
	part := m.compiled.AST.Parts[pi]
	slots := len(part.Nodes)*2 - 1

	initial := make([]*types.Element, slots)
	initial[pos] = e

	partials := []partMatch{{bound: initial}}

	if pos%2 == 1 {
		// Seeded at a relation: bind its endpoint nodes first.
		partials = m.bindRelEndpoints(part, pos, partials)
	}

	// Expand right then left from the seeded region.
	right := pos
	if pos%2 == 1 {
		right = pos + 1
	}
	for hop := right; hop+2 <= slots; hop += 2 {
		partials = m.expandHop(part, hop/2, hop, hop+2, partials)
		if len(partials) == 0 {
			return nil
		}
	}
	left := pos
	if pos%2 == 1 {
		left = pos - 1
	}
	for hop := left; hop-2 >= 0; hop -= 2 {
		partials = m.expandHop(part, (hop-2)/2, hop, hop-2, partials)
		if len(partials) == 0 {
			return nil
		}
	}

	// Validate every slot satisfies its pattern and drop duplicates
	// introduced by DirBoth expansions.
	seen := make(map[string]struct{})
	out := partials[:0]
	for _, pm := range partials {
		if !m.validMatch(part, pm) {
			continue
		}
		key := matchKey(pm)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, pm)
	}
	return out
}

func matchKey(pm partMatch) string {
	ids := make([]string, len(pm.bound))
	for i, e := range pm.bound {
		ids[i] = e.ID
	}
	return strings.Join(ids, "|")
}

// bindRelEndpoints fills the nodes adjacent to a seeded relation slot.
func (m *matcher) bindRelEndpoints(part *cypher.PatternPart, relSlot int, partials []partMatch) []partMatch {
	ri := relSlot / 2
	rel := part.Rels[ri]
	var out []partMatch
	for _, pm := range partials {
		re := pm.bound[relSlot]
		// Try both orientations permitted by the pattern direction.
		orientations := [][2]string{}
		if rel.Direction != cypher.DirIn {
			orientations = append(orientations, [2]string{re.From, re.To})
		}
		if rel.Direction != cypher.DirOut {
			orientations = append(orientations, [2]string{re.To, re.From})
		}
		for _, o := range orientations {
			leftEl, lok := m.store.get(o[0])
			rightEl, rok := m.store.get(o[1])
			if !lok || !rok {
				continue
			}
			if !nodeMatches(part.Nodes[ri], leftEl) || !nodeMatches(part.Nodes[ri+1], rightEl) {
				continue
			}
			next := clonePartMatch(pm)
			next.bound[relSlot-1] = leftEl
			next.bound[relSlot+1] = rightEl
			out = append(out, next)
		}
	}
	return out
}

// expandHop extends partial matches across one hop: from the bound node slot
// to the unbound node slot through the relation between them.
func (m *matcher) expandHop(part *cypher.PatternPart, ri, fromSlot, toSlot int, partials []partMatch) []partMatch {
	rel := part.Rels[ri]
	forward := toSlot > fromSlot // traversing left-to-right in the pattern
	relSlot := (fromSlot + toSlot) / 2
	targetNode := part.Nodes[toSlot/2]

	var out []partMatch
	for _, pm := range partials {
		if pm.bound[toSlot] != nil {
			out = append(out, pm)
			continue
		}
		from := pm.bound[fromSlot]
		for _, edge := range m.edgesFrom(from, rel, forward) {
			other, ok := m.store.get(edge.other)
			if !ok || !nodeMatches(targetNode, other) {
				continue
			}
			next := clonePartMatch(pm)
			next.bound[relSlot] = edge.rel
			next.bound[toSlot] = other
			out = append(out, next)
		}
	}
	return out
}

// edgesFrom enumerates candidate edges incident to a node under a relation
// pattern. forward means the bound node occupies the pattern-left position of
// the hop.
func (m *matcher) edgesFrom(node *types.Element, rel *cypher.RelPattern, forward bool) []virtualEdge {
	var out []virtualEdge

	appendPhysical := func(relIDs map[string]struct{}, otherFrom bool) {
		for relID := range relIDs {
			re, ok := m.store.get(relID)
			if !ok {
				continue
			}
			if len(rel.Types) > 0 && !typeListed(rel.Types, re.RelationType()) {
				continue
			}
			other := re.To
			if otherFrom {
				other = re.From
			}
			out = append(out, virtualEdge{rel: re, other: other})
		}
	}

	// Physical relations by direction.
	wantOut := rel.Direction == cypher.DirBoth ||
		(forward && rel.Direction == cypher.DirOut) || (!forward && rel.Direction == cypher.DirIn)
	wantIn := rel.Direction == cypher.DirBoth ||
		(forward && rel.Direction == cypher.DirIn) || (!forward && rel.Direction == cypher.DirOut)
	if wantOut {
		appendPhysical(m.store.relationsFrom(node.ID), false)
	}
	if wantIn {
		appendPhysical(m.store.relationsTo(node.ID), true)
	}

	// Synthetic join edges, undirected.
	for _, t := range rel.Types {
		if m.joins.isJoin(t) {
			out = append(out, m.joins.partners(t, node)...)
		}
	}
	return out
}

// validMatch confirms every slot is bound and satisfies its pattern.
func (m *matcher) validMatch(part *cypher.PatternPart, pm partMatch) bool {
	for i, e := range pm.bound {
		if e == nil {
			return false
		}
		if i%2 == 0 {
			if !nodeMatches(part.Nodes[i/2], e) {
				return false
			}
		} else if !relTypeMatches(m.joins, part.Rels[i/2], e.RelationType()) {
			return false
		}
	}
	return true
}

// combineParts joins a fixed match of part pi with all matches of the other
// parts, checking shared-variable consistency, and records the surviving
// complete matches.
func (m *matcher) combineParts(pi int, fixed partMatch, out map[string]types.Row) {
	parts := m.compiled.AST.Parts
	assignment := make([]partMatch, len(parts))
	assignment[pi] = fixed

	var recurse func(idx int)
	recurse = func(idx int) {
		if idx == len(parts) {
			if !m.consistent(assignment) {
				return
			}
			b := m.binding(assignment)
			if !m.compiled.EvalWhere(b) {
				return
			}
			out[m.signature(assignment)] = m.compiled.Project(b)
			return
		}
		if idx == pi {
			recurse(idx + 1)
			return
		}
		for _, pm := range m.enumeratePart(idx) {
			assignment[idx] = pm
			recurse(idx + 1)
		}
		assignment[idx] = partMatch{}
	}
	recurse(0)
}

// consistent verifies that a variable shared across parts binds the same
// element everywhere.
func (m *matcher) consistent(assignment []partMatch) bool {
	seen := make(map[string]string)
	for pi, pm := range assignment {
		part := m.compiled.AST.Parts[pi]
		check := func(varName string, e *types.Element) bool {
			if varName == "" {
				return true
			}
			if prev, ok := seen[varName]; ok {
				return prev == e.ID
			}
			seen[varName] = e.ID
			return true
		}
		for ni, node := range part.Nodes {
			if !check(node.Var, pm.bound[ni*2]) {
				return false
			}
		}
		for ri, rel := range part.Rels {
			if !check(rel.Var, pm.bound[ri*2+1]) {
				return false
			}
		}
	}
	return true
}

// enumeratePart lists every match of one part, seeding from its most
// selective labelled node.
func (m *matcher) enumeratePart(pi int) []partMatch {
	part := m.compiled.AST.Parts[pi]

	seedIdx, seedIDs := 0, m.seedCandidates(part.Nodes[0])
	for ni := 1; ni < len(part.Nodes); ni++ {
		ids := m.seedCandidates(part.Nodes[ni])
		if len(ids) < len(seedIDs) {
			seedIdx, seedIDs = ni, ids
		}
	}
	sort.Strings(seedIDs)

	var out []partMatch
	for _, id := range seedIDs {
		e, ok := m.store.get(id)
		if !ok {
			continue
		}
		out = append(out, m.expandFrom(pi, seedIdx*2, e)...)
	}
	return out
}

func (m *matcher) seedCandidates(node *cypher.NodePattern) []string {
	if len(node.Labels) == 0 {
		return m.store.allNodes()
	}
	// Any one label suffices for the seed; full label checks happen in
	// nodeMatches.
	return m.store.nodesWithLabel(node.Labels[0])
}

func clonePartMatch(pm partMatch) partMatch {
	bound := make([]*types.Element, len(pm.bound))
	copy(bound, pm.bound)
	return partMatch{bound: bound}
}

// nodeMatches checks labels and inline property constraints.
func nodeMatches(pattern *cypher.NodePattern, e *types.Element) bool {
	if e == nil || e.Type != types.ElementNode {
		return false
	}
	for _, label := range pattern.Labels {
		if !e.HasLabel(label) {
			return false
		}
	}
	for prop, want := range pattern.Props {
		got, ok := e.Properties[prop]
		if !ok || !cypher.MatchesValue(want, got) {
			return false
		}
	}
	return true
}

// relTypeMatches checks a relation type against a relation pattern. An empty
// type list matches any physical relation but never a synthetic join.
func relTypeMatches(joins *joinIndex, pattern *cypher.RelPattern, relType string) bool {
	if len(pattern.Types) == 0 {
		return !joins.isJoin(relType)
	}
	return typeListed(pattern.Types, relType)
}

func typeListed(listed []string, t string) bool {
	for _, v := range listed {
		if v == t {
			return true
		}
	}
	return false
}
