package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/query/cypher"
	"github.com/ruokun-niu/drasi-server/types"
)

func newTestMatcher(t *testing.T, queryText string, joins []config.JoinSpec) (*matcher, *elementStore, *joinIndex) {
	t.Helper()
	compiled, err := cypher.Compile(queryText, "")
	require.NoError(t, err)
	store := newElementStore()
	ji := newJoinIndex(joins)
	return &matcher{compiled: compiled, store: store, joins: ji}, store, ji
}

func ingest(store *elementStore, ji *joinIndex, elements ...*types.Element) {
	for _, e := range elements {
		store.upsert(e)
		ji.update(e)
	}
}

func product(id string, price int) *types.Element {
	return types.NewNode(id, []string{"Product"}, types.Properties{"id": id, "price": price})
}

func TestSingleNodeMatch(t *testing.T) {
	m, store, ji := newTestMatcher(t,
		`MATCH (p:Product) WHERE p.price > 50 RETURN p.id AS id, p.price AS price`, nil)

	ingest(store, ji, product("a", 40), product("b", 80))

	el, _ := store.get("b")
	matches := m.matchesContaining(el)
	require.Len(t, matches, 1)
	for _, row := range matches {
		assert.Equal(t, "b", row["id"])
		assert.Equal(t, 80, row["price"])
	}

	el, _ = store.get("a")
	assert.Empty(t, m.matchesContaining(el))

	all := m.allMatches()
	assert.Len(t, all, 1)
}

func TestRelationshipTraversal(t *testing.T) {
	m, store, ji := newTestMatcher(t,
		`MATCH (a:Person)-[r:KNOWS]->(b:Person) RETURN a.name AS from, b.name AS to`, nil)

	alice := types.NewNode("alice", []string{"Person"}, types.Properties{"name": "Alice"})
	bob := types.NewNode("bob", []string{"Person"}, types.Properties{"name": "Bob"})
	knows := types.NewRelation("k1", "KNOWS", "alice", "bob", nil)
	ingest(store, ji, alice, bob, knows)

	// Seeding from any bound element finds the same match.
	for _, id := range []string{"alice", "bob", "k1"} {
		el, ok := store.get(id)
		require.True(t, ok)
		matches := m.matchesContaining(el)
		require.Len(t, matches, 1, "seed %s", id)
		for _, row := range matches {
			assert.Equal(t, "Alice", row["from"])
			assert.Equal(t, "Bob", row["to"])
		}
	}

	// Direction matters: the reversed relation yields exactly one match, and
	// it binds bob as the subject.
	reversed := types.NewRelation("k2", "KNOWS", "bob", "alice", nil)
	ingest(store, ji, reversed)
	el, _ := store.get("k2")
	matches := m.matchesContaining(el)
	require.Len(t, matches, 1)
	for _, row := range matches {
		assert.Equal(t, "Bob", row["from"])
	}
}

func TestUndirectedRelationship(t *testing.T) {
	m, store, ji := newTestMatcher(t,
		`MATCH (a:Person)-[r:KNOWS]-(b:Person) RETURN a.name AS n`, nil)
	ingest(store, ji,
		types.NewNode("alice", []string{"Person"}, types.Properties{"name": "Alice"}),
		types.NewNode("bob", []string{"Person"}, types.Properties{"name": "Bob"}),
		types.NewRelation("k1", "KNOWS", "alice", "bob", nil))

	// Both orientations match, so two distinct bindings exist.
	all := m.allMatches()
	assert.Len(t, all, 2)
}

func TestSyntheticJoin(t *testing.T) {
	joins := []config.JoinSpec{{
		ID: "HAS_INVENTORY",
		Keys: []config.JoinKey{
			{Label: "Product", Property: "sku"},
			{Label: "Inventory", Property: "sku"},
		},
	}}
	m, store, ji := newTestMatcher(t,
		`MATCH (p:Product)-[j:HAS_INVENTORY]-(i:Inventory) WHERE i.count < 5 RETURN p.sku AS sku, i.count AS count`,
		joins)

	ingest(store, ji,
		types.NewNode("p1", []string{"Product"}, types.Properties{"sku": "W-1"}),
		types.NewNode("i1", []string{"Inventory"}, types.Properties{"sku": "W-1", "count": 2}),
		types.NewNode("i2", []string{"Inventory"}, types.Properties{"sku": "W-2", "count": 1}))

	el, _ := store.get("p1")
	matches := m.matchesContaining(el)
	require.Len(t, matches, 1)
	for _, row := range matches {
		assert.Equal(t, "W-1", row["sku"])
		assert.Equal(t, 2, row["count"])
	}

	// The unmatched inventory has no join partner.
	el, _ = store.get("i2")
	assert.Empty(t, m.matchesContaining(el))
}

func TestJoinIndexValueChange(t *testing.T) {
	joins := []config.JoinSpec{{
		ID: "SAME_CITY",
		Keys: []config.JoinKey{
			{Label: "Person", Property: "city"},
			{Label: "Office", Property: "city"},
		},
	}}
	m, store, ji := newTestMatcher(t,
		`MATCH (p:Person)-[j:SAME_CITY]-(o:Office) RETURN p.name AS name, o.name AS office`,
		joins)

	person := types.NewNode("p1", []string{"Person"}, types.Properties{"name": "Dana", "city": "Lyon"})
	office := types.NewNode("o1", []string{"Office"}, types.Properties{"name": "HQ", "city": "Lyon"})
	ingest(store, ji, person, office)
	assert.Len(t, m.allMatches(), 1)

	// Moving the person breaks the linkage.
	moved := types.NewNode("p1", []string{"Person"}, types.Properties{"name": "Dana", "city": "Nice"})
	ingest(store, ji, moved)
	assert.Empty(t, m.allMatches())
}

func TestCrossPartSharedVariable(t *testing.T) {
	m, store, ji := newTestMatcher(t,
		`MATCH (a:Person)-[r:KNOWS]->(b:Person), (b)-[s:KNOWS]->(c:Person) RETURN a.name AS a, c.name AS c`, nil)

	ingest(store, ji,
		types.NewNode("x", []string{"Person"}, types.Properties{"name": "X"}),
		types.NewNode("y", []string{"Person"}, types.Properties{"name": "Y"}),
		types.NewNode("z", []string{"Person"}, types.Properties{"name": "Z"}),
		types.NewRelation("r1", "KNOWS", "x", "y", nil),
		types.NewRelation("r2", "KNOWS", "y", "z", nil))

	all := m.allMatches()
	require.Len(t, all, 1)
	for _, row := range all {
		assert.Equal(t, "X", row["a"])
		assert.Equal(t, "Z", row["c"])
	}
}

func TestResultSetReconcile(t *testing.T) {
	rs := newResultSet()

	// First appearance: added.
	d := rs.reconcile(nil, map[string]types.Row{"sig1": {"id": "b", "price": 80}})
	require.Len(t, d.added, 1)
	assert.Empty(t, d.updated)
	assert.Empty(t, d.deleted)

	// Projection change on the same signature: updated.
	d = rs.reconcile(
		map[string]types.Row{"sig1": {"id": "b", "price": 80}},
		map[string]types.Row{"sig1": {"id": "b", "price": 90}})
	require.Len(t, d.updated, 1)
	assert.Equal(t, types.Row{"id": "b", "price": 80}, d.updated[0].Before)
	assert.Equal(t, types.Row{"id": "b", "price": 90}, d.updated[0].After)

	// Unchanged projection: suppressed.
	d = rs.reconcile(
		map[string]types.Row{"sig1": {"id": "b", "price": 90}},
		map[string]types.Row{"sig1": {"id": "b", "price": 90}})
	assert.True(t, d.empty())

	// Disappearance: deleted.
	d = rs.reconcile(map[string]types.Row{"sig1": {"id": "b", "price": 90}}, nil)
	require.Len(t, d.deleted, 1)
	assert.Equal(t, 0, rs.distinct())
}

func TestResultSetMultiplicity(t *testing.T) {
	rs := newResultSet()
	row := types.Row{"id": "x"}

	// Two signatures contributing the same row: one added, one silent.
	d := rs.reconcile(nil, map[string]types.Row{"sigA": row})
	assert.Len(t, d.added, 1)
	d = rs.reconcile(nil, map[string]types.Row{"sigB": row})
	assert.True(t, d.empty())
	assert.Equal(t, 1, rs.distinct())
	assert.Len(t, rs.snapshot(), 2)

	// Removing one support is silent; removing the last deletes.
	d = rs.reconcile(map[string]types.Row{"sigA": row}, nil)
	assert.True(t, d.empty())
	d = rs.reconcile(map[string]types.Row{"sigB": row}, nil)
	assert.Len(t, d.deleted, 1)
	assert.Equal(t, 0, rs.distinct())
}

func TestRowKeyNumericCollapse(t *testing.T) {
	a := types.Row{"price": int64(80)}
	b := types.Row{"price": 80.0}
	assert.Equal(t, rowKey(a), rowKey(b))
	assert.NotEqual(t, rowKey(a), rowKey(types.Row{"price": int64(81)}))
}
