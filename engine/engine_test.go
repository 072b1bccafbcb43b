package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applicationreaction "github.com/ruokun-niu/drasi-server/reactions/application"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/componentregistry"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/persistence"
	"github.com/ruokun-niu/drasi-server/sources/mock"
	"github.com/ruokun-niu/drasi-server/types"
)

func testFactories(t *testing.T) *component.Registry {
	t.Helper()
	registry, err := componentregistry.NewRegistry()
	require.NoError(t, err)
	return registry
}

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

const scenarioYAML = `
sources:
  - id: s1
    kind: mock
queries:
  - id: q1
    query_text: "MATCH (p:Product) WHERE p.price > 50 RETURN p.id AS id, p.price AS price"
    sources: [s1]
    enable_bootstrap: false
reactions:
  - id: r1
    kind: application
    queries: [q1]
`

func newScenarioEngine(t *testing.T) (*Engine, *mock.Source, *applicationreaction.Reaction) {
	t.Helper()
	eng, err := New(Options{
		Config:    parseConfig(t, scenarioYAML),
		Factories: testFactories(t),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	src, err := eng.SourceInstance("s1")
	require.NoError(t, err)
	rx, err := eng.ReactionInstance("r1")
	require.NoError(t, err)
	return eng, src.(*mock.Source), rx.(*applicationreaction.Reaction)
}

func nextDelta(t *testing.T, rx *applicationreaction.Reaction) *types.ResultDelta {
	t.Helper()
	select {
	case d := <-rx.Deltas():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delta arrived")
		return nil
	}
}

func product(id string, price int) *types.Element {
	return types.NewNode(id, []string{"Product"}, types.Properties{"id": id, "price": price})
}

// TestNodeLifecycleEndToEnd drives a mock source through a query into an
// application reaction and checks every delta in sequence order.
func TestNodeLifecycleEndToEnd(t *testing.T) {
	_, src, rx := newScenarioEngine(t)
	ctx := context.Background()

	require.NoError(t, src.PushInsert(ctx, product("a", 40)))
	require.NoError(t, src.PushInsert(ctx, product("b", 80)))
	require.NoError(t, src.PushUpdate(ctx, product("b", 80), product("b", 90)))
	require.NoError(t, src.PushUpdate(ctx, product("a", 40), product("a", 60)))
	require.NoError(t, src.PushDelete(ctx, product("b", 90)))

	d := nextDelta(t, rx)
	assert.Equal(t, uint64(1), d.Sequence)
	require.Len(t, d.Added, 1)
	assert.Equal(t, types.Row{"id": "b", "price": 80}, d.Added[0])

	d = nextDelta(t, rx)
	assert.Equal(t, uint64(2), d.Sequence)
	require.Len(t, d.Updated, 1)
	assert.Equal(t, types.Row{"id": "b", "price": 90}, d.Updated[0].After)

	d = nextDelta(t, rx)
	assert.Equal(t, uint64(3), d.Sequence)
	require.Len(t, d.Added, 1)
	assert.Equal(t, types.Row{"id": "a", "price": 60}, d.Added[0])

	d = nextDelta(t, rx)
	assert.Equal(t, uint64(4), d.Sequence)
	require.Len(t, d.Deleted, 1)
	assert.Equal(t, types.Row{"id": "b", "price": 90}, d.Deleted[0])
}

// TestAutoStartStates: after boot every auto-start component is running.
func TestAutoStartStates(t *testing.T) {
	eng, _, _ := newScenarioEngine(t)
	for _, status := range eng.ListSources() {
		assert.Equal(t, types.StateRunning, status.State, status.ID)
	}
	for _, status := range eng.ListQueries() {
		assert.Equal(t, types.StateRunning, status.State, status.ID)
	}
	for _, status := range eng.ListReactions() {
		assert.Equal(t, types.StateRunning, status.State, status.ID)
	}
}

// TestIdempotentStartStop: starting a running component and stopping a
// stopped one leave state unchanged.
func TestIdempotentStartStop(t *testing.T) {
	eng, _, _ := newScenarioEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.StartSource(ctx, "s1"))
	status, err := eng.GetSource("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, status.State)

	require.NoError(t, eng.StopQuery("q1"))
	require.NoError(t, eng.StopQuery("q1"))
	status, err = eng.GetQuery("q1")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, status.State)
}

// TestDeleteRefusal covers the cascading delete rules: a source with a
// subscribing query and a query with a subscribing reaction refuse deletion;
// deleting bottom-up succeeds.
func TestDeleteRefusal(t *testing.T) {
	eng, _, _ := newScenarioEngine(t)

	err := eng.DeleteSource("s1")
	assert.ErrorIs(t, err, errors.ErrHasDependents)
	_, err = eng.GetSource("s1")
	assert.NoError(t, err)

	err = eng.DeleteQuery("q1")
	assert.ErrorIs(t, err, errors.ErrHasDependents)

	require.NoError(t, eng.DeleteReaction("r1"))
	require.NoError(t, eng.DeleteQuery("q1"))
	require.NoError(t, eng.DeleteSource("s1"))
	assert.Empty(t, eng.ListSources())
}

// TestCreateDuplicate: id collisions are conflicts.
func TestCreateDuplicate(t *testing.T) {
	eng, _, _ := newScenarioEngine(t)
	_, err := eng.CreateSource(config.SourceConfig{ID: "s1", Kind: "mock"})
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)
}

// TestCreateValidation: unknown kinds and unresolvable references are
// rejected.
func TestCreateValidation(t *testing.T) {
	eng, _, _ := newScenarioEngine(t)

	_, err := eng.CreateSource(config.SourceConfig{ID: "s9", Kind: "kafka"})
	assert.ErrorIs(t, err, errors.ErrConfigValidate)

	_, err = eng.CreateQuery(config.QueryConfig{
		ID: "q9", QueryText: "MATCH (p:P) RETURN p.id", Sources: []string{"ghost"},
	})
	assert.ErrorIs(t, err, errors.ErrConfigValidate)

	_, err = eng.CreateQuery(config.QueryConfig{
		ID: "q9", QueryText: "MATCH (p:P) RETURN p.id ORDER BY p.id", Sources: []string{"s1"},
	})
	assert.ErrorIs(t, err, errors.ErrUnsupportedClause)

	_, err = eng.CreateReaction(config.ReactionConfig{
		ID: "r9", Kind: "log", Queries: []string{"ghost"},
	})
	assert.ErrorIs(t, err, errors.ErrConfigValidate)
}

// TestQueryResultsSnapshot: the registry serves the current multiset.
func TestQueryResultsSnapshot(t *testing.T) {
	eng, src, rx := newScenarioEngine(t)
	ctx := context.Background()

	require.NoError(t, src.PushInsert(ctx, product("b", 80)))
	nextDelta(t, rx)

	rows, err := eng.QueryResults("q1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["id"])

	_, err = eng.QueryResults("ghost")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

// TestBackpressure: a reaction that blocks 200ms per delta with a small
// dispatch buffer slows the source without losing events, and sequences stay
// strictly ordered 1..10.
func TestBackpressure(t *testing.T) {
	cfg := parseConfig(t, `
sources:
  - id: s1
    kind: mock
queries:
  - id: q1
    query_text: "MATCH (p:Product) RETURN p.id AS id"
    sources: [s1]
    enable_bootstrap: false
reactions:
  - id: r1
    kind: application
    queries: [q1]
    channel_capacity: 1
    buffer_capacity: 2
`)
	eng, err := New(Options{Config: cfg, Factories: testFactories(t)})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	src, err := eng.SourceInstance("s1")
	require.NoError(t, err)
	rx, err := eng.ReactionInstance("r1")
	require.NoError(t, err)
	app := rx.(*applicationreaction.Reaction)

	start := time.Now()
	var sequences []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			select {
			case d := <-app.Deltas():
				time.Sleep(200 * time.Millisecond)
				sequences = append(sequences, d.Sequence)
			case <-time.After(10 * time.Second):
				return
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, src.(*mock.Source).PushInsert(ctx,
			product(string(rune('a'+i)), 100)))
	}

	<-done
	elapsed := time.Since(start)
	require.Len(t, sequences, 10, "no event may be lost under backpressure")
	for i, seq := range sequences {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.GreaterOrEqual(t, elapsed, 2*time.Second,
		"the blocked consumer must pace end-to-end completion")
}

// TestPersistenceRoundTrip: mutations through the registry are written back
// and a rebuilt engine sees the identical declarative model.
func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: s1
    kind: mock
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	gate := persistence.ComputeGate(path, false)
	require.True(t, gate.PersistenceEnabled)
	store := persistence.NewStore(path, gate, nil)

	eng, err := New(Options{Config: cfg, Factories: testFactories(t), Persist: store})
	require.NoError(t, err)

	_, err = eng.CreateQuery(config.QueryConfig{
		ID:        "q2",
		QueryText: "MATCH (p:Product) RETURN p.id AS id",
		Sources:   []string{"s1"},
	})
	require.NoError(t, err)
	_, err = eng.CreateReaction(config.ReactionConfig{
		ID: "r2", Kind: "log", Queries: []string{"q2"},
	})
	require.NoError(t, err)

	// Restart: rebuild from the persisted file.
	reloaded, err := config.Load(path)
	require.NoError(t, err)
	eng2, err := New(Options{Config: reloaded, Factories: testFactories(t)})
	require.NoError(t, err)

	sources := eng2.ListSources()
	require.Len(t, sources, 1)
	assert.Equal(t, "s1", sources[0].ID)
	queries := eng2.ListQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, "q2", queries[0].ID)
	reactions := eng2.ListReactions()
	require.Len(t, reactions, 1)
	assert.Equal(t, "r2", reactions[0].ID)

	assert.Equal(t, eng.Config().Queries, eng2.Config().Queries)
	assert.Equal(t, eng.Config().Reactions, eng2.Config().Reactions)
}

// TestReadOnlyGate: every mutation is rejected and state is unchanged.
func TestReadOnlyGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: s1
    kind: mock
`), 0o444))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	gate := persistence.ComputeGate(path, false)
	require.True(t, gate.ReadOnly)

	eng, err := New(Options{
		Config:    cfg,
		Factories: testFactories(t),
		Persist:   persistence.NewStore(path, gate, nil),
	})
	require.NoError(t, err)

	_, err = eng.CreateSource(config.SourceConfig{ID: "s2", Kind: "mock"})
	assert.ErrorIs(t, err, errors.ErrReadOnly)
	err = eng.DeleteSource("s1")
	assert.ErrorIs(t, err, errors.ErrReadOnly)
	err = eng.StartSource(context.Background(), "s1")
	assert.ErrorIs(t, err, errors.ErrReadOnly)

	assert.Len(t, eng.ListSources(), 1)
}

// TestBuilderEmbedding: the programmatic builder assembles a working engine.
func TestBuilderEmbedding(t *testing.T) {
	eng, err := NewBuilder(testFactories(t)).
		WithSource("s1", "mock", nil).
		WithQueryConfig(config.QueryConfig{
			ID:              "q1",
			QueryText:       "MATCH (p:Product) RETURN p.id AS id",
			Sources:         []string{"s1"},
			EnableBootstrap: boolPtr(false),
		}).
		WithReaction("r1", "application", nil, "q1").
		Build()
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	src, err := eng.SourceInstance("s1")
	require.NoError(t, err)
	rx, err := eng.ReactionInstance("r1")
	require.NoError(t, err)

	require.NoError(t, src.(*mock.Source).PushInsert(context.Background(), product("z", 1)))
	d := nextDelta(t, rx.(*applicationreaction.Reaction))
	assert.Equal(t, "z", d.Added[0]["id"])
}

func boolPtr(b bool) *bool { return &b }
