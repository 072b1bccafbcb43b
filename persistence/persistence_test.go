package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/config"
)

func writeTemp(t *testing.T, name, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestComputeGateWritable(t *testing.T) {
	path := writeTemp(t, "server.yaml", "port: 8080\n", 0o644)
	gate := ComputeGate(path, false)
	assert.False(t, gate.ReadOnly)
	assert.True(t, gate.PersistenceEnabled)
}

func TestComputeGateReadOnly(t *testing.T) {
	path := writeTemp(t, "server.yaml", "port: 8080\n", 0o444)
	gate := ComputeGate(path, false)
	assert.True(t, gate.ReadOnly)
	assert.False(t, gate.PersistenceEnabled)
}

func TestComputeGateDisabledPersistence(t *testing.T) {
	path := writeTemp(t, "server.yaml", "port: 8080\n", 0o644)
	gate := ComputeGate(path, true)
	assert.False(t, gate.ReadOnly)
	assert.False(t, gate.PersistenceEnabled)
}

func TestComputeGateNoFile(t *testing.T) {
	gate := ComputeGate(filepath.Join(t.TempDir(), "absent.yaml"), false)
	assert.False(t, gate.ReadOnly)
	assert.False(t, gate.PersistenceEnabled)

	gate = ComputeGate("", false)
	assert.False(t, gate.ReadOnly)
	assert.False(t, gate.PersistenceEnabled)
}

func TestSaveWritesAtomically(t *testing.T) {
	path := writeTemp(t, "server.yaml", "port: 1\n", 0o644)
	store := NewStore(path, Gate{PersistenceEnabled: true}, nil)

	cfg := &config.Config{ID: "saved", Port: 9999}
	cfg.ApplyDefaults()
	require.NoError(t, store.Save(cfg))

	// No temp file remains after a successful save.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", reloaded.ID)
	assert.Equal(t, 9999, reloaded.Port)
}

func TestSaveSkipsWhenDisabled(t *testing.T) {
	path := writeTemp(t, "server.yaml", "id: original\n", 0o644)
	store := NewStore(path, Gate{PersistenceEnabled: false}, nil)

	cfg := &config.Config{ID: "changed"}
	cfg.ApplyDefaults()
	require.NoError(t, store.Save(cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "original")
}

func TestSaveRoundTripsComponents(t *testing.T) {
	path := writeTemp(t, "server.yaml", "port: 8080\n", 0o644)
	store := NewStore(path, Gate{PersistenceEnabled: true}, nil)

	cfg, err := config.Parse([]byte(`
sources:
  - id: s1
    kind: mock
queries:
  - id: q1
    query_text: "MATCH (p:Product) RETURN p.id AS id"
    sources: [s1]
reactions:
  - id: r1
    kind: log
    queries: [q1]
`))
	require.NoError(t, err)
	require.NoError(t, store.Save(cfg))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Sources, 1)
	require.Len(t, reloaded.Queries, 1)
	require.Len(t, reloaded.Reactions, 1)
	assert.Equal(t, cfg.Queries[0].QueryText, reloaded.Queries[0].QueryText)
	assert.Equal(t, []string{"q1"}, reloaded.Reactions[0].Queries)
}
