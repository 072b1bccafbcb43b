package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/errors"
)

// stubKinds satisfies KindChecker for validation tests.
type stubKinds struct{}

func (stubKinds) HasSourceKind(kind string) bool {
	return kind == "mock" || kind == "postgres" || kind == "http"
}
func (stubKinds) HasReactionKind(kind string) bool {
	return kind == "log" || kind == "http" || kind == "sse"
}

const sampleYAML = `
id: test-server
host: 127.0.0.1
port: 9090
log_level: debug
sources:
  - id: s1
    kind: mock
  - id: pg
    kind: postgres
    host: db.internal
    user: drasi
    database: orders
    tables:
      - name: products
        key_column: id
        label: Product
queries:
  - id: q1
    query_text: "MATCH (p:Product) WHERE p.price > 50 RETURN p.id AS id"
    sources: [s1]
reactions:
  - id: r1
    kind: log
    queries: [q1]
    level: debug
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(stubKinds{}))

	assert.Equal(t, "test-server", cfg.ID)
	assert.Equal(t, 9090, cfg.Port)
	require.Len(t, cfg.Sources, 2)
	require.Len(t, cfg.Queries, 1)
	require.Len(t, cfg.Reactions, 1)

	// Connector settings stay flattened in the raw payload.
	var pgProps map[string]any
	require.NoError(t, json.Unmarshal(cfg.Sources[1].Properties, &pgProps))
	assert.Equal(t, "db.internal", pgProps["host"])
	assert.NotContains(t, pgProps, "id")
	assert.NotContains(t, pgProps, "kind")

	var logProps map[string]any
	require.NoError(t, json.Unmarshal(cfg.Reactions[0].Properties, &logProps))
	assert.Equal(t, "debug", logProps["level"])
	assert.NotContains(t, logProps, "queries")
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultPriorityQueueCapacity, cfg.DefaultPriorityQueueCapacity)
	assert.Equal(t, DefaultDispatchBufferCapacity, cfg.DefaultDispatchBufferCapacity)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("DRASI_PORT", "7070")
	t.Setenv("DRASI_HOST", "10.0.0.5")

	cfg, err := Parse([]byte("host: ${DRASI_HOST}\nport: ${DRASI_PORT}\n"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 7070, cfg.Port)
}

func TestEnvInterpolationDefault(t *testing.T) {
	cfg, err := Parse([]byte("id: ${DRASI_UNSET_NAME:-fallback}\n"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.ID)
}

func TestEnvInterpolationEmptyDefault(t *testing.T) {
	cfg, err := Parse([]byte("id: ${DRASI_UNSET_NAME:-}\n"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.ID)
}

func TestEnvInterpolationMissing(t *testing.T) {
	_, err := Parse([]byte("id: ${DRASI_DEFINITELY_UNSET}\n"))
	assert.ErrorIs(t, err, errors.ErrMissingEnvVar)
}

func TestEnvInterpolationBadType(t *testing.T) {
	t.Setenv("DRASI_PORT", "not-a-number")
	_, err := Parse([]byte("port: ${DRASI_PORT}\n"))
	assert.ErrorIs(t, err, errors.ErrBadType)
}

func TestEnvInterpolationInsideString(t *testing.T) {
	t.Setenv("DRASI_REGION", "west")
	cfg, err := Parse([]byte("id: server-${DRASI_REGION}-1\n"))
	require.NoError(t, err)
	assert.Equal(t, "server-west-1", cfg.ID)
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte(":\n  - ][\n"))
	assert.ErrorIs(t, err, errors.ErrConfigParse)
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"bad host", func(c *Config) { c.Host = "-bad host-" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"duplicate source id", func(c *Config) { c.Sources = append(c.Sources, SourceConfig{ID: "s1", Kind: "mock"}) }},
		{"unknown source kind", func(c *Config) { c.Sources[0].Kind = "kafka" }},
		{"duplicate query id", func(c *Config) { c.Queries = append(c.Queries, c.Queries[0]) }},
		{"empty query text", func(c *Config) { c.Queries[0].QueryText = "  " }},
		{"unknown query language", func(c *Config) { c.Queries[0].Language = "SQL" }},
		{"unresolvable source ref", func(c *Config) { c.Queries[0].Sources = []string{"ghost"} }},
		{"query without sources", func(c *Config) { c.Queries[0].Sources = nil }},
		{"zero bootstrap buffer", func(c *Config) { zero := 0; c.Queries[0].BootstrapBufferSize = &zero }},
		{"unknown reaction kind", func(c *Config) { c.Reactions[0].Kind = "kafka" }},
		{"unresolvable query ref", func(c *Config) { c.Reactions[0].Queries = []string{"ghost"} }},
		{"join with one key", func(c *Config) {
			c.Queries[0].Joins = []JoinSpec{{ID: "j", Keys: []JoinKey{{Label: "A", Property: "x"}}}}
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := base()
			test.mutate(cfg)
			err := cfg.Validate(stubKinds{})
			assert.ErrorIs(t, err, errors.ErrConfigValidate)
		})
	}
}

func TestValidHosts(t *testing.T) {
	for _, host := range []string{"0.0.0.0", "localhost", "*", "127.0.0.1", "::1", "example.com", "a-b.example.io"} {
		cfg := &Config{Host: host, Port: 8080, LogLevel: "info"}
		cfg.ApplyDefaults()
		assert.NoError(t, cfg.Validate(nil), host)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, cfg.ID, again.ID)
	assert.Equal(t, cfg.Port, again.Port)
	require.Len(t, again.Sources, len(cfg.Sources))

	var before, after map[string]any
	require.NoError(t, json.Unmarshal(cfg.Sources[1].Properties, &before))
	require.NoError(t, json.Unmarshal(again.Sources[1].Properties, &after))
	assert.Equal(t, before, after)

	assert.Equal(t, cfg.Queries[0].QueryText, again.Queries[0].QueryText)
	assert.Equal(t, cfg.Reactions[0].Queries, again.Reactions[0].Queries)
}

func TestSafeConfigMutateIsolation(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	sc := NewSafeConfig(cfg)

	snapshot := sc.Get()
	snapshot.ID = "mutated-copy"
	assert.Equal(t, "test-server", sc.Get().ID)

	require.NoError(t, sc.Mutate(func(c *Config) error {
		c.ID = "updated"
		return nil
	}))
	assert.Equal(t, "updated", sc.Get().ID)

	failed := sc.Mutate(func(c *Config) error {
		c.ID = "should-not-stick"
		return errors.New("boom")
	})
	assert.Error(t, failed)
	assert.Equal(t, "updated", sc.Get().ID)
}
