package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/metric"
)

// Builder assembles an engine programmatically for embedding applications:
// declare components fluently, then Build and Start. The resulting engine
// has no persistence gate; mutations live in memory only.
type Builder struct {
	cfg       config.Config
	factories *component.Registry
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
	err       error
}

// NewBuilder creates an empty builder backed by the given factory registry.
func NewBuilder(factories *component.Registry) *Builder {
	return &Builder{factories: factories}
}

// WithLogger sets the logger components inherit.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetrics sets the metrics registry.
func (b *Builder) WithMetrics(metrics *metric.MetricsRegistry) *Builder {
	b.metrics = metrics
	return b
}

// WithSource declares a source. The properties value is marshalled as the
// connector payload.
func (b *Builder) WithSource(id, kind string, properties any) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := marshalProperties(properties)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg.Sources = append(b.cfg.Sources, config.SourceConfig{
		ID: id, Kind: kind, Properties: raw,
	})
	return b
}

// WithQuery declares a continuous query over the given sources.
func (b *Builder) WithQuery(id, queryText string, sources ...string) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.Queries = append(b.cfg.Queries, config.QueryConfig{
		ID: id, QueryText: queryText, Language: config.LanguageCypher, Sources: sources,
	})
	return b
}

// WithQueryConfig declares a query with full control over its settings.
func (b *Builder) WithQueryConfig(qc config.QueryConfig) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.Queries = append(b.cfg.Queries, qc)
	return b
}

// WithReaction declares a reaction over the given queries.
func (b *Builder) WithReaction(id, kind string, properties any, queries ...string) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := marshalProperties(properties)
	if err != nil {
		b.err = err
		return b
	}
	b.cfg.Reactions = append(b.cfg.Reactions, config.ReactionConfig{
		ID: id, Kind: kind, Queries: queries, Properties: raw,
	})
	return b
}

// Build validates the assembled model and constructs the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.cfg.ApplyDefaults()
	if err := b.cfg.Validate(b.factories); err != nil {
		return nil, err
	}
	return New(Options{
		Config:    &b.cfg,
		Factories: b.factories,
		Logger:    b.logger,
		Metrics:   b.metrics,
	})
}

func marshalProperties(properties any) (json.RawMessage, error) {
	if properties == nil {
		return nil, nil
	}
	if raw, ok := properties.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(properties)
}
