// Package profiler provides the profiling reaction: it measures the
// source-to-reaction latency of every delta, exposes it as a Prometheus
// histogram, and logs a periodic summary.
package profiler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the profiler reaction settings.
type Config struct {
	Queries []string `json:"queries"`
	// ReportIntervalSeconds is how often a summary line is logged. Default 60.
	ReportIntervalSeconds int `json:"report_interval_seconds,omitempty"`
	// BufferCapacity overrides the dispatch buffer size.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// Reaction profiles delta delivery latency.
type Reaction struct {
	*component.ReactionBase
	interval time.Duration

	latency *prometheus.HistogramVec

	mu       sync.Mutex
	count    uint64
	totalMS  int64
	maxMS    int64
	lastSeq  map[string]uint64
	stopTick context.CancelFunc
}

// Register adds the profiler reaction factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterReaction(&component.ReactionRegistration{
		Kind:        "profiler",
		Description: "Measures delta delivery latency",
		Factory:     New,
	})
}

// New creates a profiler reaction from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Reaction, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	interval := time.Duration(cfg.ReportIntervalSeconds) * time.Second
	if interval == 0 {
		interval = time.Minute
	}

	r := &Reaction{
		ReactionBase: component.NewReactionBase(id, "profiler", cfg.Queries, cfg.BufferCapacity, deps),
		interval:     interval,
		lastSeq:      make(map[string]uint64),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drasi_profiler_delta_latency_seconds",
			Help:    "Source-to-reaction latency per delta",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"query"}),
	}
	if deps.Metrics != nil {
		if err := deps.Metrics.Register(id, "delta_latency", r.latency); err != nil {
			return nil, err
		}
	}
	r.SetHandler(r)
	return r, nil
}

// Start launches the periodic summary alongside the delivery loop.
func (r *Reaction) Start(ctx context.Context) error {
	if err := r.ReactionBase.Start(ctx); err != nil {
		return err
	}
	tickCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stopTick = cancel
	r.mu.Unlock()
	go r.reportLoop(tickCtx)
	return nil
}

func (r *Reaction) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			count, total, maxMS := r.count, r.totalMS, r.maxMS
			r.count, r.totalMS, r.maxMS = 0, 0, 0
			r.mu.Unlock()
			if count == 0 {
				continue
			}
			r.Logger().Info("Latency summary",
				"deltas", count,
				"avg_ms", total/int64(count),
				"max_ms", maxMS,
			)
		}
	}
}

// HandleDelta records one delta's latency and checks sequence continuity.
func (r *Reaction) HandleDelta(_ context.Context, delta *types.ResultDelta) error {
	lagMS := time.Now().UnixMilli() - delta.SourceTimeMS
	if lagMS < 0 {
		lagMS = 0
	}
	r.latency.WithLabelValues(delta.QueryID).Observe(float64(lagMS) / 1000)

	r.mu.Lock()
	r.count++
	r.totalMS += lagMS
	if lagMS > r.maxMS {
		r.maxMS = lagMS
	}
	if last, ok := r.lastSeq[delta.QueryID]; ok && delta.Sequence != last+1 {
		r.Logger().Warn("Sequence gap observed",
			"query", delta.QueryID, "last", last, "next", delta.Sequence)
	}
	r.lastSeq[delta.QueryID] = delta.Sequence
	r.mu.Unlock()
	return nil
}

// Stop halts the summary ticker and tears down the delivery loop.
func (r *Reaction) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.stopTick != nil {
		r.stopTick()
		r.stopTick = nil
	}
	r.mu.Unlock()
	return r.ReactionBase.Stop(timeout)
}
