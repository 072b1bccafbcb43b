// Package metric provides the process-wide Prometheus metrics registry and
// the core runtime metrics shared by the routers, the query runtime and the
// connectors.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ruokun-niu/drasi-server/errors"
)

// MetricsRegistry manages the registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// CoreMetrics are the always-present runtime metrics.
type CoreMetrics struct {
	EventsPublished  *prometheus.CounterVec // by source id
	EventsDispatched *prometheus.CounterVec // by query id
	DeltasEmitted    *prometheus.CounterVec // by query id
	DeltasDelivered  *prometheus.CounterVec // by reaction id
	QueryResultSize  *prometheus.GaugeVec   // by query id
	BootstrapItems   *prometheus.CounterVec // by source id
	ComponentState   *prometheus.GaugeVec   // by kind, id; value is the state ordinal
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drasi_source_events_published_total",
			Help: "Change events published by each source",
		}, []string{"source"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drasi_query_events_dispatched_total",
			Help: "Change events delivered to each query",
		}, []string{"query"}),
		DeltasEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drasi_query_deltas_emitted_total",
			Help: "Result deltas emitted by each query",
		}, []string{"query"}),
		DeltasDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drasi_reaction_deltas_delivered_total",
			Help: "Result deltas delivered to each reaction",
		}, []string{"reaction"}),
		QueryResultSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drasi_query_result_rows",
			Help: "Current result multiset size per query",
		}, []string{"query"}),
		BootstrapItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drasi_bootstrap_elements_total",
			Help: "Elements streamed during bootstrap sessions per source",
		}, []string{"source"}),
		ComponentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drasi_component_state",
			Help: "Lifecycle state ordinal per component",
		}, []string{"kind", "id"}),
	}
}

// NewMetricsRegistry creates a new metrics registry with core runtime metrics
// and Go process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	reg := prometheus.NewRegistry()
	r := &MetricsRegistry{
		prometheusRegistry: reg,
		Core:               newCoreMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}
	reg.MustRegister(
		r.Core.EventsPublished,
		r.Core.EventsDispatched,
		r.Core.DeltasEmitted,
		r.Core.DeltasDelivered,
		r.Core.QueryResultSize,
		r.Core.BootstrapItems,
		r.Core.ComponentState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers a connector-specific collector under component.metric.
func (r *MetricsRegistry) Register(componentID, metricName string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentID, metricName)
	if _, exists := r.registered[key]; exists {
		return errors.WrapConflict(
			fmt.Errorf("metric %s already registered for %s", metricName, componentID),
			"MetricsRegistry", "Register", "duplicate metric")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapConflict(err, "MetricsRegistry", "Register",
				fmt.Sprintf("prometheus conflict for %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "prometheus registration")
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a previously registered collector.
func (r *MetricsRegistry) Unregister(componentID, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s.%s", componentID, metricName)
	c, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(c)
}
