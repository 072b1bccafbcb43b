// Package health summarises server liveness and per-component status for the
// GET /health endpoint.
package health

import (
	"time"

	"github.com/ruokun-niu/drasi-server/types"
)

// Status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ComponentLister is the registry view the monitor reads. Satisfied by the
// engine.
type ComponentLister interface {
	ListSources() []types.ComponentStatus
	ListQueries() []types.ComponentStatus
	ListReactions() []types.ComponentStatus
}

// Report is the health endpoint payload.
type Report struct {
	Status    string                  `json:"status"`
	Timestamp string                  `json:"timestamp"`
	UptimeSec int64                   `json:"uptime_seconds"`
	Sources   []types.ComponentStatus `json:"sources,omitempty"`
	Queries   []types.ComponentStatus `json:"queries,omitempty"`
	Reactions []types.ComponentStatus `json:"reactions,omitempty"`
}

// Monitor builds health reports from the registry.
type Monitor struct {
	lister  ComponentLister
	started time.Time
}

// NewMonitor creates a monitor over the registry.
func NewMonitor(lister ComponentLister) *Monitor {
	return &Monitor{lister: lister, started: time.Now()}
}

// Report produces the current health summary. Any failed component degrades
// overall status; liveness itself stays truthful.
func (m *Monitor) Report() Report {
	r := Report{
		Status:    StatusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UptimeSec: int64(time.Since(m.started).Seconds()),
		Sources:   m.lister.ListSources(),
		Queries:   m.lister.ListQueries(),
		Reactions: m.lister.ListReactions(),
	}
	for _, set := range [][]types.ComponentStatus{r.Sources, r.Queries, r.Reactions} {
		for _, c := range set {
			if c.State == types.StateFailed {
				r.Status = StatusDegraded
			}
		}
	}
	return r
}
