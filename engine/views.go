package engine

import (
	"sort"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// ListSources returns the status of every registered source, sorted by id.
func (e *Engine) ListSources() []types.ComponentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ComponentStatus, 0, len(e.sources))
	for id, m := range e.sources {
		out = append(out, sourceStatusLocked(id, m))
	}
	sortStatuses(out)
	return out
}

// ListQueries returns the status of every registered query, sorted by id.
func (e *Engine) ListQueries() []types.ComponentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ComponentStatus, 0, len(e.queries))
	for id, m := range e.queries {
		out = append(out, queryStatusLocked(id, m))
	}
	sortStatuses(out)
	return out
}

// ListReactions returns the status of every registered reaction, sorted by id.
func (e *Engine) ListReactions() []types.ComponentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.ComponentStatus, 0, len(e.reactions))
	for id, m := range e.reactions {
		out = append(out, reactionStatusLocked(id, m))
	}
	sortStatuses(out)
	return out
}

// GetSource returns one source's status.
func (e *Engine) GetSource(id string) (types.ComponentStatus, error) {
	return e.sourceStatus(id)
}

// GetQuery returns one query's status.
func (e *Engine) GetQuery(id string) (types.ComponentStatus, error) {
	return e.queryStatus(id)
}

// GetReaction returns one reaction's status.
func (e *Engine) GetReaction(id string) (types.ComponentStatus, error) {
	return e.reactionStatus(id)
}

// Config returns a deep copy of the current declarative model.
func (e *Engine) Config() *config.Config { return e.cfg.Get() }

// SourceInstance exposes the live connector instance, letting embedding
// applications drive programmatic sources.
func (e *Engine) SourceInstance(id string) (component.Source, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.sources[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Engine", "SourceInstance", id)
	}
	return m.instance, nil
}

// ReactionInstance exposes the live connector instance, letting embedding
// applications consume programmatic reactions.
func (e *Engine) ReactionInstance(id string) (component.Reaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.reactions[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Engine", "ReactionInstance", id)
	}
	return m.instance, nil
}

func (e *Engine) sourceStatus(id string) (types.ComponentStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.sources[id]
	if !ok {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrNotFound, "Engine", "GetSource", id)
	}
	return sourceStatusLocked(id, m), nil
}

func (e *Engine) queryStatus(id string) (types.ComponentStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.queries[id]
	if !ok {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrNotFound, "Engine", "GetQuery", id)
	}
	return queryStatusLocked(id, m), nil
}

func (e *Engine) reactionStatus(id string) (types.ComponentStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.reactions[id]
	if !ok {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrNotFound, "Engine", "GetReaction", id)
	}
	return reactionStatusLocked(id, m), nil
}

func sourceStatusLocked(id string, m *managedSource) types.ComponentStatus {
	return types.ComponentStatus{
		ID:        id,
		Kind:      types.KindSource,
		TypeName:  m.cfg.Kind,
		State:     m.state,
		AutoStart: m.cfg.AutoStartEnabled(),
		LastError: errString(m.lastErr),
	}
}

func queryStatusLocked(id string, m *managedQuery) types.ComponentStatus {
	return types.ComponentStatus{
		ID:        id,
		Kind:      types.KindQuery,
		TypeName:  "continuous",
		State:     m.state,
		AutoStart: m.cfg.AutoStartEnabled(),
		LastError: errString(m.lastErr),
	}
}

func reactionStatusLocked(id string, m *managedReaction) types.ComponentStatus {
	return types.ComponentStatus{
		ID:        id,
		Kind:      types.KindReaction,
		TypeName:  m.cfg.Kind,
		State:     m.state,
		AutoStart: m.cfg.AutoStartEnabled(),
		LastError: errString(m.lastErr),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sortStatuses(statuses []types.ComponentStatus) {
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
}
