package engine

import (
	"context"
	"fmt"

	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// CreateSource validates, registers and persists a new source in the stopped
// state.
func (e *Engine) CreateSource(sc config.SourceConfig) (types.ComponentStatus, error) {
	if err := e.checkMutable("CreateSource"); err != nil {
		return types.ComponentStatus{}, err
	}
	if sc.ID == "" || sc.Kind == "" {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateSource", "id and kind are required")
	}
	if !e.factories.HasSourceKind(sc.Kind) {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateSource", fmt.Sprintf("unknown source kind %q", sc.Kind))
	}

	e.mu.Lock()
	if _, exists := e.sources[sc.ID]; exists {
		e.mu.Unlock()
		return types.ComponentStatus{}, errors.WrapConflict(errors.ErrAlreadyExists,
			"Engine", "CreateSource", sc.ID)
	}
	if err := e.registerSource(sc); err != nil {
		e.mu.Unlock()
		return types.ComponentStatus{}, err
	}
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Sources = append(c.Sources, sc)
		return nil
	}); err != nil {
		return types.ComponentStatus{}, err
	}
	if err := e.saveConfig(); err != nil {
		return types.ComponentStatus{}, err
	}
	return e.sourceStatus(sc.ID)
}

// DeleteSource stops and removes a source. Fails with HasDependents while
// any query subscribes to it.
func (e *Engine) DeleteSource(id string) error {
	if err := e.checkMutable("DeleteSource"); err != nil {
		return err
	}

	e.mu.RLock()
	_, exists := e.sources[id]
	var dependent string
	for qid, m := range e.queries {
		for _, sid := range m.cfg.Sources {
			if sid == id {
				dependent = qid
				break
			}
		}
	}
	e.mu.RUnlock()

	if !exists {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "DeleteSource", id)
	}
	if dependent != "" {
		return errors.WrapConflict(errors.ErrHasDependents, "Engine", "DeleteSource",
			fmt.Sprintf("query %s subscribes to source %s", dependent, id))
	}

	if err := e.stopSourceInstance(id); err != nil {
		e.logger.Warn("Source stop during delete failed", "source", id, "error", err)
	}

	e.mu.Lock()
	delete(e.sources, id)
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Sources = removeByID(c.Sources, func(s config.SourceConfig) string { return s.ID }, id)
		return nil
	}); err != nil {
		return err
	}
	return e.saveConfig()
}

// StartSource drives a source to the running state. Idempotent when already
// running.
func (e *Engine) StartSource(ctx context.Context, id string) error {
	if err := e.checkMutable("StartSource"); err != nil {
		return err
	}

	e.mu.Lock()
	m, ok := e.sources[id]
	if !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StartSource", id)
	}
	switch m.state {
	case types.StateRunning:
		e.mu.Unlock()
		return nil
	case types.StateStarting, types.StateStopping:
		e.mu.Unlock()
		return errors.WrapConflict(fmt.Errorf("source %s is %s", id, m.state),
			"Engine", "StartSource", "transition in progress")
	}
	m.state = types.StateStarting
	m.lastErr = nil
	e.startSeq++
	m.startOrder = e.startSeq
	instance := m.instance
	e.mu.Unlock()
	e.setStateMetric(types.KindSource, id, types.StateStarting)

	err := instance.Start(e.runContext(ctx))

	e.mu.Lock()
	if err != nil {
		m.state = types.StateFailed
		m.lastErr = err
	} else if m.state == types.StateStarting {
		m.state = types.StateRunning
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindSource, id, state)

	if err != nil {
		return errors.WrapFatal(errors.ErrComponentFailed, "Engine", "StartSource", err.Error())
	}
	e.logger.Info("Source running", "source", id)
	return nil
}

// StopSource drives a source to the stopped state. Idempotent when already
// stopped.
func (e *Engine) StopSource(id string) error {
	if err := e.checkMutable("StopSource"); err != nil {
		return err
	}
	e.mu.RLock()
	_, ok := e.sources[id]
	e.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StopSource", id)
	}
	return e.stopSourceInstance(id)
}

func (e *Engine) stopSourceInstance(id string) error {
	e.mu.Lock()
	m, ok := e.sources[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if m.state == types.StateStopped {
		e.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = types.StateStopping
	instance := m.instance
	e.mu.Unlock()
	e.setStateMetric(types.KindSource, id, types.StateStopping)

	err := instance.Stop(e.stopTimeout)

	e.mu.Lock()
	if err != nil && prev == types.StateRunning {
		m.state = types.StateFailed
		m.lastErr = err
	} else {
		m.state = types.StateStopped
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindSource, id, state)
	return err
}

// CreateQuery validates, compiles, registers and persists a new query in the
// stopped state.
func (e *Engine) CreateQuery(qc config.QueryConfig) (types.ComponentStatus, error) {
	if err := e.checkMutable("CreateQuery"); err != nil {
		return types.ComponentStatus{}, err
	}
	if qc.ID == "" {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateQuery", "id is required")
	}
	if qc.Language == "" {
		qc.Language = config.LanguageCypher
	}

	snapshot := e.cfg.Get()
	e.mu.Lock()
	if _, exists := e.queries[qc.ID]; exists {
		e.mu.Unlock()
		return types.ComponentStatus{}, errors.WrapConflict(errors.ErrAlreadyExists,
			"Engine", "CreateQuery", qc.ID)
	}
	if len(qc.Sources) == 0 {
		e.mu.Unlock()
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateQuery", "query subscribes to no sources")
	}
	for _, sid := range qc.Sources {
		if _, ok := e.sources[sid]; !ok {
			e.mu.Unlock()
			return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
				"Engine", "CreateQuery", fmt.Sprintf("unknown source %q", sid))
		}
	}
	if err := e.registerQuery(qc, snapshot); err != nil {
		e.mu.Unlock()
		return types.ComponentStatus{}, err
	}
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Queries = append(c.Queries, qc)
		return nil
	}); err != nil {
		return types.ComponentStatus{}, err
	}
	if err := e.saveConfig(); err != nil {
		return types.ComponentStatus{}, err
	}
	return e.queryStatus(qc.ID)
}

// DeleteQuery stops and removes a query. Fails with HasDependents while any
// reaction subscribes to it.
func (e *Engine) DeleteQuery(id string) error {
	if err := e.checkMutable("DeleteQuery"); err != nil {
		return err
	}

	e.mu.RLock()
	_, exists := e.queries[id]
	var dependent string
	for rid, m := range e.reactions {
		for _, qid := range m.cfg.Queries {
			if qid == id {
				dependent = rid
				break
			}
		}
	}
	e.mu.RUnlock()

	if !exists {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "DeleteQuery", id)
	}
	if dependent != "" {
		return errors.WrapConflict(errors.ErrHasDependents, "Engine", "DeleteQuery",
			fmt.Sprintf("reaction %s subscribes to query %s", dependent, id))
	}

	if err := e.stopQueryInstance(id); err != nil {
		e.logger.Warn("Query stop during delete failed", "query", id, "error", err)
	}

	e.mu.Lock()
	delete(e.queries, id)
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Queries = removeByID(c.Queries, func(q config.QueryConfig) string { return q.ID }, id)
		return nil
	}); err != nil {
		return err
	}
	return e.saveConfig()
}

// StartQuery drives a query to the running state, waiting for each of its
// sources to be running first, then re-wiring already-running reactions.
func (e *Engine) StartQuery(ctx context.Context, id string) error {
	if err := e.checkMutable("StartQuery"); err != nil {
		return err
	}

	e.mu.Lock()
	m, ok := e.queries[id]
	if !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StartQuery", id)
	}
	switch m.state {
	case types.StateRunning:
		e.mu.Unlock()
		return nil
	case types.StateStarting, types.StateStopping:
		e.mu.Unlock()
		return errors.WrapConflict(fmt.Errorf("query %s is %s", id, m.state),
			"Engine", "StartQuery", "transition in progress")
	}
	m.state = types.StateStarting
	m.lastErr = nil
	e.startSeq++
	m.startOrder = e.startSeq
	instance := m.instance
	sources := append([]string(nil), m.cfg.Sources...)
	e.mu.Unlock()
	e.setStateMetric(types.KindQuery, id, types.StateStarting)

	runCtx := e.runContext(ctx)
	var err error
	for _, sid := range sources {
		if err = e.waitSourceRunning(ctx, sid); err != nil {
			break
		}
	}
	if err == nil {
		err = instance.Start(runCtx)
	}

	e.mu.Lock()
	if err != nil {
		m.state = types.StateFailed
		m.lastErr = err
	} else if m.state == types.StateStarting {
		m.state = types.StateRunning
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindQuery, id, state)

	if err != nil {
		return errors.WrapFatal(errors.ErrComponentFailed, "Engine", "StartQuery", err.Error())
	}
	e.resubscribeReactions(runCtx, id)
	e.logger.Info("Query running", "query", id)
	return nil
}

// StopQuery drives a query to the stopped state. Idempotent when already
// stopped.
func (e *Engine) StopQuery(id string) error {
	if err := e.checkMutable("StopQuery"); err != nil {
		return err
	}
	e.mu.RLock()
	_, ok := e.queries[id]
	e.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StopQuery", id)
	}
	return e.stopQueryInstance(id)
}

func (e *Engine) stopQueryInstance(id string) error {
	e.mu.Lock()
	m, ok := e.queries[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if m.state == types.StateStopped {
		e.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = types.StateStopping
	instance := m.instance
	e.mu.Unlock()
	e.setStateMetric(types.KindQuery, id, types.StateStopping)

	err := instance.Stop(e.stopTimeout)

	e.mu.Lock()
	if err != nil && prev == types.StateRunning {
		m.state = types.StateFailed
		m.lastErr = err
	} else {
		m.state = types.StateStopped
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindQuery, id, state)
	return err
}

// CreateReaction validates, registers and persists a new reaction in the
// stopped state.
func (e *Engine) CreateReaction(rc config.ReactionConfig) (types.ComponentStatus, error) {
	if err := e.checkMutable("CreateReaction"); err != nil {
		return types.ComponentStatus{}, err
	}
	if rc.ID == "" || rc.Kind == "" {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateReaction", "id and kind are required")
	}
	if !e.factories.HasReactionKind(rc.Kind) {
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateReaction", fmt.Sprintf("unknown reaction kind %q", rc.Kind))
	}

	e.mu.Lock()
	if _, exists := e.reactions[rc.ID]; exists {
		e.mu.Unlock()
		return types.ComponentStatus{}, errors.WrapConflict(errors.ErrAlreadyExists,
			"Engine", "CreateReaction", rc.ID)
	}
	if len(rc.Queries) == 0 {
		e.mu.Unlock()
		return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
			"Engine", "CreateReaction", "reaction subscribes to no queries")
	}
	for _, qid := range rc.Queries {
		if _, ok := e.queries[qid]; !ok {
			e.mu.Unlock()
			return types.ComponentStatus{}, errors.WrapInvalid(errors.ErrConfigValidate,
				"Engine", "CreateReaction", fmt.Sprintf("unknown query %q", qid))
		}
	}
	if err := e.registerReaction(rc); err != nil {
		e.mu.Unlock()
		return types.ComponentStatus{}, err
	}
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Reactions = append(c.Reactions, rc)
		return nil
	}); err != nil {
		return types.ComponentStatus{}, err
	}
	if err := e.saveConfig(); err != nil {
		return types.ComponentStatus{}, err
	}
	return e.reactionStatus(rc.ID)
}

// DeleteReaction stops and removes a reaction. Reactions are sinks, so no
// dependent check applies.
func (e *Engine) DeleteReaction(id string) error {
	if err := e.checkMutable("DeleteReaction"); err != nil {
		return err
	}
	e.mu.RLock()
	_, exists := e.reactions[id]
	e.mu.RUnlock()
	if !exists {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "DeleteReaction", id)
	}

	if err := e.stopReactionInstance(id); err != nil {
		e.logger.Warn("Reaction stop during delete failed", "reaction", id, "error", err)
	}

	e.mu.Lock()
	delete(e.reactions, id)
	e.mu.Unlock()

	if err := e.cfg.Mutate(func(c *config.Config) error {
		c.Reactions = removeByID(c.Reactions, func(r config.ReactionConfig) string { return r.ID }, id)
		return nil
	}); err != nil {
		return err
	}
	return e.saveConfig()
}

// StartReaction drives a reaction to the running state. Idempotent when
// already running. A reaction may start before its queries; it receives no
// data until they emit.
func (e *Engine) StartReaction(ctx context.Context, id string) error {
	if err := e.checkMutable("StartReaction"); err != nil {
		return err
	}

	e.mu.Lock()
	m, ok := e.reactions[id]
	if !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StartReaction", id)
	}
	switch m.state {
	case types.StateRunning:
		e.mu.Unlock()
		return nil
	case types.StateStarting, types.StateStopping:
		e.mu.Unlock()
		return errors.WrapConflict(fmt.Errorf("reaction %s is %s", id, m.state),
			"Engine", "StartReaction", "transition in progress")
	}
	m.state = types.StateStarting
	m.lastErr = nil
	e.startSeq++
	m.startOrder = e.startSeq
	instance := m.instance
	e.mu.Unlock()
	e.setStateMetric(types.KindReaction, id, types.StateStarting)

	err := instance.Start(e.runContext(ctx))

	e.mu.Lock()
	if err != nil {
		m.state = types.StateFailed
		m.lastErr = err
	} else if m.state == types.StateStarting {
		m.state = types.StateRunning
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindReaction, id, state)

	if err != nil {
		return errors.WrapFatal(errors.ErrComponentFailed, "Engine", "StartReaction", err.Error())
	}
	e.logger.Info("Reaction running", "reaction", id)
	return nil
}

// StopReaction drives a reaction to the stopped state. Idempotent when
// already stopped.
func (e *Engine) StopReaction(id string) error {
	if err := e.checkMutable("StopReaction"); err != nil {
		return err
	}
	e.mu.RLock()
	_, ok := e.reactions[id]
	e.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "Engine", "StopReaction", id)
	}
	return e.stopReactionInstance(id)
}

func (e *Engine) stopReactionInstance(id string) error {
	e.mu.Lock()
	m, ok := e.reactions[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if m.state == types.StateStopped {
		e.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = types.StateStopping
	instance := m.instance
	e.mu.Unlock()
	e.setStateMetric(types.KindReaction, id, types.StateStopping)

	err := instance.Stop(e.stopTimeout)

	e.mu.Lock()
	if err != nil && prev == types.StateRunning {
		m.state = types.StateFailed
		m.lastErr = err
	} else {
		m.state = types.StateStopped
	}
	state := m.state
	e.mu.Unlock()
	e.setStateMetric(types.KindReaction, id, state)
	return err
}

// QueryResults returns a snapshot of a query's current result multiset.
func (e *Engine) QueryResults(id string) ([]types.Row, error) {
	e.mu.RLock()
	m, ok := e.queries[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Engine", "QueryResults", id)
	}
	return m.instance.Results(), nil
}

// removeByID filters one entry out of a config slice.
func removeByID[T any](items []T, idOf func(T) string, id string) []T {
	out := items[:0]
	for _, item := range items {
		if idOf(item) != id {
			out = append(out, item)
		}
	}
	return out
}
