// Package engine implements the component registry and lifecycle controller:
// it owns the declared model, drives every component through its state
// machine, coordinates auto-start ordering and reverse-order shutdown, and
// persists mutations through the configuration gate.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/metric"
	"github.com/ruokun-niu/drasi-server/persistence"
	"github.com/ruokun-niu/drasi-server/query"
	"github.com/ruokun-niu/drasi-server/types"
)

// DefaultStopTimeout bounds each component's graceful stop.
const DefaultStopTimeout = 10 * time.Second

// sourceReadyPollInterval paces the wait for a subscribed source to reach
// the running state before a query starts.
const sourceReadyPollInterval = 50 * time.Millisecond

type managedSource struct {
	cfg        config.SourceConfig
	instance   component.Source
	state      types.ComponentState
	lastErr    error
	startOrder int
}

type managedQuery struct {
	cfg        config.QueryConfig
	instance   *query.Query
	state      types.ComponentState
	lastErr    error
	startOrder int
}

type managedReaction struct {
	cfg        config.ReactionConfig
	instance   component.Reaction
	state      types.ComponentState
	lastErr    error
	startOrder int
}

// Options assembles an engine.
type Options struct {
	Config    *config.Config
	Factories *component.Registry
	Logger    *slog.Logger
	Metrics   *metric.MetricsRegistry
	// Persist is nil when no config file backs the registry; the gate then
	// permits mutations without persistence.
	Persist     *persistence.Store
	StopTimeout time.Duration
}

// Engine is the process-wide registry and lifecycle controller.
type Engine struct {
	mu        sync.RWMutex
	sources   map[string]*managedSource
	queries   map[string]*managedQuery
	reactions map[string]*managedReaction

	cfg       *config.SafeConfig
	factories *component.Registry
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry
	persist   *persistence.Store

	data          *channels.DataRouter
	bootstrapR    *channels.BootstrapRouter
	subscriptions *channels.SubscriptionRouter

	runCtx      context.Context
	runCancel   context.CancelFunc
	stopTimeout time.Duration
	startSeq    int
	started     bool
}

// New builds an engine from a validated configuration, instantiating every
// declared component in the stopped state. Factories do no I/O, so failures
// here are configuration errors.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		opts.Config = &config.Config{}
		opts.Config.ApplyDefaults()
	}
	if opts.Factories == nil {
		return nil, errors.WrapInvalid(errors.New("factory registry is required"), "Engine", "New", "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = DefaultStopTimeout
	}

	e := &Engine{
		sources:       make(map[string]*managedSource),
		queries:       make(map[string]*managedQuery),
		reactions:     make(map[string]*managedReaction),
		cfg:           config.NewSafeConfig(opts.Config),
		factories:     opts.Factories,
		logger:        logger,
		metrics:       opts.Metrics,
		persist:       opts.Persist,
		data:          channels.NewDataRouter(),
		bootstrapR:    channels.NewBootstrapRouter(),
		subscriptions: channels.NewSubscriptionRouter(),
		stopTimeout:   stopTimeout,
	}

	snapshot := e.cfg.Get()
	for _, sc := range snapshot.Sources {
		if err := e.registerSource(sc); err != nil {
			return nil, err
		}
	}
	for _, qc := range snapshot.Queries {
		if err := e.registerQuery(qc, snapshot); err != nil {
			return nil, err
		}
	}
	for _, rc := range snapshot.Reactions {
		if err := e.registerReaction(rc); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// deps builds the dependency set injected into component factories.
func (e *Engine) deps() component.Dependencies {
	return component.Dependencies{
		Logger:        e.logger,
		Metrics:       e.metrics,
		Data:          e.data,
		Bootstrap:     e.bootstrapR,
		Subscriptions: e.subscriptions,
		OnFailure:     e.onComponentFailure,
	}
}

func (e *Engine) registerSource(sc config.SourceConfig) error {
	instance, err := e.factories.CreateSource(sc.Kind, sc.ID, sc.Properties, e.deps())
	if err != nil {
		return err
	}
	e.sources[sc.ID] = &managedSource{cfg: sc, instance: instance, state: types.StateStopped}
	return nil
}

func (e *Engine) registerQuery(qc config.QueryConfig, snapshot *config.Config) error {
	instance, err := query.New(qc,
		snapshot.DefaultPriorityQueueCapacity,
		snapshot.DefaultDispatchBufferCapacity,
		e.deps())
	if err != nil {
		return err
	}
	e.queries[qc.ID] = &managedQuery{cfg: qc, instance: instance, state: types.StateStopped}
	return nil
}

func (e *Engine) registerReaction(rc config.ReactionConfig) error {
	props, err := mergeReactionPayload(rc)
	if err != nil {
		return err
	}
	instance, err := e.factories.CreateReaction(rc.Kind, rc.ID, props, e.deps())
	if err != nil {
		return err
	}
	e.reactions[rc.ID] = &managedReaction{cfg: rc, instance: instance, state: types.StateStopped}
	return nil
}

// mergeReactionPayload folds the typed subscription fields back into the
// connector payload, which is where reaction factories expect them.
func mergeReactionPayload(rc config.ReactionConfig) (json.RawMessage, error) {
	m := make(map[string]any)
	if len(rc.Properties) > 0 {
		if err := json.Unmarshal(rc.Properties, &m); err != nil {
			return nil, errors.WrapInvalid(err, "Engine", "mergeReactionPayload", rc.ID)
		}
	}
	m["queries"] = rc.Queries
	if rc.PriorityQueueCapacity > 0 {
		m["buffer_capacity"] = rc.PriorityQueueCapacity
	}
	return json.Marshal(m)
}

// Start auto-starts declared components: sources first, then queries, then
// reactions, each kind in configuration order. A component that fails to
// start is recorded failed; the rest of the boot proceeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	// Components outlive the caller's context: shutdown is driven by Stop in
	// reverse start order, not by ambient cancellation racing it.
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.started = true
	e.mu.Unlock()

	snapshot := e.cfg.Get()
	for _, sc := range snapshot.Sources {
		if !sc.AutoStartEnabled() {
			continue
		}
		if err := e.StartSource(ctx, sc.ID); err != nil {
			e.logger.Error("Source auto-start failed", "source", sc.ID, "error", err)
		}
	}
	for _, qc := range snapshot.Queries {
		if !qc.AutoStartEnabled() {
			continue
		}
		if err := e.StartQuery(ctx, qc.ID); err != nil {
			e.logger.Error("Query auto-start failed", "query", qc.ID, "error", err)
		}
	}
	for _, rc := range snapshot.Reactions {
		if !rc.AutoStartEnabled() {
			continue
		}
		if err := e.StartReaction(ctx, rc.ID); err != nil {
			e.logger.Error("Reaction auto-start failed", "reaction", rc.ID, "error", err)
		}
	}
	return nil
}

// Stop shuts components down in the reverse of start order: reactions, then
// queries, then sources.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.runCancel
	e.mu.Unlock()

	for _, id := range e.idsInReverseStartOrder(types.KindReaction) {
		if err := e.stopReactionInstance(id); err != nil {
			e.logger.Warn("Reaction stop failed", "reaction", id, "error", err)
		}
	}
	for _, id := range e.idsInReverseStartOrder(types.KindQuery) {
		if err := e.stopQueryInstance(id); err != nil {
			e.logger.Warn("Query stop failed", "query", id, "error", err)
		}
	}
	for _, id := range e.idsInReverseStartOrder(types.KindSource) {
		if err := e.stopSourceInstance(id); err != nil {
			e.logger.Warn("Source stop failed", "source", id, "error", err)
		}
	}
	cancel()
}

// idsInReverseStartOrder lists running components of one kind, most recently
// started first.
func (e *Engine) idsInReverseStartOrder(kind types.ComponentKind) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	type entry struct {
		id    string
		order int
	}
	var entries []entry
	switch kind {
	case types.KindSource:
		for id, m := range e.sources {
			if m.state == types.StateRunning || m.state == types.StateStarting {
				entries = append(entries, entry{id, m.startOrder})
			}
		}
	case types.KindQuery:
		for id, m := range e.queries {
			if m.state == types.StateRunning || m.state == types.StateStarting {
				entries = append(entries, entry{id, m.startOrder})
			}
		}
	case types.KindReaction:
		for id, m := range e.reactions {
			if m.state == types.StateRunning || m.state == types.StateStarting {
				entries = append(entries, entry{id, m.startOrder})
			}
		}
	}
	// Insertion sort by descending start order; component counts are small.
	for i := 1; i < len(entries); i++ {
		for k := i; k > 0 && entries[k].order > entries[k-1].order; k-- {
			entries[k], entries[k-1] = entries[k-1], entries[k]
		}
	}
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = en.id
	}
	return out
}

// onComponentFailure transitions a component to the failed state from a
// runtime error reported by its own task.
func (e *Engine) onComponentFailure(kind types.ComponentKind, id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case types.KindSource:
		if m, ok := e.sources[id]; ok {
			m.state = types.StateFailed
			m.lastErr = err
		}
	case types.KindQuery:
		if m, ok := e.queries[id]; ok {
			m.state = types.StateFailed
			m.lastErr = err
		}
	case types.KindReaction:
		if m, ok := e.reactions[id]; ok {
			m.state = types.StateFailed
			m.lastErr = err
		}
	}
	e.setStateMetric(kind, id, types.StateFailed)
	e.logger.Error("Component failed", "kind", kind, "id", id, "error", err)
}

func (e *Engine) setStateMetric(kind types.ComponentKind, id string, state types.ComponentState) {
	if e.metrics != nil {
		e.metrics.Core.ComponentState.WithLabelValues(string(kind), id).Set(float64(state))
	}
}

// checkMutable enforces the read-only gate on every mutating operation.
func (e *Engine) checkMutable(operation string) error {
	if e.persist != nil && e.persist.Gate().ReadOnly {
		return errors.WrapInvalid(errors.ErrReadOnly, "Engine", operation, "config file is not writable")
	}
	return nil
}

// saveConfig persists the current declarative model when the gate allows.
func (e *Engine) saveConfig() error {
	if e.persist == nil {
		return nil
	}
	return e.persist.Save(e.cfg.Get())
}

// runContext returns the context components run under, falling back to the
// caller's context before the engine has started.
func (e *Engine) runContext(ctx context.Context) context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return ctx
}

// resubscribeReactions re-issues reaction subscriptions to a query that has
// just started, on behalf of reactions that were running before it.
func (e *Engine) resubscribeReactions(ctx context.Context, queryID string) {
	e.mu.RLock()
	var ids []string
	for id, m := range e.reactions {
		if m.state != types.StateRunning {
			continue
		}
		for _, qid := range m.cfg.Queries {
			if qid == queryID {
				ids = append(ids, id)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, id := range ids {
		msg := channels.ControlMessage{
			Kind:         channels.ControlSubscribe,
			SubscriberID: id,
			TargetID:     queryID,
		}
		if err := e.subscriptions.SendAndWait(ctx, queryID, msg); err != nil {
			e.logger.Warn("Reaction resubscription failed",
				"reaction", id, "query", queryID, "error", err)
		}
	}
}

// waitSourceRunning blocks until the source reaches the running state, the
// source fails, or the context ends. Queries starting ahead of their sources
// hold in the starting state here.
func (e *Engine) waitSourceRunning(ctx context.Context, sourceID string) error {
	for {
		e.mu.RLock()
		m, ok := e.sources[sourceID]
		var state types.ComponentState
		if ok {
			state = m.state
		}
		e.mu.RUnlock()
		if !ok {
			return errors.WrapInvalid(errors.ErrNotFound, "Engine", "waitSourceRunning", sourceID)
		}
		switch state {
		case types.StateRunning:
			return nil
		case types.StateFailed:
			return errors.WrapFatal(errors.ErrComponentFailed, "Engine", "waitSourceRunning",
				fmt.Sprintf("source %s is failed", sourceID))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sourceReadyPollInterval):
		}
	}
}
