package component

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ruokun-niu/drasi-server/errors"
)

// SourceFactory creates a source instance from its raw kind-specific config.
// Factories parse and validate their own config; no I/O happens until Start.
type SourceFactory func(id string, rawConfig json.RawMessage, deps Dependencies) (Source, error)

// ReactionFactory creates a reaction instance from its raw kind-specific config.
type ReactionFactory func(id string, rawConfig json.RawMessage, deps Dependencies) (Reaction, error)

// SourceRegistration holds a source factory and its metadata.
type SourceRegistration struct {
	Kind        string
	Description string
	Factory     SourceFactory
}

// ReactionRegistration holds a reaction factory and its metadata.
type ReactionRegistration struct {
	Kind        string
	Description string
	Factory     ReactionFactory
}

// Registry maps kind tags to connector factories. Unknown kinds are rejected
// at configuration parse time, before any component starts.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]*SourceRegistration
	reactions map[string]*ReactionRegistration
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[string]*SourceRegistration),
		reactions: make(map[string]*ReactionRegistration),
	}
}

// RegisterSource registers a source factory under its kind tag.
func (r *Registry) RegisterSource(reg *SourceRegistration) error {
	if reg == nil || reg.Kind == "" || reg.Factory == nil {
		return errors.WrapInvalid(errors.New("kind and factory are required"),
			"Registry", "RegisterSource", "registration validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[reg.Kind]; exists {
		return errors.WrapConflict(
			fmt.Errorf("source kind %q already registered", reg.Kind),
			"Registry", "RegisterSource", "duplicate kind")
	}
	r.sources[reg.Kind] = reg
	return nil
}

// RegisterReaction registers a reaction factory under its kind tag.
func (r *Registry) RegisterReaction(reg *ReactionRegistration) error {
	if reg == nil || reg.Kind == "" || reg.Factory == nil {
		return errors.WrapInvalid(errors.New("kind and factory are required"),
			"Registry", "RegisterReaction", "registration validation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reactions[reg.Kind]; exists {
		return errors.WrapConflict(
			fmt.Errorf("reaction kind %q already registered", reg.Kind),
			"Registry", "RegisterReaction", "duplicate kind")
	}
	r.reactions[reg.Kind] = reg
	return nil
}

// HasSourceKind reports whether a source kind tag is known.
func (r *Registry) HasSourceKind(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[kind]
	return ok
}

// HasReactionKind reports whether a reaction kind tag is known.
func (r *Registry) HasReactionKind(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reactions[kind]
	return ok
}

// CreateSource instantiates a source through its kind's factory.
func (r *Registry) CreateSource(kind, id string, rawConfig json.RawMessage, deps Dependencies) (Source, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	reg, ok := r.sources[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown source kind %q", kind),
			"Registry", "CreateSource", "factory lookup")
	}
	return reg.Factory(id, rawConfig, deps)
}

// CreateReaction instantiates a reaction through its kind's factory.
func (r *Registry) CreateReaction(kind, id string, rawConfig json.RawMessage, deps Dependencies) (Reaction, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	reg, ok := r.reactions[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown reaction kind %q", kind),
			"Registry", "CreateReaction", "factory lookup")
	}
	return reg.Factory(id, rawConfig, deps)
}

// SourceKinds lists registered source kind tags.
func (r *Registry) SourceKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	return out
}

// ReactionKinds lists registered reaction kind tags.
func (r *Registry) ReactionKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.reactions))
	for k := range r.reactions {
		out = append(out, k)
	}
	return out
}
