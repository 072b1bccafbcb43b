// Package config defines the declarative configuration model for
// drasi-server: server settings plus the declared sources, queries and
// reactions, with environment-variable interpolation and full validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/ruokun-niu/drasi-server/errors"
)

// Defaults applied where the file is silent.
const (
	DefaultHost                    = "0.0.0.0"
	DefaultPort                    = 8080
	DefaultLogLevel                = "info"
	DefaultPriorityQueueCapacity   = 10000
	DefaultDispatchBufferCapacity  = 1000
	DefaultBootstrapBufferSize     = 10000
)

// QueryLanguage selects the query dialect.
type QueryLanguage string

// Supported query languages.
const (
	LanguageCypher QueryLanguage = "Cypher"
	LanguageGQL    QueryLanguage = "GQL"
)

// Config is the complete declarative model, the unit of persistence.
type Config struct {
	ID                            string           `yaml:"id,omitempty" json:"id,omitempty"`
	Host                          string           `yaml:"host,omitempty" json:"host,omitempty"`
	Port                          int              `yaml:"port,omitempty" json:"port,omitempty"`
	LogLevel                      string           `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	DisablePersistence            bool             `yaml:"disable_persistence,omitempty" json:"disable_persistence,omitempty"`
	DefaultPriorityQueueCapacity  int              `yaml:"default_priority_queue_capacity,omitempty" json:"default_priority_queue_capacity,omitempty"`
	DefaultDispatchBufferCapacity int              `yaml:"default_dispatch_buffer_capacity,omitempty" json:"default_dispatch_buffer_capacity,omitempty"`
	Sources                       []SourceConfig   `yaml:"sources,omitempty" json:"sources,omitempty"`
	Queries                       []QueryConfig    `yaml:"queries,omitempty" json:"queries,omitempty"`
	Reactions                     []ReactionConfig `yaml:"reactions,omitempty" json:"reactions,omitempty"`
}

// SourceConfig declares one source. Kind-specific settings are flattened at
// the component level and kept raw for the connector factory.
type SourceConfig struct {
	ID        string `yaml:"id" json:"id"`
	Kind      string `yaml:"kind" json:"kind"`
	AutoStart *bool  `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	// Properties carries the kind-specific settings flattened at the
	// component level, including the optional bootstrap provider override.
	Properties json.RawMessage `yaml:"-" json:"properties,omitempty"`
}

// JoinKey names one side of a synthetic join: nodes with the label joined by
// equality on the property.
type JoinKey struct {
	Label    string `yaml:"label" json:"label"`
	Property string `yaml:"property" json:"property"`
}

// JoinSpec declares a synthetic join usable as a relation type in patterns.
type JoinSpec struct {
	ID   string    `yaml:"id" json:"id"`
	Keys []JoinKey `yaml:"keys" json:"keys"`
}

// QueryConfig declares one continuous query.
type QueryConfig struct {
	ID                    string        `yaml:"id" json:"id"`
	QueryText             string        `yaml:"query_text" json:"query_text"`
	Language              QueryLanguage `yaml:"query_language,omitempty" json:"query_language,omitempty"`
	Sources               []string      `yaml:"sources" json:"sources"`
	Joins                 []JoinSpec    `yaml:"joins,omitempty" json:"joins,omitempty"`
	AutoStart             *bool         `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	EnableBootstrap       *bool         `yaml:"enable_bootstrap,omitempty" json:"enable_bootstrap,omitempty"`
	BootstrapBufferSize   *int          `yaml:"bootstrap_buffer_size,omitempty" json:"bootstrap_buffer_size,omitempty"`
	PriorityQueueCapacity int           `yaml:"priority_queue_capacity,omitempty" json:"priority_queue_capacity,omitempty"`
}

// ReactionConfig declares one reaction.
type ReactionConfig struct {
	ID                    string          `yaml:"id" json:"id"`
	Kind                  string          `yaml:"kind" json:"kind"`
	AutoStart             *bool           `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	Queries               []string        `yaml:"queries" json:"queries"`
	PriorityQueueCapacity int             `yaml:"priority_queue_capacity,omitempty" json:"priority_queue_capacity,omitempty"`
	Properties            json.RawMessage `yaml:"-" json:"properties,omitempty"`
}

// boolOrDefault resolves an optional boolean with its default.
func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// AutoStartEnabled resolves the auto_start default (true).
func (c *SourceConfig) AutoStartEnabled() bool { return boolOrDefault(c.AutoStart, true) }

// AutoStartEnabled resolves the auto_start default (true).
func (c *QueryConfig) AutoStartEnabled() bool { return boolOrDefault(c.AutoStart, true) }

// BootstrapEnabled resolves the enable_bootstrap default (true).
func (c *QueryConfig) BootstrapEnabled() bool { return boolOrDefault(c.EnableBootstrap, true) }

// EffectiveBootstrapBufferSize resolves the bootstrap buffer default.
func (c *QueryConfig) EffectiveBootstrapBufferSize() int {
	if c.BootstrapBufferSize == nil {
		return DefaultBootstrapBufferSize
	}
	return *c.BootstrapBufferSize
}

// AutoStartEnabled resolves the auto_start default (true).
func (c *ReactionConfig) AutoStartEnabled() bool { return boolOrDefault(c.AutoStart, true) }

// ApplyDefaults fills the server-level defaults in place.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DefaultPriorityQueueCapacity == 0 {
		c.DefaultPriorityQueueCapacity = DefaultPriorityQueueCapacity
	}
	if c.DefaultDispatchBufferCapacity == 0 {
		c.DefaultDispatchBufferCapacity = DefaultDispatchBufferCapacity
	}
	for i := range c.Queries {
		if c.Queries[i].Language == "" {
			c.Queries[i].Language = LanguageCypher
		}
	}
}

// KindChecker reports whether a connector kind tag is known. Satisfied by the
// component factory registry.
type KindChecker interface {
	HasSourceKind(kind string) bool
	HasReactionKind(kind string) bool
}

// Validate checks the entire declared model: unique ids per kind, known kind
// tags, valid host and port, resolvable subscriptions, non-empty query text
// and positive buffer sizes.
func (c *Config) Validate(kinds KindChecker) error {
	if c.Port < 1 || c.Port > 65535 {
		return validateErr("invalid port %d: port must be between 1 and 65535", c.Port)
	}
	if !isValidHost(c.Host) {
		return validateErr("invalid host %q: must be a valid hostname or IP address", c.Host)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return validateErr("invalid log level %q: must be one of trace, debug, info, warn, error", c.LogLevel)
	}
	if c.DefaultPriorityQueueCapacity < 1 {
		return validateErr("default_priority_queue_capacity must be positive")
	}
	if c.DefaultDispatchBufferCapacity < 1 {
		return validateErr("default_dispatch_buffer_capacity must be positive")
	}

	sourceIDs := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			return validateErr("source at index %d has no id", i)
		}
		if _, dup := sourceIDs[s.ID]; dup {
			return validateErr("duplicate source id %q", s.ID)
		}
		sourceIDs[s.ID] = struct{}{}
		if s.Kind == "" {
			return validateErr("source %q has no kind", s.ID)
		}
		if kinds != nil && !kinds.HasSourceKind(s.Kind) {
			return validateErr("source %q has unknown kind %q", s.ID, s.Kind)
		}
	}

	queryIDs := make(map[string]struct{}, len(c.Queries))
	for i := range c.Queries {
		q := &c.Queries[i]
		if q.ID == "" {
			return validateErr("query at index %d has no id", i)
		}
		if _, dup := queryIDs[q.ID]; dup {
			return validateErr("duplicate query id %q", q.ID)
		}
		queryIDs[q.ID] = struct{}{}
		if strings.TrimSpace(q.QueryText) == "" {
			return validateErr("query %q has empty query_text", q.ID)
		}
		switch q.Language {
		case "", LanguageCypher, LanguageGQL:
		default:
			return validateErr("query %q has unknown query_language %q", q.ID, q.Language)
		}
		if len(q.Sources) == 0 {
			return validateErr("query %q subscribes to no sources", q.ID)
		}
		for _, sid := range q.Sources {
			if _, ok := sourceIDs[sid]; !ok {
				return validateErr("query %q references unknown source %q", q.ID, sid)
			}
		}
		if q.BootstrapBufferSize != nil && *q.BootstrapBufferSize < 1 {
			return validateErr("query %q has invalid bootstrap_buffer_size %d: must be positive",
				q.ID, *q.BootstrapBufferSize)
		}
		if q.PriorityQueueCapacity < 0 {
			return validateErr("query %q has negative priority_queue_capacity", q.ID)
		}
		for _, j := range q.Joins {
			if j.ID == "" {
				return validateErr("query %q has a join with no id", q.ID)
			}
			if len(j.Keys) < 2 {
				return validateErr("query %q join %q needs at least two keys", q.ID, j.ID)
			}
			for _, k := range j.Keys {
				if k.Label == "" || k.Property == "" {
					return validateErr("query %q join %q has a key missing label or property", q.ID, j.ID)
				}
			}
		}
	}

	reactionIDs := make(map[string]struct{}, len(c.Reactions))
	for i := range c.Reactions {
		r := &c.Reactions[i]
		if r.ID == "" {
			return validateErr("reaction at index %d has no id", i)
		}
		if _, dup := reactionIDs[r.ID]; dup {
			return validateErr("duplicate reaction id %q", r.ID)
		}
		reactionIDs[r.ID] = struct{}{}
		if r.Kind == "" {
			return validateErr("reaction %q has no kind", r.ID)
		}
		if kinds != nil && !kinds.HasReactionKind(r.Kind) {
			return validateErr("reaction %q has unknown kind %q", r.ID, r.Kind)
		}
		if len(r.Queries) == 0 {
			return validateErr("reaction %q subscribes to no queries", r.ID)
		}
		for _, qid := range r.Queries {
			if _, ok := queryIDs[qid]; !ok {
				return validateErr("reaction %q references unknown query %q", r.ID, qid)
			}
		}
		if r.PriorityQueueCapacity < 0 {
			return validateErr("reaction %q has negative priority_queue_capacity", r.ID)
		}
	}

	return nil
}

func validateErr(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrConfigValidate, "Config", "Validate",
		fmt.Sprintf(format, args...))
}

// isValidHost accepts RFC 1123 hostnames, IPv4/IPv6 addresses, localhost,
// 0.0.0.0 and the wildcard *.
func isValidHost(host string) bool {
	if host == "" || host == "*" || host == "0.0.0.0" || host == "localhost" {
		return true
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

// isValidHostname checks RFC 1123 label rules.
func isValidHostname(hostname string) bool {
	if hostname == "" || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if !isAlnum(label[0]) || !isAlnum(label[len(label)-1]) {
			return false
		}
		for i := 0; i < len(label); i++ {
			ch := label[i]
			if !isAlnum(ch) && ch != '-' {
				return false
			}
		}
	}
	return true
}

func isAlnum(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
}
