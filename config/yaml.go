package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ruokun-niu/drasi-server/errors"
)

// Sources and reactions flatten their kind-specific settings at the component
// level, so (un)marshalling splits known fields from the connector payload.

// UnmarshalYAML decodes a source entry, capturing unknown keys as the raw
// connector payload.
func (c *SourceConfig) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	rest, err := splitComponentFields(m, c)
	if err != nil {
		return err
	}
	c.Properties = rest
	return nil
}

// MarshalYAML re-flattens the connector payload into the component mapping.
func (c SourceConfig) MarshalYAML() (any, error) {
	m, err := mergeComponentFields(c, c.Properties)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalYAML decodes a reaction entry, capturing unknown keys as the raw
// connector payload.
func (c *ReactionConfig) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	rest, err := splitComponentFields(m, c)
	if err != nil {
		return err
	}
	c.Properties = rest
	return nil
}

// MarshalYAML re-flattens the connector payload into the component mapping.
func (c ReactionConfig) MarshalYAML() (any, error) {
	m, err := mergeComponentFields(c, c.Properties)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// splitComponentFields fills out's json-tagged fields from m and returns the
// remaining keys as a JSON payload. It round-trips through JSON so the typed
// fields and the payload agree on coercion rules.
func splitComponentFields(m map[string]any, out any) (json.RawMessage, error) {
	known := knownJSONKeys(out)
	typed := make(map[string]any)
	rest := make(map[string]any)
	for k, v := range m {
		if _, ok := known[k]; ok {
			typed[k] = v
		} else {
			rest[k] = v
		}
	}

	typedJSON, err := json.Marshal(typed)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "splitComponentFields", "typed fields")
	}
	if err := json.Unmarshal(typedJSON, out); err != nil {
		return nil, errors.WrapInvalid(errors.ErrBadType, "config", "splitComponentFields", err.Error())
	}
	if len(rest) == 0 {
		return nil, nil
	}
	restJSON, err := json.Marshal(rest)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "splitComponentFields", "connector payload")
	}
	return restJSON, nil
}

// mergeComponentFields produces a single flat mapping from the typed fields
// and the raw connector payload.
func mergeComponentFields(typed any, properties json.RawMessage) (map[string]any, error) {
	typedJSON, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(typedJSON, &m); err != nil {
		return nil, err
	}
	delete(m, "properties")
	if len(properties) > 0 {
		var rest map[string]any
		if err := json.Unmarshal(properties, &rest); err != nil {
			return nil, err
		}
		for k, v := range rest {
			if _, clash := m[k]; clash {
				return nil, fmt.Errorf("connector payload key %q clashes with a component field", k)
			}
			m[k] = v
		}
	}
	return m, nil
}

// knownJSONKeys returns the json tag names of a struct's fields.
func knownJSONKeys(v any) map[string]struct{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	keys := make(map[string]struct{}, len(m)+8)
	for k := range m {
		keys[k] = struct{}{}
	}
	// omitempty hides unset fields from the marshal above; name them
	// explicitly so they are never mistaken for connector payload.
	for _, k := range []string{"id", "kind", "auto_start", "queries", "priority_queue_capacity"} {
		keys[k] = struct{}{}
	}
	return keys
}
