package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruokun-niu/drasi-server/errors"
)

// envVarPattern matches ${NAME} and ${NAME:-default} expansions.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Load reads, interpolates, parses and defaults a configuration file.
// Validation is separate so callers can check kinds against their registry.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read file")
	}
	return Parse(data)
}

// Parse interpolates environment variables into the YAML document, decodes it
// and applies defaults.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.WrapInvalid(errors.ErrConfigParse, "config", "Parse", err.Error())
	}

	if err := expandEnvNode(&root); err != nil {
		return nil, err
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		// An empty document decodes to nothing; everything else must decode.
		if root.Kind == 0 {
			cfg = Config{}
		} else {
			return nil, errors.WrapInvalid(errors.ErrBadType, "config", "Parse", err.Error())
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// expandEnvNode walks the YAML node tree expanding ${NAME} and
// ${NAME:-default} in every scalar. Expanded scalars lose their explicit
// string tag so numeric and boolean positions re-infer their type.
func expandEnvNode(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.ScalarNode && strings.Contains(node.Value, "${") {
		expanded, changed, err := expandEnvString(node.Value)
		if err != nil {
			return err
		}
		if changed {
			node.Value = expanded
			// A quoted scalar stays a string; a plain one re-infers its type.
			if node.Style == 0 {
				node.Tag = ""
			}
		}
	}
	for _, child := range node.Content {
		if err := expandEnvNode(child); err != nil {
			return err
		}
	}
	return nil
}

// expandEnvString replaces all env expansions in s. An unset variable without
// a default fails with MissingEnvVar; an empty default yields empty string.
func expandEnvString(s string) (string, bool, error) {
	var expandErr error
	changed := false
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if value, ok := os.LookupEnv(name); ok {
			changed = true
			return value
		}
		if hasDefault {
			changed = true
			return def
		}
		if expandErr == nil {
			expandErr = errors.WrapInvalid(errors.ErrMissingEnvVar, "config", "expandEnv",
				fmt.Sprintf("variable %q is not set and has no default", name))
		}
		return match
	})
	if expandErr != nil {
		return "", false, expandErr
	}
	return out, changed, nil
}

// Marshal serializes a configuration back to YAML, the persistence format.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Marshal", "serialize")
	}
	return data, nil
}
