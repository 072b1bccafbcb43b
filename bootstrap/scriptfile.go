package bootstrap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// ScriptFileConfig declares the JSONL files a scriptfile provider replays.
type ScriptFileConfig struct {
	// Files are replayed in order. Each is JSONL: a Header record first,
	// then Node/Relation records, optionally terminated by Finish.
	Files []string `json:"bootstrap_files"`
}

// ScriptFile replays JSONL files as a bootstrap insert stream. It yields no
// watermark; live buffered events are forwarded from the start of stream.
type ScriptFile struct {
	cfg ScriptFileConfig
}

// scriptRecord is one JSONL line of a bootstrap script.
type scriptRecord struct {
	Kind         string           `json:"kind"`
	ID           string           `json:"id,omitempty"`
	Labels       []string         `json:"labels,omitempty"`
	RelationType string           `json:"relation_type,omitempty"`
	From         string           `json:"from,omitempty"`
	To           string           `json:"to,omitempty"`
	Properties   types.Properties `json:"properties,omitempty"`
}

// NewScriptFile builds a scriptfile provider from a connector payload.
func NewScriptFile(raw json.RawMessage) (*ScriptFile, error) {
	var cfg ScriptFileConfig
	if len(raw) > 0 {
		// Providers share the source's flattened payload, so unknown keys
		// belonging to the connector are expected here.
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "bootstrap", "config decode", "")
		}
	}
	if len(cfg.Files) == 0 {
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "ScriptFile", "NewScriptFile",
			"bootstrap_files must list at least one file")
	}
	return &ScriptFile{cfg: cfg}, nil
}

// NewScriptFileFromPaths builds a provider directly from file paths.
func NewScriptFileFromPaths(files ...string) *ScriptFile {
	return &ScriptFile{cfg: ScriptFileConfig{Files: files}}
}

// Name returns the provider tag.
func (s *ScriptFile) Name() string { return ProviderScriptFile }

// Bootstrap streams each file's Node and Relation records as inserts.
// Comment lines (# or //) and blank lines are skipped; Finish ends a file
// early.
func (s *ScriptFile) Bootstrap(ctx context.Context, filter types.LabelFilter, sink func(context.Context, *types.Element) error) (uint64, error) {
	for _, path := range s.cfg.Files {
		if err := s.replayFile(ctx, path, filter, sink); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (s *ScriptFile) replayFile(ctx context.Context, path string, filter types.LabelFilter, sink func(context.Context, *types.Element) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WrapFatal(err, "ScriptFile", "replayFile", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	sawHeader := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		var rec scriptRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return errors.WrapInvalid(err, "ScriptFile", "replayFile",
				fmt.Sprintf("%s line %d", path, lineNo))
		}

		switch rec.Kind {
		case "Header":
			sawHeader = true
			continue
		case "Finish":
			return nil
		case "Node", "Relation":
			if !sawHeader {
				return errors.WrapInvalid(errors.ErrConfigValidate, "ScriptFile", "replayFile",
					fmt.Sprintf("%s line %d: record before Header", path, lineNo))
			}
			e, err := rec.toElement()
			if err != nil {
				return errors.WrapInvalid(err, "ScriptFile", "replayFile",
					fmt.Sprintf("%s line %d", path, lineNo))
			}
			if !filter.Matches(e) {
				continue
			}
			if err := sink(ctx, e); err != nil {
				return err
			}
		default:
			return errors.WrapInvalid(errors.ErrConfigValidate, "ScriptFile", "replayFile",
				fmt.Sprintf("%s line %d: unknown record kind %q", path, lineNo, rec.Kind))
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.WrapFatal(err, "ScriptFile", "replayFile", path)
	}
	return nil
}

func (r *scriptRecord) toElement() (*types.Element, error) {
	switch r.Kind {
	case "Node":
		e := types.NewNode(r.ID, r.Labels, r.Properties)
		return e, e.Validate()
	case "Relation":
		e := types.NewRelation(r.ID, r.RelationType, r.From, r.To, r.Properties)
		return e, e.Validate()
	default:
		return nil, fmt.Errorf("record kind %q is not an element", r.Kind)
	}
}
