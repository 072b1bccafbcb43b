// Package persistence writes the declarative configuration back to disk.
// Writes are atomic (sibling temp file, then rename) and serialized, so a
// crash leaves either the old or the new file intact, never a partial one.
package persistence

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/errors"
)

// Gate is the pair of booleans computed at startup that governs whether API
// mutations are accepted and whether they are written back to the file.
type Gate struct {
	// ReadOnly is true when a config file is present but not writable;
	// mutating API calls are rejected.
	ReadOnly bool
	// PersistenceEnabled is true when mutations are written back to disk;
	// when false, mutations apply to in-memory state only.
	PersistenceEnabled bool
}

// ComputeGate derives the gate from the startup conditions.
//
//	persistence_enabled = config_file_present && writable && !disable_persistence
//	read_only           = config_file_present && !writable
func ComputeGate(configPath string, disablePersistence bool) Gate {
	if configPath == "" {
		return Gate{}
	}
	if _, err := os.Stat(configPath); err != nil {
		return Gate{}
	}
	writable := checkWriteAccess(configPath)
	return Gate{
		ReadOnly:           !writable,
		PersistenceEnabled: writable && !disablePersistence,
	}
}

// checkWriteAccess probes whether the file can be opened for writing.
func checkWriteAccess(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Store persists the configuration file. One writer at a time.
type Store struct {
	path   string
	gate   Gate
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a persistence store for the given file and gate.
func NewStore(path string, gate Gate, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, gate: gate, logger: logger}
}

// Gate returns the computed persistence gate.
func (s *Store) Gate() Gate { return s.gate }

// Save writes the configuration atomically. A disabled gate makes Save a
// no-op so callers can invoke it unconditionally after each mutation.
func (s *Store) Save(cfg *config.Config) error {
	if !s.gate.PersistenceEnabled {
		s.logger.Debug("Persistence disabled, skipping save")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return errors.WrapTransient(err, "persistence", "Save", "write temp file")
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return errors.WrapTransient(err, "persistence", "Save", "rename temp file")
	}

	s.logger.Info("Configuration saved", "path", filepath.Clean(s.path))
	return nil
}
