// Package httpsrv provides the HTTP ingest source: external systems POST
// change events to a dedicated listener and they enter the fabric in arrival
// order.
package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/bootstrap"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// Config holds the HTTP source settings.
type Config struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
	// Path accepts POSTed change events. Default /events.
	Path string `json:"path,omitempty"`
	// Bootstrap optionally selects a provider for this source.
	Bootstrap      string   `json:"bootstrap,omitempty"`
	BootstrapFiles []string `json:"bootstrap_files,omitempty"`
}

// Validate checks the listener settings.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrConfigValidate, "httpsrv", "Validate",
			fmt.Sprintf("invalid port %d", c.Port))
	}
	return nil
}

// Source accepts change events over HTTP POST.
type Source struct {
	*component.SourceBase
	cfg Config

	mu       sync.Mutex
	server   *http.Server
	position uint64
	// events serializes posted changes into a single publish goroutine so
	// source order matches arrival order.
	events chan types.SourceChange
	wg     sync.WaitGroup
}

// Register adds the http source factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterSource(&component.SourceRegistration{
		Kind:        "http",
		Description: "HTTP listener ingesting posted change events",
		Factory:     New,
	})
}

// New creates an HTTP source from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Source, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/events"
	}

	provider, err := bootstrap.Select(cfg.Bootstrap, nil, rawConfig)
	if err != nil {
		return nil, err
	}

	return &Source{
		SourceBase: component.NewSourceBase(id, "http", provider, deps),
		cfg:        cfg,
	}, nil
}

// changeRequest is the POST body: a single change event. A JSON array of
// changes is not accepted.
type changeRequest struct {
	Op           string           `json:"op"`
	Before       *types.Element   `json:"before,omitempty"`
	After        *types.Element   `json:"after,omitempty"`
	SourceTimeMS int64            `json:"source_time_ms,omitempty"`
}

func (r *changeRequest) toChange() (types.SourceChange, error) {
	var op types.ChangeOp
	switch r.Op {
	case "insert", "i":
		op = types.OpInsert
	case "update", "u":
		op = types.OpUpdate
	case "delete", "d":
		op = types.OpDelete
	default:
		return types.SourceChange{}, fmt.Errorf("unknown op %q", r.Op)
	}
	change := types.SourceChange{
		Op:           op,
		Before:       r.Before,
		After:        r.After,
		SourceTimeMS: r.SourceTimeMS,
	}
	return change, change.Validate()
}

// Start opens the listener and launches the publish loop.
func (s *Source) Start(ctx context.Context) error {
	if err := s.SourceBase.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	s.events = make(chan types.SourceChange, 256)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.Path, s.handlePost)

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "httpsrv", "Start", addr)
	}
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.Logger().Error("HTTP source listener failed", "error", err)
			s.ReportFailure(err)
		}
	}()
	go s.publishLoop(s.Context())

	s.Logger().Info("HTTP source listening", "addr", addr, "path", s.cfg.Path)
	return nil
}

func (s *Source) handlePost(w http.ResponseWriter, r *http.Request) {
	var cr changeRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		http.Error(w, "invalid change event", http.StatusBadRequest)
		return
	}
	change, err := cr.toChange()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case s.events <- change:
	case <-r.Context().Done():
		http.Error(w, "ingest cancelled", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Source) publishLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-s.events:
			s.mu.Lock()
			s.position++
			change.Position = s.position
			s.mu.Unlock()
			if err := s.Publish(ctx, change); err != nil && ctx.Err() == nil {
				s.Logger().Warn("Publish failed", "error", err)
			}
		}
	}
}

// Stop closes the listener and tears down the fabric machinery.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	err := s.SourceBase.Stop(timeout)
	s.wg.Wait()
	return err
}
