// Package sse provides the Server-Sent-Events reaction: a dedicated HTTP
// listener streams result deltas to any number of connected clients as SSE
// events, one event per delta.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// clientBufferSize bounds each connected client's outbound queue. A client
// that cannot keep up is disconnected rather than slowing the fabric.
const clientBufferSize = 64

// Config holds the SSE reaction settings.
type Config struct {
	Queries []string `json:"queries"`
	Host    string   `json:"host,omitempty"`
	Port    int      `json:"port"`
	// Path serves the event stream. Default /events.
	Path string `json:"path,omitempty"`
	// BufferCapacity overrides the dispatch buffer size.
	BufferCapacity int `json:"buffer_capacity,omitempty"`
}

// Reaction broadcasts result deltas over SSE.
type Reaction struct {
	*component.ReactionBase
	cfg Config

	mu      sync.Mutex
	server  *http.Server
	clients map[chan []byte]struct{}
	nextID  int
}

// Register adds the sse reaction factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterReaction(&component.ReactionRegistration{
		Kind:        "sse",
		Description: "Streams result deltas to clients over Server-Sent Events",
		Factory:     New,
	})
}

// New creates an SSE reaction from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Reaction, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "sse", "New",
			fmt.Sprintf("invalid port %d", cfg.Port))
	}
	if cfg.Path == "" {
		cfg.Path = "/events"
	}

	r := &Reaction{
		ReactionBase: component.NewReactionBase(id, "sse", cfg.Queries, cfg.BufferCapacity, deps),
		cfg:          cfg,
		clients:      make(map[chan []byte]struct{}),
	}
	r.SetHandler(r)
	return r, nil
}

// Start opens the listener, then brings up the delivery loop.
func (r *Reaction) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.server == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("GET "+r.cfg.Path, r.handleStream)

		addr := net.JoinHostPort(r.cfg.Host, fmt.Sprintf("%d", r.cfg.Port))
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			r.mu.Unlock()
			return errors.WrapFatal(err, "sse", "Start", addr)
		}
		r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := r.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				r.Logger().Error("SSE listener failed", "error", err)
			}
		}()
		r.Logger().Info("SSE listening", "addr", addr, "path", r.cfg.Path)
	}
	r.mu.Unlock()
	return r.ReactionBase.Start(ctx)
}

// handleStream registers a client and forwards broadcast frames until it
// disconnects.
func (r *Reaction) handleStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan []byte, clientBufferSize)
	r.mu.Lock()
	r.clients[ch] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, ch)
		r.mu.Unlock()
	}()

	for {
		select {
		case <-req.Context().Done():
			return
		case frame, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleDelta broadcasts one delta to all connected clients. A client whose
// buffer is full is dropped; the stream is a tap, not a durable consumer.
func (r *Reaction) HandleDelta(_ context.Context, delta *types.ResultDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return errors.WrapFatal(err, "sse", "HandleDelta", "encode delta")
	}
	frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", delta.Sequence, delta.Kind, data))

	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.clients {
		select {
		case ch <- frame:
		default:
			delete(r.clients, ch)
			close(ch)
			r.Logger().Warn("Dropping slow SSE client")
		}
	}
	return nil
}

// Stop closes the listener and all client streams, then tears down the
// delivery loop.
func (r *Reaction) Stop(timeout time.Duration) error {
	r.mu.Lock()
	server := r.server
	r.server = nil
	for ch := range r.clients {
		close(ch)
		delete(r.clients, ch)
	}
	r.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return r.ReactionBase.Stop(timeout)
}
