package channels

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/buffer"
	"github.com/ruokun-niu/drasi-server/types"
)

// requestInboxCapacity bounds each source's pending bootstrap requests.
const requestInboxCapacity = 16

// sessionBufferCapacity bounds the per-session response stream between the
// provider goroutine and the consuming query.
const sessionBufferCapacity = 256

// BootstrapRequest asks a source for an initial dataset for one query.
type BootstrapRequest struct {
	SessionID string
	SourceID  string
	QueryID   string
	Filter    types.LabelFilter
	// BufferSize is the live-event buffer the source keeps while the
	// bootstrap streams; overflow aborts the bootstrap.
	BufferSize int

	session *BootstrapSession
}

// BootstrapResponse is one message of a bootstrap session: either an element
// insert, or the terminal completion marker carrying an optional watermark,
// or a terminal error.
type BootstrapResponse struct {
	Element   *types.Element
	Complete  bool
	Watermark uint64
	Err       error
}

// BootstrapSession is the query-side handle on a bootstrap exchange.
type BootstrapSession struct {
	id  string
	buf *buffer.Bounded[BootstrapResponse]
}

// ID returns the session id.
func (s *BootstrapSession) ID() string { return s.id }

// Next blocks until the next response arrives. After a response with Complete
// or Err the session yields nothing further.
func (s *BootstrapSession) Next(ctx context.Context) (BootstrapResponse, error) {
	return s.buf.Read(ctx)
}

// Close releases the session.
func (s *BootstrapSession) Close() { s.buf.Close() }

// SessionWriter is the source-side handle used to stream responses back.
type SessionWriter struct {
	session *BootstrapSession
}

// Send streams one element insert to the query. It blocks while the query is
// slower than the provider, bounding provider read-ahead.
func (w *SessionWriter) Send(ctx context.Context, e *types.Element) error {
	return w.session.buf.Write(ctx, BootstrapResponse{Element: e})
}

// Complete terminates the stream with an optional watermark.
func (w *SessionWriter) Complete(ctx context.Context, watermark uint64) error {
	return w.session.buf.Write(ctx, BootstrapResponse{Complete: true, Watermark: watermark})
}

// Fail terminates the stream with an error. No partial bootstrap state is
// retained by the consumer.
func (w *SessionWriter) Fail(ctx context.Context, err error) error {
	return w.session.buf.Write(ctx, BootstrapResponse{Err: err})
}

// BootstrapInbox is a source's registered receiver of bootstrap requests.
type BootstrapInbox struct {
	id  string
	buf *buffer.Bounded[*BootstrapRequest]
}

// Recv blocks until a bootstrap request arrives.
func (in *BootstrapInbox) Recv(ctx context.Context) (*BootstrapRequest, error) {
	return in.buf.Read(ctx)
}

// Writer returns the source-side stream handle for a received request.
func (in *BootstrapInbox) Writer(req *BootstrapRequest) *SessionWriter {
	return &SessionWriter{session: req.session}
}

// BootstrapRouter mediates bootstrap request-reply sessions between queries
// and sources.
type BootstrapRouter struct {
	mu      sync.RWMutex
	inboxes map[string]*BootstrapInbox
}

// NewBootstrapRouter creates an empty bootstrap router.
func NewBootstrapRouter() *BootstrapRouter {
	return &BootstrapRouter{inboxes: make(map[string]*BootstrapInbox)}
}

// Register creates the bootstrap request inbox for a source.
func (r *BootstrapRouter) Register(sourceID string) (*BootstrapInbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inboxes[sourceID]; exists {
		return nil, errors.WrapConflict(errors.ErrAlreadyExists, "BootstrapRouter", "Register", sourceID)
	}
	buf, err := buffer.NewBounded[*BootstrapRequest](requestInboxCapacity)
	if err != nil {
		return nil, err
	}
	inbox := &BootstrapInbox{id: sourceID, buf: buf}
	r.inboxes[sourceID] = inbox
	return inbox, nil
}

// Deregister closes and removes a source's bootstrap inbox.
func (r *BootstrapRouter) Deregister(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inbox, ok := r.inboxes[sourceID]; ok {
		inbox.buf.Close()
		delete(r.inboxes, sourceID)
	}
}

// Request opens a bootstrap session against a source and returns the
// query-side handle. The source streams responses through the returned
// session until Complete or Err.
func (r *BootstrapRouter) Request(ctx context.Context, req BootstrapRequest) (*BootstrapSession, error) {
	r.mu.RLock()
	inbox, ok := r.inboxes[req.SourceID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownSubscriber, "BootstrapRouter", "Request", req.SourceID)
	}

	buf, err := buffer.NewBounded[BootstrapResponse](sessionBufferCapacity)
	if err != nil {
		return nil, err
	}
	session := &BootstrapSession{id: uuid.NewString(), buf: buf}
	req.SessionID = session.id
	req.session = session

	if err := inbox.buf.Write(ctx, &req); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}
