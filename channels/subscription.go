package channels

import (
	"context"
	"sync"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/buffer"
	"github.com/ruokun-niu/drasi-server/types"
)

// controlInboxCapacity bounds each component's control inbox. Control traffic
// is low-volume; the bound exists to surface stuck components.
const controlInboxCapacity = 64

// ControlKind identifies a subscription control message.
type ControlKind int

const (
	// ControlSubscribe wires a subscriber to a producer's output.
	ControlSubscribe ControlKind = iota
	// ControlUnsubscribe removes the wiring.
	ControlUnsubscribe
	// ControlLabelFilter updates the label filter a source applies to the
	// subscriber's event stream.
	ControlLabelFilter
)

// String returns a string representation of the control kind.
func (k ControlKind) String() string {
	switch k {
	case ControlSubscribe:
		return "subscribe"
	case ControlUnsubscribe:
		return "unsubscribe"
	case ControlLabelFilter:
		return "label-filter"
	default:
		return "unknown"
	}
}

// ControlMessage is one subscription control exchange. Ack, when non-nil,
// receives the handler's result so the sender can block until the wiring is
// established.
type ControlMessage struct {
	Kind         ControlKind
	SubscriberID string
	TargetID     string
	Filter       types.LabelFilter
	Ack          chan error
}

// ControlInbox is a component's registered control message receiver.
type ControlInbox struct {
	id  string
	buf *buffer.Bounded[ControlMessage]
}

// Recv blocks until a control message arrives or the context is cancelled.
func (in *ControlInbox) Recv(ctx context.Context) (ControlMessage, error) {
	return in.buf.Read(ctx)
}

// SubscriptionRouter carries subscribe/unsubscribe/label-filter control
// messages from queries to sources and from reactions to queries.
type SubscriptionRouter struct {
	mu      sync.RWMutex
	inboxes map[string]*ControlInbox
}

// NewSubscriptionRouter creates an empty subscription router.
func NewSubscriptionRouter() *SubscriptionRouter {
	return &SubscriptionRouter{inboxes: make(map[string]*ControlInbox)}
}

// Register creates the control inbox for a component.
func (r *SubscriptionRouter) Register(componentID string) (*ControlInbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inboxes[componentID]; exists {
		return nil, errors.WrapConflict(errors.ErrAlreadyExists, "SubscriptionRouter", "Register", componentID)
	}
	buf, err := buffer.NewBounded[ControlMessage](controlInboxCapacity)
	if err != nil {
		return nil, err
	}
	inbox := &ControlInbox{id: componentID, buf: buf}
	r.inboxes[componentID] = inbox
	return inbox, nil
}

// Deregister closes and removes the component's control inbox.
func (r *SubscriptionRouter) Deregister(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inbox, ok := r.inboxes[componentID]; ok {
		inbox.buf.Close()
		delete(r.inboxes, componentID)
	}
}

// Send delivers a control message to the target component's inbox.
func (r *SubscriptionRouter) Send(ctx context.Context, targetID string, msg ControlMessage) error {
	r.mu.RLock()
	inbox, ok := r.inboxes[targetID]
	r.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownSubscriber, "SubscriptionRouter", "Send", targetID)
	}
	return inbox.buf.Write(ctx, msg)
}

// SendAndWait delivers a control message and blocks until the target handles
// it or the context is cancelled.
func (r *SubscriptionRouter) SendAndWait(ctx context.Context, targetID string, msg ControlMessage) error {
	msg.Ack = make(chan error, 1)
	if err := r.Send(ctx, targetID, msg); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-msg.Ack:
		return err
	}
}
