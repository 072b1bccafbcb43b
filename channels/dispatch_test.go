package channels

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

func testEvent(sourceID, elementID string) *types.SourceEvent {
	return &types.SourceEvent{
		SourceID: sourceID,
		Change: types.SourceChange{
			Op:    types.OpInsert,
			After: types.NewNode(elementID, []string{"Thing"}, nil),
		},
	}
}

func testDelta(queryID string, seq uint64) *types.ResultDelta {
	return &types.ResultDelta{QueryID: queryID, Sequence: seq, Kind: types.DeltaChange}
}

func TestSendEventFIFO(t *testing.T) {
	router := NewDataRouter()
	ctx := context.Background()

	sub, err := router.RegisterQuery("q1", 100)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, router.SendEvent(ctx, "q1", testEvent("s1", fmt.Sprintf("e%03d", i))))
	}
	for i := 0; i < 50; i++ {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("e%03d", i), ev.Change.After.ID)
	}
}

func TestSendEventUnknownSubscriber(t *testing.T) {
	router := NewDataRouter()
	err := router.SendEvent(context.Background(), "missing", testEvent("s1", "e1"))
	assert.ErrorIs(t, err, errors.ErrUnknownSubscriber)
}

func TestDuplicateRegistration(t *testing.T) {
	router := NewDataRouter()
	_, err := router.RegisterQuery("q1", 10)
	require.NoError(t, err)
	_, err = router.RegisterQuery("q1", 10)
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)
}

func TestPublishDeltaFansOut(t *testing.T) {
	router := NewDataRouter()
	ctx := context.Background()

	r1, err := router.RegisterReaction("r1", 10)
	require.NoError(t, err)
	r2, err := router.RegisterReaction("r2", 10)
	require.NoError(t, err)
	require.NoError(t, router.SubscribeToQuery("r1", "q1"))
	require.NoError(t, router.SubscribeToQuery("r2", "q1"))

	require.NoError(t, router.PublishDelta(ctx, "q1", testDelta("q1", 1)))

	for _, sub := range []*Subscription[*types.ResultDelta]{r1, r2} {
		d, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), d.Sequence)
	}
}

func TestPublishBackpressureOnSlowestSubscriber(t *testing.T) {
	router := NewDataRouter()
	ctx := context.Background()

	slow, err := router.RegisterReaction("slow", 2)
	require.NoError(t, err)
	fast, err := router.RegisterReaction("fast", 100)
	require.NoError(t, err)
	require.NoError(t, router.SubscribeToQuery("slow", "q1"))
	require.NoError(t, router.SubscribeToQuery("fast", "q1"))

	published := make(chan int, 10)
	go func() {
		for i := 1; i <= 5; i++ {
			if err := router.PublishDelta(ctx, "q1", testDelta("q1", uint64(i))); err != nil {
				return
			}
			published <- i
		}
		close(published)
	}()

	// The slow subscriber's buffer of 2 caps publishing; no delta is dropped.
	time.Sleep(50 * time.Millisecond)
	progressed := len(published)
	assert.LessOrEqual(t, progressed, 3, "publisher must stall on the slow subscriber")

	var slowSeen, fastSeen []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			d, err := slow.Recv(ctx)
			if err != nil {
				return
			}
			slowSeen = append(slowSeen, d.Sequence)
			d, err = fast.Recv(ctx)
			if err != nil {
				return
			}
			fastSeen = append(fastSeen, d.Sequence)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not complete")
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, slowSeen)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, fastSeen)
}

func TestDeregisterCleansFanout(t *testing.T) {
	router := NewDataRouter()
	_, err := router.RegisterReaction("r1", 10)
	require.NoError(t, err)
	require.NoError(t, router.SubscribeToQuery("r1", "q1"))
	assert.Equal(t, []string{"r1"}, router.DeltaSubscribers("q1"))

	router.DeregisterReaction("r1")
	assert.Empty(t, router.DeltaSubscribers("q1"))

	// Publishing to a query with no subscribers is a no-op, not an error.
	assert.NoError(t, router.PublishDelta(context.Background(), "q1", testDelta("q1", 1)))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	router := NewDataRouter()
	ctx := context.Background()
	sub, err := router.RegisterReaction("r1", 10)
	require.NoError(t, err)
	require.NoError(t, router.SubscribeToQuery("r1", "q1"))
	require.NoError(t, router.PublishDelta(ctx, "q1", testDelta("q1", 1)))
	router.UnsubscribeFromQuery("r1", "q1")
	require.NoError(t, router.PublishDelta(ctx, "q1", testDelta("q1", 2)))

	d, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Sequence)
	assert.Equal(t, 0, sub.Pending())
}

func TestSubscriptionRouterAck(t *testing.T) {
	router := NewSubscriptionRouter()
	ctx := context.Background()

	inbox, err := router.Register("s1")
	require.NoError(t, err)

	go func() {
		msg, err := inbox.Recv(ctx)
		if err != nil {
			return
		}
		if msg.Ack != nil {
			msg.Ack <- nil
		}
	}()

	err = router.SendAndWait(ctx, "s1", ControlMessage{
		Kind:         ControlSubscribe,
		SubscriberID: "q1",
		TargetID:     "s1",
		Filter:       types.NewLabelFilter("Product"),
	})
	assert.NoError(t, err)

	err = router.Send(ctx, "nope", ControlMessage{Kind: ControlSubscribe})
	assert.ErrorIs(t, err, errors.ErrUnknownSubscriber)
}

func TestBootstrapSessionRoundTrip(t *testing.T) {
	router := NewBootstrapRouter()
	ctx := context.Background()

	inbox, err := router.Register("s1")
	require.NoError(t, err)

	go func() {
		req, err := inbox.Recv(ctx)
		if err != nil {
			return
		}
		writer := inbox.Writer(req)
		_ = writer.Send(ctx, types.NewNode("a", []string{"Product"}, types.Properties{"price": 10}))
		_ = writer.Send(ctx, types.NewNode("b", []string{"Product"}, types.Properties{"price": 20}))
		_ = writer.Complete(ctx, 42)
	}()

	session, err := router.Request(ctx, BootstrapRequest{
		SourceID:   "s1",
		QueryID:    "q1",
		BufferSize: 100,
	})
	require.NoError(t, err)
	defer session.Close()

	var ids []string
	for {
		resp, err := session.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, resp.Err)
		if resp.Complete {
			assert.Equal(t, uint64(42), resp.Watermark)
			break
		}
		ids = append(ids, resp.Element.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestBootstrapRequestUnknownSource(t *testing.T) {
	router := NewBootstrapRouter()
	_, err := router.Request(context.Background(), BootstrapRequest{SourceID: "missing"})
	assert.ErrorIs(t, err, errors.ErrUnknownSubscriber)
}
