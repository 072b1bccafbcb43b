package component

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruokun-niu/drasi-server/channels"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

func testDeps() Dependencies {
	return Dependencies{
		Data:          channels.NewDataRouter(),
		Bootstrap:     channels.NewBootstrapRouter(),
		Subscriptions: channels.NewSubscriptionRouter(),
	}
}

// slowProvider streams nothing and holds the session open until released.
type slowProvider struct {
	release chan struct{}
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Bootstrap(ctx context.Context, _ types.LabelFilter, _ func(context.Context, *types.Element) error) (uint64, error) {
	select {
	case <-p.release:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func node(id string) *types.Element {
	return types.NewNode(id, []string{"Thing"}, nil)
}

func TestLiveSubscribeAndPublish(t *testing.T) {
	deps := testDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := NewSourceBase("s1", "test", nil, deps)
	require.NoError(t, base.Start(ctx))
	defer func() { _ = base.Stop(time.Second) }()

	sub, err := deps.Data.RegisterQuery("q1", 10)
	require.NoError(t, err)
	require.NoError(t, deps.Subscriptions.SendAndWait(ctx, "s1", channels.ControlMessage{
		Kind:         channels.ControlSubscribe,
		SubscriberID: "q1",
		TargetID:     "s1",
		Filter:       types.NewLabelFilter("Thing"),
	}))

	require.NoError(t, base.Publish(ctx, types.SourceChange{Op: types.OpInsert, After: node("a")}))
	// Filtered label does not pass.
	require.NoError(t, base.Publish(ctx, types.SourceChange{
		Op: types.OpInsert, After: types.NewNode("x", []string{"Other"}, nil),
	}))
	require.NoError(t, base.Publish(ctx, types.SourceChange{Op: types.OpInsert, After: node("b")}))

	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Change.After.ID)
	ev, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", ev.Change.After.ID)
	assert.Equal(t, 0, sub.Pending())
}

func TestStartStopIdempotent(t *testing.T) {
	deps := testDeps()
	ctx := context.Background()
	base := NewSourceBase("s1", "test", nil, deps)
	require.NoError(t, base.Start(ctx))
	require.NoError(t, base.Start(ctx))
	require.NoError(t, base.Stop(time.Second))
	require.NoError(t, base.Stop(time.Second))
}

// TestBootstrapOverflowAborts: with a stall timeout configured, a full live
// buffer aborts the bootstrap and reports the query failed.
func TestBootstrapOverflowAborts(t *testing.T) {
	deps := testDeps()
	var failedKind types.ComponentKind
	var failedID string
	var failedErr error
	failures := make(chan struct{}, 1)
	deps.OnFailure = func(kind types.ComponentKind, id string, err error) {
		failedKind, failedID, failedErr = kind, id, err
		failures <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &slowProvider{release: make(chan struct{})}
	base := NewSourceBase("s1", "test", provider, deps)
	base.SetStallTimeout(50 * time.Millisecond)
	require.NoError(t, base.Start(ctx))
	defer func() { _ = base.Stop(time.Second) }()

	session, err := deps.Bootstrap.Request(ctx, channels.BootstrapRequest{
		SourceID:   "s1",
		QueryID:    "q1",
		BufferSize: 2,
	})
	require.NoError(t, err)
	defer session.Close()

	// The source registers the buffering subscription asynchronously; wait
	// for it so the published events land in the live buffer.
	require.Eventually(t, func() bool {
		base.mu.Lock()
		defer base.mu.Unlock()
		_, ok := base.subs["q1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// Fill the live buffer past capacity while the provider stalls.
	for i := 0; i < 3; i++ {
		require.NoError(t, base.Publish(ctx, types.SourceChange{Op: types.OpInsert, After: node(string(rune('a' + i)))}))
	}
	close(provider.release)

	resp, err := session.Next(ctx)
	require.NoError(t, err)
	require.Error(t, resp.Err)
	assert.ErrorIs(t, resp.Err, errors.ErrBootstrapOverflow)

	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Fatal("failure was not reported")
	}
	assert.Equal(t, types.KindQuery, failedKind)
	assert.Equal(t, "q1", failedID)
	assert.ErrorIs(t, failedErr, errors.ErrBootstrapOverflow)
}

// TestActiveFilterUnion: the source-wide filter is the union of subscriber
// filters, and collapses to match-all when any subscriber is unfiltered.
func TestActiveFilterUnion(t *testing.T) {
	deps := testDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := NewSourceBase("s1", "test", nil, deps)
	require.NoError(t, base.Start(ctx))
	defer func() { _ = base.Stop(time.Second) }()

	subscribe := func(queryID string, filter types.LabelFilter) {
		require.NoError(t, deps.Subscriptions.SendAndWait(ctx, "s1", channels.ControlMessage{
			Kind:         channels.ControlSubscribe,
			SubscriberID: queryID,
			TargetID:     "s1",
			Filter:       filter,
		}))
	}
	_, err := deps.Data.RegisterQuery("q1", 10)
	require.NoError(t, err)
	_, err = deps.Data.RegisterQuery("q2", 10)
	require.NoError(t, err)

	subscribe("q1", types.NewLabelFilter("A"))
	subscribe("q2", types.NewLabelFilter("B"))
	assert.ElementsMatch(t, []string{"A", "B"}, base.ActiveFilter().Labels())

	_, err = deps.Data.RegisterQuery("q3", 10)
	require.NoError(t, err)
	subscribe("q3", nil)
	assert.Nil(t, base.ActiveFilter())
}
