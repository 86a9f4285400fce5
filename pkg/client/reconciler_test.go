package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lorachat/pkg/client/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed serves a fixed conversation, paging by index.
type fakeFeed struct {
	mu       sync.Mutex
	messages []types.Message
	quality  types.Quality
	err      error
	calls    int
}

func (f *fakeFeed) set(msgs ...types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = msgs
}

func (f *fakeFeed) Messages(_ context.Context, cursor string, limit int) (*types.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	start := 0
	if cursor != "" {
		for i, m := range f.messages {
			if m.ID == cursor {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(f.messages) {
		end = len(f.messages)
	}
	page := &types.MessagePage{Messages: append([]types.Message(nil), f.messages[start:end]...)}
	if end > start {
		page.Cursor = f.messages[end-1].ID
	}
	return page, nil
}

func (f *fakeFeed) Status(context.Context) (*types.Quality, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.quality
	return &q, f.err
}

func (f *fakeFeed) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, body string, ts int64, status types.Status, at time.Time) types.Message {
	return types.Message{ID: id, From: from, Message: body, Timestamp: ts, Status: status, UpdatedAt: at, Direction: "outbound"}
}

func TestReconciler_PushThenPollRendersOnce(t *testing.T) {
	feed := &fakeFeed{}
	r := NewReconciler("alice", feed, WithReconcilerLogger(quietLogger()))

	pushed := msg("01H", "bob", "hello", 1000, types.StatusSent, t0)
	pushed.Direction = "inbound"
	render := r.Apply(types.Event{Type: types.EventMessage, Message: &pushed})
	assert.Equal(t, RenderAppend, render.Kind)

	polled := pushed
	polled.Status = types.StatusConfirmed
	polled.UpdatedAt = t0.Add(time.Second)
	feed.set(polled)
	require.NoError(t, r.Poll(context.Background()))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusConfirmed, entries[0].Status)
	assert.Equal(t, 1, r.Unread())
}

func TestReconciler_LatestStateWins(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	confirmed := msg("01H", "alice", "hi", 1000, types.StatusConfirmed, t0.Add(2*time.Second))
	r.ApplyMessage(confirmed)

	stale := msg("01H", "alice", "hi", 1000, types.StatusSent, t0.Add(time.Second))
	assert.Equal(t, RenderNone, r.ApplyMessage(stale).Kind)
	assert.Equal(t, types.StatusConfirmed, r.Entries()[0].Status)
}

func TestReconciler_RetryAfterError(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	r.ApplyMessage(msg("01H", "alice", "hi", 1000, types.StatusError, t0))
	render := r.ApplyMessage(msg("01H", "alice", "hi", 1000, types.StatusPending, t0.Add(time.Second)))

	assert.Equal(t, RenderUpdate, render.Kind)
	assert.Equal(t, types.StatusPending, render.Entry.Status)
	assert.Empty(t, render.Entry.Reason)
}

func TestReconciler_OptimisticLocalMessage(t *testing.T) {
	var renders []Render
	r := NewReconciler("alice", &fakeFeed{}, OnRender(func(out Render) { renders = append(renders, out) }))

	local := r.Local("on my way", 1000)
	assert.Equal(t, RenderAppend, local.Kind)
	assert.True(t, local.Entry.Mine)
	assert.Equal(t, types.StatusPending, local.Entry.Status)

	key := types.DedupKey("alice", "on my way", 1000)
	r.Acknowledge(key, types.Receipt{ID: "01H", Status: types.StatusPending})

	r.Apply(types.Event{Type: types.EventConfirm, At: t0, Confirm: &types.Confirm{ID: "01H", Status: types.StatusConfirmed}})

	echo := msg("01H", "alice", "on my way", 1000, types.StatusConfirmed, t0)
	assert.Equal(t, RenderNone, r.ApplyMessage(echo).Kind)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "01H", entries[0].ID)
	assert.Equal(t, types.StatusConfirmed, entries[0].Status)
	assert.Equal(t, 0, r.Unread())

	require.Len(t, renders, 2)
	assert.Equal(t, RenderUpdate, renders[1].Kind)
}

func TestReconciler_InboundCopyOfSameKeyIsNotDuplicated(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	r.ApplyMessage(msg("01A", "bob", "ping", 1000, types.StatusConfirmed, t0))
	render := r.ApplyMessage(msg("01B", "bob", "ping", 1000, types.StatusConfirmed, t0))

	assert.Equal(t, RenderNone, render.Kind)
	assert.Len(t, r.Entries(), 1)
}

func TestReconciler_ConfirmForUnknownMessageIsIgnored(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	render := r.Apply(types.Event{Type: types.EventConfirm, Confirm: &types.Confirm{ID: "nope", Status: types.StatusConfirmed}})
	assert.Equal(t, RenderNone, render.Kind)
	assert.Empty(t, r.Entries())
}

func TestReconciler_ConfirmOnlyMarksConfirmed(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})
	r.ApplyMessage(msg("01H", "alice", "hi", 1000, types.StatusSent, t0))

	render := r.Apply(types.Event{Type: types.EventConfirm, At: t0.Add(time.Second),
		Confirm: &types.Confirm{ID: "01H", Status: types.StatusError, Reason: "transport-failed"}})
	assert.Equal(t, RenderNone, render.Kind)
	assert.Equal(t, types.StatusSent, r.Entries()[0].Status)

	failed := msg("01H", "alice", "hi", 1000, types.StatusError, t0.Add(time.Second))
	failed.Reason = "transport-failed"
	render = r.Apply(types.Event{Type: types.EventMessage, Message: &failed})
	assert.Equal(t, RenderUpdate, render.Kind)
	assert.Equal(t, types.StatusError, r.Entries()[0].Status)
	assert.Equal(t, "transport-failed", r.Entries()[0].Reason)
}

func TestReconciler_UnreadCounting(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	r.ApplyMessage(msg("01A", "bob", "one", 1, types.StatusConfirmed, t0))
	r.ApplyMessage(msg("01B", "carol", "two", 2, types.StatusConfirmed, t0))
	r.ApplyMessage(msg("01C", "alice", "mine", 3, types.StatusPending, t0))
	assert.Equal(t, 2, r.Unread())

	r.MarkRead()
	assert.Equal(t, 0, r.Unread())
}

func TestReconciler_SessionsAreIsolated(t *testing.T) {
	a := NewReconciler("alice", &fakeFeed{})
	b := NewReconciler("bob", &fakeFeed{})

	a.ApplyMessage(msg("01A", "carol", "hey", 1, types.StatusConfirmed, t0))

	assert.Len(t, a.Entries(), 1)
	assert.Empty(t, b.Entries())
	assert.Equal(t, 0, b.Unread())
}

func TestReconciler_QualityAndBackpressure(t *testing.T) {
	r := NewReconciler("alice", &fakeFeed{})

	render := r.Apply(types.Event{Type: types.EventQuality, Quality: &types.Quality{LinkTier: "poor", QueueDepth: 3}})
	assert.Equal(t, RenderQuality, render.Kind)
	assert.True(t, r.Quality().Syncing())

	r.Apply(types.Event{Type: types.EventQuality, Quality: &types.Quality{LinkTier: "good"}})
	assert.False(t, r.Quality().Syncing())
}

func TestReconciler_PollPagesThroughCursor(t *testing.T) {
	feed := &fakeFeed{quality: types.Quality{LinkTier: "fair"}}
	var msgs []types.Message
	for i := 0; i < 250; i++ {
		msgs = append(msgs, msg(string(rune('A'+i/26))+string(rune('a'+i%26)), "bob", "m", int64(i), types.StatusConfirmed, t0))
	}
	feed.set(msgs...)
	r := NewReconciler("alice", feed)

	require.NoError(t, r.Poll(context.Background()))
	assert.Len(t, r.Entries(), 250)
	assert.Equal(t, "fair", r.Quality().LinkTier)

	require.NoError(t, r.Poll(context.Background()))
	assert.Len(t, r.Entries(), 250)
}

func TestReconciler_PollError(t *testing.T) {
	feed := &fakeFeed{err: errors.New("relay down")}
	r := NewReconciler("alice", feed)
	assert.Error(t, r.Poll(context.Background()))
}

func TestReconciler_RunResyncsOnLag(t *testing.T) {
	feed := &fakeFeed{}
	feed.set(msg("01A", "bob", "missed", 1, types.StatusConfirmed, t0))

	streams := 0
	stream := func(ctx context.Context, fn func(types.Event) error) error {
		streams++
		if streams == 1 {
			return fn(types.Event{Type: types.EventResync})
		}
		<-ctx.Done()
		return ctx.Err()
	}

	r := NewReconciler("alice", feed, WithStream(stream), WithPollInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return feed.pollCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, r.Entries(), 1)
}

func TestReconciler_RunFallsBackToPolling(t *testing.T) {
	feed := &fakeFeed{}
	stream := func(context.Context, func(types.Event) error) error {
		return errors.New("no push channel")
	}

	r := NewReconciler("alice", feed, WithStream(stream), WithPollInterval(5*time.Millisecond), WithReconcilerLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return feed.pollCount() >= 3 }, time.Second, 5*time.Millisecond)
	feed.set(msg("01A", "bob", "late", 1, types.StatusConfirmed, t0))
	require.Eventually(t, func() bool { return len(r.Entries()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
