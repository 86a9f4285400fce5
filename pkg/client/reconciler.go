package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"lorachat/pkg/client/types"

	"github.com/sirupsen/logrus"
)

// Feed is the subset of Client the reconciler consumes.
type Feed interface {
	Messages(ctx context.Context, cursor string, limit int) (*types.MessagePage, error)
	Status(ctx context.Context) (*types.Quality, error)
}

// StreamFunc opens a push stream; Client.Stream and Client.StreamWebSocket qualify.
type StreamFunc func(ctx context.Context, fn func(types.Event) error) error

type RenderKind string

const (
	RenderNone    RenderKind = "none"
	RenderAppend  RenderKind = "append"
	RenderUpdate  RenderKind = "update"
	RenderQuality RenderKind = "quality"
	RenderResync  RenderKind = "resync"
)

// Entry is one line of the rendered conversation.
type Entry struct {
	ID        string
	Key       string
	From      string
	Message   string
	Timestamp int64
	Status    types.Status
	Reason    string
	Mine      bool
	updatedAt time.Time
}

// Render tells the UI what changed. Entry is a copy.
type Render struct {
	Kind    RenderKind
	Entry   Entry
	Quality *types.Quality
}

// Reconciler mirrors one session's view of the conversation. Each connection
// gets its own; the seen set and unread count never leak across sessions.
type Reconciler struct {
	identity     string
	feed         Feed
	stream       StreamFunc
	pollInterval time.Duration
	pageSize     int
	onRender     func(Render)
	logger       *logrus.Logger

	mu      sync.Mutex
	entries []*Entry
	byKey   map[string]*Entry
	byID    map[string]*Entry
	unread  int
	quality types.Quality
	cursor  string
}

type ReconcilerOption func(*Reconciler)

// WithStream enables push updates. Without it the reconciler only polls.
func WithStream(s StreamFunc) ReconcilerOption {
	return func(r *Reconciler) { r.stream = s }
}

func WithPollInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.pollInterval = d }
}

// OnRender registers the UI callback. It runs outside the reconciler lock.
func OnRender(fn func(Render)) ReconcilerOption {
	return func(r *Reconciler) { r.onRender = fn }
}

func WithReconcilerLogger(logger *logrus.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func NewReconciler(identity string, feed Feed, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		identity:     identity,
		feed:         feed,
		pollInterval: 3 * time.Second,
		pageSize:     100,
		byKey:        make(map[string]*Entry),
		byID:         make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
		r.logger.SetLevel(logrus.WarnLevel)
	}
	return r
}

// Local renders a message the user just typed, before the relay has answered.
func (r *Reconciler) Local(message string, timestamp int64) Render {
	m := types.Message{From: r.identity, Message: message, Timestamp: timestamp, Status: types.StatusPending}
	return r.ApplyMessage(m)
}

// Acknowledge binds a relay receipt to the optimistic entry with the same key.
func (r *Reconciler) Acknowledge(key string, receipt types.Receipt) Render {
	r.mu.Lock()
	e, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return Render{Kind: RenderNone}
	}
	if e.ID == "" && receipt.ID != "" {
		e.ID = receipt.ID
		r.byID[receipt.ID] = e
	}
	changed := false
	if receipt.Status.Rank() > e.Status.Rank() {
		e.Status = receipt.Status
		changed = true
	}
	out := *e
	r.mu.Unlock()

	if !changed {
		return Render{Kind: RenderNone, Entry: out}
	}
	return r.emit(Render{Kind: RenderUpdate, Entry: out})
}

// Apply folds one push event into the mirror.
func (r *Reconciler) Apply(ev types.Event) Render {
	switch ev.Type {
	case types.EventMessage:
		if ev.Message == nil {
			return Render{Kind: RenderNone}
		}
		return r.ApplyMessage(*ev.Message)
	case types.EventConfirm:
		if ev.Confirm == nil {
			return Render{Kind: RenderNone}
		}
		return r.applyConfirm(*ev.Confirm, ev.At)
	case types.EventQuality:
		if ev.Quality == nil {
			return Render{Kind: RenderNone}
		}
		r.mu.Lock()
		r.quality = *ev.Quality
		q := r.quality
		r.mu.Unlock()
		return r.emit(Render{Kind: RenderQuality, Quality: &q})
	case types.EventResync:
		return r.emit(Render{Kind: RenderResync})
	default:
		return Render{Kind: RenderNone}
	}
}

// ApplyMessage merges a message from a push event or a poll. A message already
// seen (by id or by sender|body|timestamp) is updated in place, never appended again.
func (r *Reconciler) ApplyMessage(m types.Message) Render {
	key := m.Key()

	r.mu.Lock()
	e, ok := r.byID[m.ID]
	if !ok || m.ID == "" {
		e, ok = r.byKey[key]
	}

	if !ok {
		e = &Entry{
			ID:        m.ID,
			Key:       key,
			From:      m.From,
			Message:   m.Message,
			Timestamp: m.Timestamp,
			Status:    m.Status,
			Reason:    m.Reason,
			Mine:      m.From == r.identity && m.Direction != "inbound",
			updatedAt: m.UpdatedAt,
		}
		r.entries = append(r.entries, e)
		r.byKey[key] = e
		if m.ID != "" {
			r.byID[m.ID] = e
		}
		if !e.Mine {
			r.unread++
		}
		out := *e
		r.mu.Unlock()
		return r.emit(Render{Kind: RenderAppend, Entry: out})
	}

	if m.ID != "" {
		if e.ID == "" {
			e.ID = m.ID
		}
		// A copy relayed under another id still resolves to this entry.
		r.byID[m.ID] = e
	}
	changed := r.advance(e, m.Status, m.Reason, m.UpdatedAt)
	out := *e
	r.mu.Unlock()

	if !changed {
		return Render{Kind: RenderNone, Entry: out}
	}
	return r.emit(Render{Kind: RenderUpdate, Entry: out})
}

// applyConfirm marks a message Confirmed. A confirm naming any other status is
// ignored; failures arrive as message events.
func (r *Reconciler) applyConfirm(c types.Confirm, at time.Time) Render {
	if c.Status != "" && c.Status != types.StatusConfirmed {
		return Render{Kind: RenderNone}
	}
	r.mu.Lock()
	e, ok := r.byID[c.ID]
	if !ok {
		r.mu.Unlock()
		// Not rendered yet; the next poll brings the full message.
		return Render{Kind: RenderNone}
	}
	changed := r.advance(e, types.StatusConfirmed, "", at)
	out := *e
	r.mu.Unlock()

	if !changed {
		return Render{Kind: RenderNone, Entry: out}
	}
	return r.emit(Render{Kind: RenderUpdate, Entry: out})
}

// advance applies a status seen at time at. The newer observation wins; on a
// tie, or when either side has no time, the status further along wins.
func (r *Reconciler) advance(e *Entry, status types.Status, reason string, at time.Time) bool {
	if status == "" || (status == e.Status && reason == e.Reason) {
		return false
	}
	switch {
	case !at.IsZero() && !e.updatedAt.IsZero() && at.Before(e.updatedAt):
		return false
	case at.IsZero() || e.updatedAt.IsZero() || at.Equal(e.updatedAt):
		if status.Rank() < e.Status.Rank() {
			return false
		}
	}
	e.Status = status
	e.Reason = reason
	if !at.IsZero() {
		e.updatedAt = at
	}
	return true
}

func (r *Reconciler) emit(out Render) Render {
	if r.onRender != nil {
		r.onRender(out)
	}
	return out
}

// Entries returns the rendered conversation in arrival order.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Unread counts messages from others since the last MarkRead.
func (r *Reconciler) Unread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

func (r *Reconciler) MarkRead() {
	r.mu.Lock()
	r.unread = 0
	r.mu.Unlock()
}

// Quality returns the last link snapshot. Syncing() on it drives the send button.
func (r *Reconciler) Quality() types.Quality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quality
}

// Poll fetches every message after the stored cursor and the current status.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.mu.Lock()
	cursor := r.cursor
	r.mu.Unlock()

	for {
		page, err := r.feed.Messages(ctx, cursor, r.pageSize)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			r.ApplyMessage(m)
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		if len(page.Messages) < r.pageSize {
			break
		}
	}

	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()

	q, err := r.feed.Status(ctx)
	if err != nil {
		return err
	}
	r.Apply(types.Event{Type: types.EventQuality, Quality: q})
	return nil
}

// Resync re-reads the conversation from the start so status changes on
// already-seen messages are picked up. Seen entries are updated, not duplicated.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	r.cursor = ""
	r.mu.Unlock()
	return r.Poll(ctx)
}

var errResync = errors.New("resync requested")

// Run keeps the mirror current until ctx is done. It prefers the push stream
// and falls back to polling every pollInterval while the stream is unavailable.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Resync(ctx); err != nil && ctx.Err() == nil {
		r.logger.WithError(err).Warn("Initial poll failed")
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if r.stream != nil {
			err := r.stream(ctx, func(ev types.Event) error {
				if r.Apply(ev).Kind == RenderResync {
					return errResync
				}
				return nil
			})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errResync) {
				if perr := r.Resync(ctx); perr != nil && ctx.Err() == nil {
					r.logger.WithError(perr).Warn("Resync poll failed")
				}
				continue
			}
			r.logger.WithError(err).Debug("Push stream unavailable, polling")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// Poll (from the start) so updates to seen messages are not missed while disconnected.
		if err := r.Resync(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Warn("Poll failed")
		}
	}
}
