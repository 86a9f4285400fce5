// Package store holds the authoritative set of messages and applies status transitions to them.
package store

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lorachat/internal/checksum"
	"lorachat/internal/constants"
	"lorachat/internal/dedup"
	"lorachat/internal/delivery"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/events"
	"lorachat/internal/metrics"
	"lorachat/internal/models"
	"lorachat/internal/validation"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Repository persists messages. Implementations must upsert on Save.
type Repository interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	LoadMessages(ctx context.Context) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
}

// Update describes a status event and the bookkeeping that travels with it.
type Update struct {
	Event     delivery.Event
	Reason    string
	Transport string
	RemoteID  string
	// Attempted marks an adapter call; it bumps Attempts and records Transport.
	Attempted bool
}

type orderKey struct {
	createdAt int64
	id        string
}

func (k orderKey) less(o orderKey) bool {
	if k.createdAt != o.createdAt {
		return k.createdAt < o.createdAt
	}
	return k.id < o.id
}

// Store is safe for concurrent use. Records are copy-on-write: a mutation
// builds a new *Message under the record's lock and swaps it into the index.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*models.Message
	ordered []orderKey

	locks   lockTable
	dedup   *dedup.Index
	codec   *checksum.Codec
	pub     events.Publisher
	repo    Repository
	logger  *logrus.Logger
	now     func() time.Time
	entropy io.Reader
	idMu    sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithRepository enables write-through persistence.
func WithRepository(repo Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(idx *dedup.Index, codec *checksum.Codec, pub events.Publisher, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		byID:    make(map[string]*models.Message),
		locks:   lockTable{entries: make(map[string]*lockEntry)},
		dedup:   idx,
		codec:   codec,
		pub:     pub,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Codec returns the checksum codec the store stamps messages with.
func (s *Store) Codec() *checksum.Codec {
	return s.codec
}

func (s *Store) newID(at time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// Create stores a new outbound message stamped with the current time.
func (s *Store) Create(ctx context.Context, sender, body string) (*models.Message, bool, error) {
	return s.CreateAt(ctx, sender, body, s.now().UnixMilli())
}

// CreateAt stores an outbound message with a client-supplied logical timestamp.
// If the dedup key is already registered the existing record is returned with created=false.
func (s *Store) CreateAt(ctx context.Context, sender, body string, createdAt int64) (*models.Message, bool, error) {
	if err := validateFields(sender, body, createdAt); err != nil {
		metrics.RecordMessage(string(models.DirectionOutbound), "rejected")
		return nil, false, err
	}

	now := s.now()
	msg := &models.Message{
		ID:        s.newID(now),
		Sender:    sender,
		Body:      body,
		CreatedAt: createdAt,
		Status:    models.StatusPending,
		Direction: models.DirectionOutbound,
		UpdatedAt: now.UTC(),
	}
	msg.Checksum = s.codec.SumMessage(msg)

	existing, created, err := s.insert(ctx, msg, msg.DedupKey())
	if err != nil {
		return nil, false, err
	}
	if !created {
		metrics.RecordMessage(string(models.DirectionOutbound), "duplicate")
		return existing, false, nil
	}
	metrics.RecordMessage(string(models.DirectionOutbound), "created")
	return msg.Clone(), true, nil
}

// insert claims the dedup keys, persists and indexes msg. On a key collision it returns the owner.
func (s *Store) insert(ctx context.Context, msg *models.Message, keys ...string) (*models.Message, bool, error) {
	// Serialize creators of the same key so a loser always finds the winner indexed.
	unlock := s.locks.lock("key:" + keys[0])
	defer unlock()

	if !s.dedup.Register(keys[0], msg.ID) {
		existingID, _ := s.dedup.Lookup(keys[0])
		existing, err := s.Get(existingID)
		if err != nil {
			return nil, false, err
		}
		if !models.SameContent(existing, msg) {
			s.logger.WithFields(logrus.Fields{
				"message_id":  msg.ID,
				"existing_id": existing.ID,
			}).Error("Dedup key owned by a different message")
			return nil, false, apperrors.New(apperrors.ErrCodeInternalError, "dedup key collision")
		}
		return existing, false, nil
	}
	for _, k := range keys[1:] {
		s.dedup.Register(k, msg.ID)
	}

	if s.repo != nil {
		if err := s.repo.SaveMessage(ctx, msg); err != nil {
			for _, k := range keys {
				s.dedup.Release(k, msg.ID)
			}
			return nil, false, apperrors.NewDatabaseError("insert message", err)
		}
	}

	s.mu.Lock()
	s.byID[msg.ID] = msg
	s.insertOrdered(orderKey{msg.CreatedAt, msg.ID})
	s.mu.Unlock()

	s.pub.Publish(events.MessageEvent(msg))
	if msg.Status == models.StatusConfirmed {
		s.pub.Publish(events.ConfirmEvent(msg))
	}
	return msg, true, nil
}

func (s *Store) insertOrdered(k orderKey) {
	i := sort.Search(len(s.ordered), func(i int) bool { return k.less(s.ordered[i]) })
	s.ordered = append(s.ordered, orderKey{})
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = k
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (*models.Message, error) {
	s.mu.RLock()
	msg, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("message", id)
	}
	return msg.Clone(), nil
}

// FindByKey resolves a dedup key to its message.
func (s *Store) FindByKey(key string) (*models.Message, bool) {
	id, ok := s.dedup.Lookup(key)
	if !ok {
		return nil, false
	}
	msg, err := s.Get(id)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// UpdateStatus applies u to the message. It returns changed=false for a repeated
// confirmation of a confirmed message; a disallowed event leaves the record untouched.
func (s *Store) UpdateStatus(ctx context.Context, id string, u Update) (*models.Message, bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, apperrors.NewNotFoundError("message", id)
	}

	if delivery.IsDuplicateConfirm(cur.Status, u.Event) {
		return cur.Clone(), false, nil
	}

	to, err := delivery.Next(cur.Status, u.Event)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"message_id": id,
			"from":       cur.Status,
			"event":      u.Event,
		}).Warn("Rejected status transition")
		return cur.Clone(), false, err
	}

	now := s.now().UTC()
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = now
	if u.Attempted {
		next.Attempts++
		next.TransportUsed = u.Transport
	}
	if u.RemoteID != "" {
		next.RemoteID = u.RemoteID
	}
	switch to {
	case models.StatusSent:
		next.SentAt = &now
		next.Reason = ""
	case models.StatusError:
		next.Reason = delivery.ReasonFor(u.Event, u.Reason)
	case models.StatusPending:
		next.TransportUsed = ""
		next.Reason = ""
		next.SentAt = nil
	case models.StatusConfirmed:
		next.Reason = ""
	}

	s.mu.Lock()
	s.byID[id] = next
	s.mu.Unlock()

	s.persist(ctx, next)
	metrics.RecordTransition(string(cur.Status), string(to), next.Reason)

	s.pub.Publish(events.MessageEvent(next))
	if to == models.StatusConfirmed {
		s.pub.Publish(events.ConfirmEvent(next))
	}
	return next.Clone(), true, nil
}

// Retry moves an Error message back to Pending, clearing its transport and reason.
func (s *Store) Retry(ctx context.Context, id string) (*models.Message, error) {
	msg, _, err := s.UpdateStatus(ctx, id, Update{Event: delivery.EventRetry})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Confirm applies a downstream acknowledgement. A checksum that matches the
// record confirms it; a mismatch moves it to Error(checksum-mismatch) and the
// integrity error is returned with the updated record.
func (s *Store) Confirm(ctx context.Context, id, sum string) (*models.Message, bool, error) {
	cur, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}

	if verr := s.codec.Verify(cur, sum); verr != nil {
		msg, changed, err := s.UpdateStatus(ctx, id, Update{Event: delivery.EventChecksumMismatch})
		if err != nil {
			return cur, false, verr
		}
		return msg, changed, verr
	}
	return s.UpdateStatus(ctx, id, Update{Event: delivery.EventConfirmed})
}

// persist writes through to the repository. The in-memory record stays authoritative
// on failure; the next successful save of the record supersedes it.
func (s *Store) persist(ctx context.Context, msg *models.Message) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		apperrors.LogError(s.logger, apperrors.NewDatabaseError("update message", err), "Failed to persist message",
			logrus.Fields{"message_id": msg.ID, "status": msg.Status})
	}
}

// ParseCursor splits a "createdAt:id" cursor. The empty cursor means the beginning.
func ParseCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	ts, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", apperrors.NewValidationError("cursor", cursor, "must be createdAt:id")
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", apperrors.NewValidationError("cursor", cursor, "createdAt must be an integer")
	}
	return createdAt, id, nil
}

// ListSince returns messages strictly after cursor, ordered by createdAt then id,
// and the cursor of the last message returned (or the input cursor when empty).
func (s *Store) ListSince(cursor string, limit int) ([]*models.Message, string, error) {
	createdAt, id, err := ParseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = constants.DefaultListLimit
	}
	if limit > constants.MaxListLimit {
		limit = constants.MaxListLimit
	}

	after := orderKey{createdAt, id}
	s.mu.RLock()
	start := 0
	if cursor != "" {
		start = sort.Search(len(s.ordered), func(i int) bool { return after.less(s.ordered[i]) })
	}
	end := start + limit
	if end > len(s.ordered) {
		end = len(s.ordered)
	}
	out := make([]*models.Message, 0, end-start)
	for _, k := range s.ordered[start:end] {
		out = append(out, s.byID[k.id].Clone())
	}
	s.mu.RUnlock()

	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Cursor()
	}
	return out, next, nil
}

// Ingest records a message received from a peer. The checksum must verify.
// A message whose identity is already known is not stored again; if it is the
// radio echo of our own Sent message, that message is confirmed instead.
func (s *Store) Ingest(ctx context.Context, in models.InboundMessage) (*models.Message, bool, error) {
	if err := validateFields(in.Sender, in.Body, in.CreatedAt); err != nil {
		metrics.RecordMessage(string(models.DirectionInbound), "rejected")
		return nil, false, err
	}

	now := s.now()
	msg := &models.Message{
		ID:            s.newID(now),
		Sender:        in.Sender,
		Body:          in.Body,
		CreatedAt:     in.CreatedAt,
		Checksum:      s.codec.Sum(in.Sender, in.Body, in.CreatedAt),
		Status:        models.StatusConfirmed,
		Direction:     models.DirectionInbound,
		TransportUsed: in.Transport,
		RemoteID:      in.ID,
		UpdatedAt:     now.UTC(),
	}
	if err := s.codec.Verify(msg, in.Checksum); err != nil {
		metrics.RecordMessage(string(models.DirectionInbound), "rejected")
		return nil, false, err
	}

	keys := []string{msg.DedupKey()}
	if in.ID != "" {
		existing, ok := s.FindByKey(models.IDKey(in.ID))
		if !ok {
			if own, err := s.Get(in.ID); err == nil {
				existing, ok = own, true
			}
		}
		switch {
		case !ok:
			keys = append(keys, models.IDKey(in.ID))
		case models.SameContent(existing, msg):
			return s.absorbEcho(ctx, existing)
		default:
			// The id is taken by other content; store this one under its content key only.
			s.logger.WithFields(logrus.Fields{
				"remote_id":   in.ID,
				"existing_id": existing.ID,
			}).Warn("Inbound message reuses a known id with different content")
		}
	}
	existing, created, err := s.insert(ctx, msg, keys...)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return s.absorbEcho(ctx, existing)
	}
	metrics.RecordMessage(string(models.DirectionInbound), "created")
	return msg.Clone(), true, nil
}

func (s *Store) absorbEcho(ctx context.Context, existing *models.Message) (*models.Message, bool, error) {
	metrics.RecordMessage(string(models.DirectionInbound), "duplicate")
	if existing.Direction == models.DirectionOutbound && existing.Status == models.StatusSent {
		confirmed, _, err := s.UpdateStatus(ctx, existing.ID, Update{Event: delivery.EventConfirmed})
		if err != nil {
			return existing, false, nil
		}
		return confirmed, false, nil
	}
	return existing, false, nil
}

// Load restores persisted messages and their dedup keys. It returns the ids of
// outbound Pending messages, oldest first, for re-enqueueing.
func (s *Store) Load(ctx context.Context) ([]string, error) {
	if s.repo == nil {
		return nil, nil
	}
	msgs, err := s.repo.LoadMessages(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load messages", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return models.Less(msgs[i], msgs[j]) })

	var pending []string
	s.mu.Lock()
	for _, m := range msgs {
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		s.byID[m.ID] = m
		s.ordered = append(s.ordered, orderKey{m.CreatedAt, m.ID})
		s.dedup.Register(m.DedupKey(), m.ID)
		if m.RemoteID != "" && m.Direction == models.DirectionInbound {
			s.dedup.Register(models.IDKey(m.RemoteID), m.ID)
		}
		if m.Direction == models.DirectionOutbound && m.Status == models.StatusPending {
			pending = append(pending, m.ID)
		}
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].less(s.ordered[j]) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"messages": len(msgs),
		"pending":  len(pending),
	}).Info("Restored messages from database")
	return pending, nil
}

// SentBefore returns outbound messages in Sent whose SentAt is older than cutoff.
func (s *Store) SentBefore(cutoff time.Time) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, m := range s.byID {
		if m.Status == models.StatusSent && m.SentAt != nil && m.SentAt.Before(cutoff) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// CountByStatus returns the number of messages in each status.
func (s *Store) CountByStatus() map[models.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.Status]int, 4)
	for _, m := range s.byID {
		counts[m.Status]++
	}
	return counts
}

// DeleteOlderThan removes terminal messages last updated before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	victims := make(map[string]struct{})
	ids := make([]string, 0)
	for id, m := range s.byID {
		if delivery.IsTerminal(m.Status) && m.UpdatedAt.Before(cutoff) {
			victims[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	if len(ids) == 0 {
		return 0, nil
	}

	if s.repo != nil {
		if err := s.repo.DeleteMessages(ctx, ids); err != nil {
			return 0, apperrors.NewDatabaseError("delete messages", err)
		}
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(s.byID, id)
	}
	kept := s.ordered[:0]
	for _, k := range s.ordered {
		if _, gone := victims[k.id]; !gone {
			kept = append(kept, k)
		}
	}
	s.ordered = kept
	s.mu.Unlock()

	s.dedup.Forget(victims)
	return len(ids), nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func validateFields(sender, body string, createdAt int64) error {
	if err := validation.ValidateSender(sender); err != nil {
		return err
	}
	if err := validation.ValidateBody(body); err != nil {
		return err
	}
	return validation.ValidateCreatedAt(createdAt)
}
