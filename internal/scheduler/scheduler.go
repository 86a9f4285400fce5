// Package scheduler drains the outbound queue through the transport adapters.
// At most one flush runs at a time; the radio is only used when the link tier allows it.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lorachat/internal/delivery"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/metrics"
	"lorachat/internal/models"
	"lorachat/internal/store"
	"lorachat/internal/tracing"
	"lorachat/internal/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Flush triggers, used as metric labels.
const (
	TriggerTicker  = "ticker"
	TriggerTier    = "tier"
	TriggerRequest = "request"
	TriggerManual  = "manual"
)

const (
	defaultFlushInterval  = 5 * time.Second
	defaultDeliverTimeout = 30 * time.Second
)

// MessageStore is the part of the store the scheduler drives.
type MessageStore interface {
	Get(id string) (*models.Message, error)
	UpdateStatus(ctx context.Context, id string, u store.Update) (*models.Message, bool, error)
	Confirm(ctx context.Context, id, sum string) (*models.Message, bool, error)
}

// TierSource reports the current link tier.
type TierSource interface {
	Current() models.Tier
}

// Status is the advisory backpressure signal exposed to clients.
type Status struct {
	QueueDepth  int        `json:"queueDepth"`
	Busy        bool       `json:"busy"`
	LastFlushAt *time.Time `json:"lastFlushAt,omitempty"`
}

// Result summarizes one flush.
type Result struct {
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Gated     bool `json:"gated"`
}

// Scheduler owns the FIFO of pending message ids.
type Scheduler struct {
	store          MessageStore
	reliable       transport.Adapter
	radio          transport.Adapter
	tiers          TierSource
	interval       time.Duration
	deliverTimeout time.Duration
	observe        func(models.TelemetrySample)
	logger         *logrus.Logger
	now            func() time.Time

	mu        sync.Mutex
	queue     []string
	queued    map[string]struct{}
	lastFlush time.Time

	busy    atomic.Bool
	trigger chan string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithReliable enables the reliable channel. Every pending message goes through it.
func WithReliable(a transport.Adapter) Option {
	return func(s *Scheduler) { s.reliable = a }
}

// WithTelemetryObserver receives samples returned by adapters.
func WithTelemetryObserver(fn func(models.TelemetrySample)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(st MessageStore, radio transport.Adapter, tiers TierSource, cfg models.SchedulerConfig, logger *logrus.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          st,
		radio:          radio,
		tiers:          tiers,
		interval:       time.Duration(cfg.FlushIntervalSec) * time.Second,
		deliverTimeout: time.Duration(cfg.DeliverTimeoutSec) * time.Second,
		logger:         logger,
		now:            time.Now,
		queued:         make(map[string]struct{}),
		trigger:        make(chan string, 1),
	}
	if s.interval <= 0 {
		s.interval = defaultFlushInterval
	}
	if s.deliverTimeout <= 0 {
		s.deliverTimeout = defaultDeliverTimeout
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends id to the queue. An id already queued keeps its position.
func (s *Scheduler) Enqueue(id string) {
	s.mu.Lock()
	if _, ok := s.queued[id]; !ok {
		s.queued[id] = struct{}{}
		s.queue = append(s.queue, id)
	}
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.SetQueueState(depth, s.busy.Load())
}

// RequestFlush asks Run to flush soon. It never blocks.
func (s *Scheduler) RequestFlush() {
	s.requestFlush(TriggerRequest)
}

func (s *Scheduler) requestFlush(trigger string) {
	select {
	case s.trigger <- trigger:
	default:
	}
}

// OnTierChange requests a flush when the link improves into a radio-capable tier.
func (s *Scheduler) OnTierChange(from, to models.Tier) {
	if to.AllowsRadio() && !from.AllowsRadio() {
		s.requestFlush(TriggerTier)
	}
}

// Snapshot returns queue depth and busy state.
func (s *Scheduler) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{QueueDepth: len(s.queue), Busy: s.busy.Load()}
	if !s.lastFlush.IsZero() {
		t := s.lastFlush
		st.LastFlushAt = &t
	}
	return st
}

// Depth returns the queue length.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run flushes on the ticker and on requested triggers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"flush_interval":  s.interval,
		"deliver_timeout": s.deliverTimeout,
		"reliable":        s.reliable != nil,
	}).Info("Starting sync scheduler")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
			s.runFlush(ctx, TriggerTicker)
		case trigger := <-s.trigger:
			s.runFlush(ctx, trigger)
		}
	}
}

func (s *Scheduler) runFlush(ctx context.Context, trigger string) {
	if s.Depth() == 0 {
		return
	}
	res, err := s.flush(ctx, trigger)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeFlushInProgress) {
			s.logger.WithError(err).WithField("trigger", trigger).Warn("Flush failed")
		}
		return
	}
	if res.Delivered+res.Failed > 0 || res.Gated {
		s.logger.WithFields(logrus.Fields{
			"trigger":   trigger,
			"delivered": res.Delivered,
			"failed":    res.Failed,
			"remaining": res.Remaining,
			"gated":     res.Gated,
		}).Info("Flush completed")
	}
}

// Flush drains the queue once. It returns a FLUSH_IN_PROGRESS error when
// another flush is running.
func (s *Scheduler) Flush(ctx context.Context) (Result, error) {
	return s.flush(ctx, TriggerManual)
}

func (s *Scheduler) flush(ctx context.Context, trigger string) (Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.RecordFlush(trigger, "busy")
		return Result{}, apperrors.NewFlushInProgressError(s.Depth())
	}
	defer func() {
		s.busy.Store(false)
		s.mu.Lock()
		s.lastFlush = s.now().UTC()
		depth := len(s.queue)
		s.mu.Unlock()
		metrics.SetQueueState(depth, false)
	}()
	metrics.SetQueueState(s.Depth(), true)

	ctx, span := tracing.StartSpan(ctx, "scheduler.flush", attribute.String("flush.trigger", trigger))
	defer span.End()

	var res Result
	for ctx.Err() == nil {
		id, ok := s.peek()
		if !ok {
			break
		}
		adapter := s.pick()
		if adapter == nil {
			res.Gated = true
			break
		}
		s.pop(id)

		switch s.deliver(ctx, adapter, id) {
		case outcomeDelivered:
			res.Delivered++
		case outcomeFailed:
			res.Failed++
		case outcomeInterrupted:
			s.requeueFront(id)
		}
	}
	res.Remaining = s.Depth()

	span.SetAttributes(
		attribute.Int("flush.delivered", res.Delivered),
		attribute.Int("flush.failed", res.Failed),
		attribute.Int("flush.remaining", res.Remaining),
		attribute.Bool("flush.gated", res.Gated),
	)
	result := "ok"
	if res.Gated {
		result = "gated"
	}
	metrics.RecordFlush(trigger, result)
	return res, nil
}

// pick returns the adapter for the head of the queue, or nil when the radio is gated.
// An enabled reliable channel is always used; its failures never fall back to the radio.
func (s *Scheduler) pick() transport.Adapter {
	if s.reliable != nil {
		return s.reliable
	}
	if s.radio != nil && s.tiers.Current().AllowsRadio() {
		return s.radio
	}
	return nil
}

func (s *Scheduler) peek() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0], true
}

func (s *Scheduler) pop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 && s.queue[0] == id {
		s.queue = s.queue[1:]
		delete(s.queued, id)
	}
}

func (s *Scheduler) requeueFront(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; ok {
		return
	}
	s.queued[id] = struct{}{}
	s.queue = append([]string{id}, s.queue...)
}

type deliverOutcome int

const (
	outcomeSkipped deliverOutcome = iota
	outcomeDelivered
	outcomeFailed
	outcomeInterrupted
)

func (s *Scheduler) deliver(ctx context.Context, adapter transport.Adapter, id string) deliverOutcome {
	msg, err := s.store.Get(id)
	if err != nil {
		s.logger.WithField("message_id", id).Debug("Dropping queued id with no record")
		return outcomeSkipped
	}
	if msg.Status != models.StatusPending {
		return outcomeSkipped
	}

	ctx, span := tracing.StartSpan(ctx, "transport.deliver",
		attribute.String("message.id", id),
		attribute.String("transport", adapter.Name()))
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, s.deliverTimeout)
	start := s.now()
	out := adapter.Deliver(dctx, msg)
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := s.now().Sub(start)

	if out.Telemetry != nil && s.observe != nil {
		s.observe(*out.Telemetry)
	}

	log := s.logger.WithFields(logrus.Fields{
		"message_id": id,
		"transport":  adapter.Name(),
	})

	if !out.OK {
		if ctx.Err() != nil {
			// Shutting down; the message stays Pending for the next start.
			return outcomeInterrupted
		}
		reason := reasonOf(out.Err)
		if timedOut {
			reason = models.ReasonDeliverTimeout
		}
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, reason)
		metrics.RecordDelivery(adapter.Name(), "failed", elapsed)
		log.WithError(out.Err).WithField("reason", reason).Warn("Delivery failed")

		if _, _, err := s.store.UpdateStatus(ctx, id, store.Update{
			Event:     delivery.EventDeliveryFailed,
			Reason:    reason,
			Transport: adapter.Name(),
			Attempted: true,
		}); err != nil {
			apperrors.LogError(log, err, "Failed to record delivery failure")
		}
		return outcomeFailed
	}

	metrics.RecordDelivery(adapter.Name(), "ok", elapsed)
	if _, _, err := s.store.UpdateStatus(ctx, id, store.Update{
		Event:     delivery.EventDelivered,
		Transport: adapter.Name(),
		RemoteID:  out.RemoteID,
		Attempted: true,
	}); err != nil {
		apperrors.LogError(log, err, "Failed to record delivery")
		return outcomeDelivered
	}

	if out.Ack != nil {
		if _, _, err := s.store.Confirm(ctx, id, out.Ack.Checksum); err != nil {
			span.SetStatus(codes.Error, models.ReasonChecksumMismatch)
			apperrors.LogError(log, err, "Acknowledgement rejected")
		}
	}
	return outcomeDelivered
}

func reasonOf(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		if r, ok := appErr.Context["reason"].(string); ok && r != "" {
			return r
		}
	}
	return models.ReasonTransportFailed
}
