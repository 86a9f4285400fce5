package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"lorachat/internal/delivery"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/events"
	"lorachat/internal/linkquality"
	"lorachat/internal/metrics"
	"lorachat/internal/models"
	"lorachat/internal/scheduler"
	"lorachat/internal/store"
	"lorachat/internal/tracing"
	"lorachat/internal/validation"
	"lorachat/pkg/circuitbreaker"
	"lorachat/pkg/radio"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// TelemetryLog persists link samples for diagnostics.
type TelemetryLog interface {
	RecordTelemetry(ctx context.Context, sample models.TelemetrySample, tier models.Tier) error
	DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RadioHealth is the radio adapter's breaker, fed with link tiers.
type RadioHealth interface {
	ObserveTier(tier models.Tier)
	State() circuitbreaker.State
}

// SubmitRequest is a locally authored message. CreatedAt and Checksum are optional.
type SubmitRequest struct {
	Sender    string `json:"from"`
	Body      string `json:"message"`
	CreatedAt int64  `json:"timestamp,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// Relay ties the store, scheduler and link tracker together and is the entry
// point for the API, the radio inbox and the reliable channel.
type Relay struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	tracker   *linkquality.Tracker
	assembler *radio.Assembler
	pub       events.Publisher
	telemetry TelemetryLog
	health    RadioHealth
	reliable  bool
	logger    *logrus.Logger
	now       func() time.Time
}

// Option customizes a Relay.
type Option func(*Relay)

// WithTelemetryLog records every observed sample.
func WithTelemetryLog(l TelemetryLog) Option {
	return func(r *Relay) { r.telemetry = l }
}

// WithRadioHealth lets telemetry recover a degraded radio.
func WithRadioHealth(h RadioHealth) Option {
	return func(r *Relay) { r.health = h }
}

// WithReliableChannel requests a flush on every submit.
func WithReliableChannel(enabled bool) Option {
	return func(r *Relay) { r.reliable = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// NewRelay wires the tracker's tier transitions into the scheduler and the event hub.
func NewRelay(st *store.Store, sched *scheduler.Scheduler, tracker *linkquality.Tracker, assembler *radio.Assembler,
	pub events.Publisher, logger *logrus.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:     st,
		sched:     sched,
		tracker:   tracker,
		assembler: assembler,
		pub:       pub,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	tracker.SetTransitionFunc(r.onTierChange)
	return r
}

// Restore loads persisted messages and re-enqueues outbound Pending ones.
func (r *Relay) Restore(ctx context.Context) error {
	ids, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.sched.Enqueue(id)
	}
	if len(ids) > 0 {
		r.sched.RequestFlush()
	}
	return nil
}

// Submit creates an outbound message and queues it. A client-supplied checksum
// must match the server digest. created=false means an identical message exists.
func (r *Relay) Submit(ctx context.Context, req SubmitRequest) (*models.Message, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.submit")
	defer span.End()

	createdAt := req.CreatedAt
	if createdAt == 0 {
		createdAt = r.now().UnixMilli()
	}
	if req.Checksum != "" {
		if err := validation.ValidateSender(req.Sender); err != nil {
			return nil, false, err
		}
		if err := validation.ValidateBody(req.Body); err != nil {
			return nil, false, err
		}
		probe := &models.Message{Sender: req.Sender, Body: req.Body, CreatedAt: createdAt}
		if err := r.store.Codec().Verify(probe, req.Checksum); err != nil {
			return nil, false, err
		}
	}

	msg, created, err := r.store.CreateAt(ctx, req.Sender, req.Body, createdAt)
	if err != nil {
		return nil, false, err
	}
	span.SetAttributes(attribute.String("message.id", msg.ID), attribute.Bool("message.created", created))

	if created {
		r.sched.Enqueue(msg.ID)
		if r.reliable {
			r.sched.RequestFlush()
		}
		r.logger.WithFields(MessageFields(ctx, msg)).Info("Accepted outbound message")
	}
	return msg, created, nil
}

// Retry moves an Error message back to Pending and re-queues it.
func (r *Relay) Retry(ctx context.Context, id string) (*models.Message, error) {
	msg, err := r.store.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	r.sched.Enqueue(msg.ID)
	if r.reliable {
		r.sched.RequestFlush()
	}
	r.logger.WithFields(logrus.Fields{LogFieldMessageID: id, LogFieldAttempt: msg.Attempts + 1}).Info("Message queued for retry")
	return msg, nil
}

// Confirm applies a downstream confirmation carrying the acknowledged checksum.
func (r *Relay) Confirm(ctx context.Context, id, sum string) (*models.Message, bool, error) {
	msg, changed, err := r.store.Confirm(ctx, id, sum)
	if err != nil && apperrors.Is(err, apperrors.ErrCodeIntegrity) {
		r.logger.WithFields(logrus.Fields{LogFieldMessageID: id, LogFieldReason: models.ReasonChecksumMismatch}).
			Warn("Confirmation checksum does not match message")
	}
	return msg, changed, err
}

// HandleConfirm is Confirm with a receipt, for peer transports.
func (r *Relay) HandleConfirm(ctx context.Context, req models.ConfirmRequest) (models.Receipt, error) {
	msg, _, err := r.Confirm(ctx, req.ID, req.Checksum)
	if err != nil {
		return models.Receipt{}, err
	}
	return receiptFor(msg, false), nil
}

// Fail records a failure reported by the downstream side. A Pending message
// fails delivery with reason; a Sent message fails as a checksum mismatch or a
// missing confirmation.
func (r *Relay) Fail(ctx context.Context, id, reason string) (*models.Message, error) {
	cur, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	u := store.Update{Event: delivery.EventDeliveryFailed, Reason: reason}
	if cur.Status == models.StatusSent {
		u = store.Update{Event: delivery.EventConfirmationTimeout}
		if reason == models.ReasonChecksumMismatch {
			u.Event = delivery.EventChecksumMismatch
		}
	}
	if u.Reason == "" {
		u.Reason = models.ReasonTransportFailed
	}
	msg, _, err := r.store.UpdateStatus(ctx, id, u)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// HandleReliableInbound stores a message pushed by a peer relay.
func (r *Relay) HandleReliableInbound(ctx context.Context, in models.InboundMessage) (models.Receipt, error) {
	in.Transport = models.TransportReliable
	msg, created, err := r.store.Ingest(ctx, in)
	if err != nil {
		return models.Receipt{}, err
	}
	if created {
		r.logger.WithFields(MessageFields(ctx, msg)).Info("Stored inbound message")
	}
	return receiptFor(msg, created), nil
}

// HandleInboundFrame feeds one raw radio frame through reassembly. Complete
// envelopes are ingested, acks confirm the message they name.
func (r *Relay) HandleInboundFrame(ctx context.Context, raw []byte) error {
	kind := frameKind(raw)
	res, err := r.assembler.Accept(raw, r.now())
	if err != nil {
		metrics.RecordInboundFrame(kind, "rejected")
		r.logger.WithError(err).WithField(LogFieldFrameKind, kind).Warn("Rejected radio frame")
		if errors.Is(err, radio.ErrTextChecksum) {
			return apperrors.New(apperrors.ErrCodeIntegrity, err.Error()).WithContext("reason", models.ReasonChecksumMismatch)
		}
		return apperrors.NewValidationError("frame", "", err.Error())
	}

	switch {
	case res.Ack != nil:
		_, _, err := r.Confirm(ctx, res.Ack.ID, res.Ack.Checksum)
		if err != nil {
			metrics.RecordInboundFrame(kind, "rejected")
			if apperrors.Is(err, apperrors.ErrCodeNotFound) {
				r.logger.WithField(LogFieldMessageID, res.Ack.ID).Debug("Ack for unknown message")
				return nil
			}
			return err
		}
		metrics.RecordInboundFrame(kind, "ok")
		return nil

	case res.Envelope != nil:
		env := res.Envelope
		in := models.InboundMessage{
			ID:        env.ID,
			Sender:    env.Sender,
			Body:      env.Body,
			CreatedAt: env.CreatedAt,
			Checksum:  env.Checksum,
			Transport: models.TransportRadio,
		}
		if env.Legacy {
			// Text frames carry only a frame checksum, already verified.
			in.Checksum = r.store.Codec().Sum(env.Sender, env.Body, env.CreatedAt)
		}
		msg, created, err := r.store.Ingest(ctx, in)
		if err != nil {
			metrics.RecordInboundFrame(kind, "rejected")
			apperrors.LogError(r.logger, err, "Failed to ingest radio message", logrus.Fields{LogFieldFrameKind: kind})
			return err
		}
		metrics.RecordInboundFrame(kind, "ok")
		if created {
			r.logger.WithFields(MessageFields(ctx, msg)).Info("Stored inbound message")
		}
		return nil
	}

	metrics.RecordInboundFrame(kind, "partial")
	return nil
}

// ExpireFragments drops partial radio messages that stopped receiving chunks.
func (r *Relay) ExpireFragments() int {
	dropped := r.assembler.Expire(r.now())
	if len(dropped) > 0 {
		r.logger.WithField(LogFieldCount, len(dropped)).Debug("Dropped incomplete radio messages")
	}
	return len(dropped)
}

// ObserveTelemetry records a link sample and returns its tier.
func (r *Relay) ObserveTelemetry(ctx context.Context, sample models.TelemetrySample) models.Tier {
	if sample.At.IsZero() {
		sample.At = r.now()
	}
	if sample.Mode == "" {
		sample.Mode = models.SampleModeTelemetry
	}
	tier := r.tracker.Observe(sample)

	if sample.Mode == models.SampleModeTelemetry {
		metrics.SetRadioSignal(sample.RSSI, sample.SNR)
	}
	if r.health != nil {
		r.health.ObserveTier(tier)
	}
	if r.telemetry != nil {
		if err := r.telemetry.RecordTelemetry(ctx, sample, tier); err != nil {
			r.logger.WithError(err).Warn("Failed to record telemetry sample")
		}
	}
	return tier
}

// WatchLink re-evaluates the tier so a stale link is reported as offline
// even when no sample arrives.
func (r *Relay) WatchLink(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tracker.Current()
		}
	}
}

// Status reports link quality and queue backpressure.
func (r *Relay) Status() events.QualityPayload {
	reading, fresh := r.tracker.Latest()
	tier := r.tracker.Current()
	return r.qualityPayload(tier, reading, fresh)
}

// Message returns one message by id.
func (r *Relay) Message(id string) (*models.Message, error) {
	return r.store.Get(id)
}

// Messages pages through the conversation in (createdAt, id) order.
func (r *Relay) Messages(cursor string, limit int) ([]*models.Message, string, error) {
	return r.store.ListSince(cursor, limit)
}

// Checksum mints the digest the relay expects for a message.
func (r *Relay) Checksum(sender, body string, createdAt int64) string {
	return r.store.Codec().Sum(sender, body, createdAt)
}

// Sync asks the scheduler to flush. With wait the flush runs on the caller's
// context and a concurrent flush is reported as FLUSH_IN_PROGRESS.
func (r *Relay) Sync(ctx context.Context, wait bool) (events.QualityPayload, error) {
	if !wait {
		r.sched.RequestFlush()
		return r.Status(), nil
	}
	res, err := r.sched.Flush(ctx)
	if err != nil {
		return r.Status(), err
	}
	r.logger.WithFields(logrus.Fields{
		"delivered": res.Delivered,
		"failed":    res.Failed,
		"remaining": res.Remaining,
	}).Debug("Synchronous flush finished")
	return r.Status(), nil
}

// CleanupOldRecords drops terminal messages and telemetry older than retentionDays.
func (r *Relay) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	removed, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	var samples int64
	if r.telemetry != nil {
		samples, err = r.telemetry.DeleteTelemetryBefore(ctx, cutoff)
		if err != nil {
			return apperrors.NewDatabaseError("prune telemetry", err)
		}
	}
	r.logger.WithFields(logrus.Fields{
		"messages":  removed,
		"telemetry": samples,
		"cutoff":    cutoff,
	}).Info("Pruned old records")
	return nil
}

func (r *Relay) onTierChange(from, to models.Tier, reading linkquality.Reading) {
	metrics.SetLinkTier(to.Rank())
	r.logger.WithFields(logrus.Fields{
		"from":       from,
		LogFieldTier: to,
	}).Info("Link tier changed")

	r.sched.OnTierChange(from, to)
	r.pub.Publish(events.QualityEvent(r.qualityPayload(to, reading, to != models.TierOffline)))
}

func (r *Relay) qualityPayload(tier models.Tier, reading linkquality.Reading, fresh bool) events.QualityPayload {
	snap := r.sched.Snapshot()
	q := events.QualityPayload{
		Tier:       tier,
		QueueDepth: snap.QueueDepth,
		Busy:       snap.Busy,
	}
	if r.health != nil {
		q.RadioState = strings.ToLower(r.health.State().String())
	}
	if !reading.Sample.At.IsZero() {
		at := reading.Sample.At
		q.SampleAt = &at
	}
	if fresh && reading.Sample.Mode == models.SampleModeTelemetry {
		rssi, snr := reading.Sample.RSSI, reading.Sample.SNR
		q.RSSI = &rssi
		q.SNR = &snr
	}
	return q
}

func receiptFor(msg *models.Message, created bool) models.Receipt {
	return models.Receipt{ID: msg.ID, Status: msg.Status, Checksum: msg.Checksum, Created: created}
}

func frameKind(raw []byte) string {
	switch {
	case radio.IsText(raw):
		return "text"
	case len(raw) > 0 && raw[0] == radio.KindAck:
		return "ack"
	default:
		return "chunk"
	}
}
