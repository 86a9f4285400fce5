package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lorachat/internal/checksum"
	"lorachat/internal/dedup"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/events"
	"lorachat/internal/models"
	"lorachat/internal/store"
	"lorachat/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestStore(opts ...store.Option) *store.Store {
	return store.New(dedup.New(), checksum.New(""), nopPublisher{}, testLogger(), opts...)
}

type fixedTier struct {
	mu   sync.Mutex
	tier models.Tier
}

func (f *fixedTier) Current() models.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

func (f *fixedTier) set(t models.Tier) {
	f.mu.Lock()
	f.tier = t
	f.mu.Unlock()
}

// fakeAdapter records deliveries and answers with the result of fn.
type fakeAdapter struct {
	name      string
	mu        sync.Mutex
	delivered []string
	inFlight  int32
	maxFlight int32
	fn        func(ctx context.Context, msg *models.Message) transport.Outcome
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Deliver(ctx context.Context, msg *models.Message) transport.Outcome {
	n := atomic.AddInt32(&a.inFlight, 1)
	defer atomic.AddInt32(&a.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&a.maxFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&a.maxFlight, cur, n) {
			break
		}
	}

	a.mu.Lock()
	a.delivered = append(a.delivered, msg.ID)
	a.mu.Unlock()

	if a.fn != nil {
		return a.fn(ctx, msg)
	}
	return transport.Outcome{OK: true}
}

func (a *fakeAdapter) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.delivered...)
}

func submit(t *testing.T, st *store.Store, s *Scheduler, body string) *models.Message {
	t.Helper()
	msg, created, err := st.Create(context.Background(), "alice", body)
	require.NoError(t, err)
	require.True(t, created)
	s.Enqueue(msg.ID)
	return msg
}

func status(t *testing.T, st *store.Store, id string) *models.Message {
	t.Helper()
	msg, err := st.Get(id)
	require.NoError(t, err)
	return msg
}

func TestFlush_ReliableDeliversInOrder(t *testing.T) {
	st := newTestStore()
	reliable := &fakeAdapter{name: models.TransportReliable}
	s := New(st, &fakeAdapter{name: models.TransportRadio}, &fixedTier{tier: models.TierOffline},
		models.SchedulerConfig{}, testLogger(), WithReliable(reliable))

	a := submit(t, st, s, "one")
	b := submit(t, st, s, "two")
	c := submit(t, st, s, "three")

	res, err := s.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Result{Delivered: 3}, res)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, reliable.ids())
	for _, id := range []string{a.ID, b.ID, c.ID} {
		msg := status(t, st, id)
		assert.Equal(t, models.StatusSent, msg.Status)
		assert.Equal(t, models.TransportReliable, msg.TransportUsed)
		assert.Equal(t, 1, msg.Attempts)
		assert.NotNil(t, msg.SentAt)
	}
	assert.Equal(t, 0, s.Snapshot().QueueDepth)
	assert.NotNil(t, s.Snapshot().LastFlushAt)
}

func TestFlush_AckConfirmsOrRejects(t *testing.T) {
	st := newTestStore()
	reliable := &fakeAdapter{name: models.TransportReliable}
	reliable.fn = func(_ context.Context, msg *models.Message) transport.Outcome {
		sum := msg.Checksum
		if msg.Body == "tampered" {
			sum = "DEADBEEF"
		}
		return transport.Outcome{OK: true, RemoteID: "r-" + msg.Body, Ack: &transport.Ack{Checksum: sum}}
	}
	s := New(st, nil, &fixedTier{}, models.SchedulerConfig{}, testLogger(), WithReliable(reliable))

	good := submit(t, st, s, "intact")
	bad := submit(t, st, s, "tampered")

	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	g := status(t, st, good.ID)
	assert.Equal(t, models.StatusConfirmed, g.Status)
	assert.Equal(t, "r-intact", g.RemoteID)

	b := status(t, st, bad.ID)
	assert.Equal(t, models.StatusError, b.Status)
	assert.Equal(t, models.ReasonChecksumMismatch, b.Reason)
}

func TestFlush_RadioGatedByTier(t *testing.T) {
	st := newTestStore()
	radio := &fakeAdapter{name: models.TransportRadio}
	tiers := &fixedTier{tier: models.TierFair}
	s := New(st, radio, tiers, models.SchedulerConfig{}, testLogger())

	a := submit(t, st, s, "one")
	b := submit(t, st, s, "two")

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Gated)
	assert.Equal(t, 2, res.Remaining)
	assert.Empty(t, radio.ids())
	assert.Equal(t, models.StatusPending, status(t, st, a.ID).Status)

	tiers.set(models.TierGood)
	res, err = s.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []string{a.ID, b.ID}, radio.ids())
}

func TestFlush_GateClosesMidBatch(t *testing.T) {
	st := newTestStore()
	tiers := &fixedTier{tier: models.TierExcellent}
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(context.Context, *models.Message) transport.Outcome {
		tiers.set(models.TierPoor)
		return transport.Outcome{OK: true}
	}
	s := New(st, radio, tiers, models.SchedulerConfig{}, testLogger())

	a := submit(t, st, s, "one")
	b := submit(t, st, s, "two")
	c := submit(t, st, s, "three")

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.True(t, res.Gated)
	assert.Equal(t, []string{a.ID}, radio.ids())

	s.mu.Lock()
	assert.Equal(t, []string{b.ID, c.ID}, s.queue, "remaining ids keep their order")
	s.mu.Unlock()
}

func TestFlush_FailureDoesNotAbortBatch(t *testing.T) {
	st := newTestStore()
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(_ context.Context, msg *models.Message) transport.Outcome {
		if msg.Body == "unlucky" {
			return transport.Outcome{Err: apperrors.NewTransportError(models.TransportRadio, models.ReasonRadioDegraded, errors.New("open"))}
		}
		return transport.Outcome{OK: true}
	}
	s := New(st, radio, &fixedTier{tier: models.TierGood}, models.SchedulerConfig{}, testLogger())

	a := submit(t, st, s, "unlucky")
	b := submit(t, st, s, "fine")

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Delivered)

	failed := status(t, st, a.ID)
	assert.Equal(t, models.StatusError, failed.Status)
	assert.Equal(t, models.ReasonRadioDegraded, failed.Reason)
	assert.Equal(t, models.TransportRadio, failed.TransportUsed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, models.StatusSent, status(t, st, b.ID).Status)
}

func TestFlush_ReliableFailureNeverFallsBackToRadio(t *testing.T) {
	st := newTestStore()
	radio := &fakeAdapter{name: models.TransportRadio}
	reliable := &fakeAdapter{name: models.TransportReliable}
	reliable.fn = func(_ context.Context, _ *models.Message) transport.Outcome {
		return transport.Outcome{Err: apperrors.NewTransportError(models.TransportReliable, models.ReasonTransportFailed, errors.New("peer down"))}
	}
	s := New(st, radio, &fixedTier{tier: models.TierExcellent}, models.SchedulerConfig{}, testLogger(), WithReliable(reliable))

	a := submit(t, st, s, "one")
	b := submit(t, st, s, "two")

	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, radio.ids())
	assert.Equal(t, []string{a.ID, b.ID}, reliable.ids())
	for _, id := range []string{a.ID, b.ID} {
		msg := status(t, st, id)
		assert.Equal(t, models.StatusError, msg.Status)
		assert.Equal(t, models.ReasonTransportFailed, msg.Reason)
		assert.Equal(t, models.TransportReliable, msg.TransportUsed)
	}
}

func TestFlush_DeliverTimeout(t *testing.T) {
	st := newTestStore()
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(ctx context.Context, _ *models.Message) transport.Outcome {
		<-ctx.Done()
		return transport.Outcome{Err: apperrors.NewTransportError(models.TransportRadio, models.ReasonTransportFailed, ctx.Err())}
	}
	s := New(st, radio, &fixedTier{tier: models.TierGood}, models.SchedulerConfig{}, testLogger())
	s.deliverTimeout = 20 * time.Millisecond

	msg := submit(t, st, s, "slow")
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := status(t, st, msg.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, models.ReasonDeliverTimeout, got.Reason)
}

func TestFlush_AtMostOneInFlight(t *testing.T) {
	st := newTestStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(context.Context, *models.Message) transport.Outcome {
		once.Do(func() { close(entered) })
		<-release
		return transport.Outcome{OK: true}
	}
	s := New(st, radio, &fixedTier{tier: models.TierGood}, models.SchedulerConfig{}, testLogger())

	submit(t, st, s, "first")
	submit(t, st, s, "second")

	done := make(chan Result)
	go func() {
		res, _ := s.Flush(context.Background())
		done <- res
	}()
	<-entered

	// A concurrent flush is refused and submits are still accepted.
	_, err := s.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeFlushInProgress))
	third := submit(t, st, s, "third")

	snap := s.Snapshot()
	assert.True(t, snap.Busy)
	assert.Equal(t, 2, snap.QueueDepth)

	close(release)
	res := <-done
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(&radio.maxFlight))
	assert.Equal(t, models.StatusSent, status(t, st, third.ID).Status)
	assert.False(t, s.Snapshot().Busy)
}

func TestFlush_TelemetryObserved(t *testing.T) {
	st := newTestStore()
	sample := models.TelemetrySample{At: time.Now(), Mode: models.SampleModeTelemetry, RSSI: -70, SNR: 9}
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(context.Context, *models.Message) transport.Outcome {
		return transport.Outcome{OK: true, Telemetry: &sample}
	}

	var got []models.TelemetrySample
	s := New(st, radio, &fixedTier{tier: models.TierExcellent}, models.SchedulerConfig{}, testLogger(),
		WithTelemetryObserver(func(s models.TelemetrySample) { got = append(got, s) }))

	submit(t, st, s, "ping")
	_, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, -70.0, got[0].RSSI)
}

func TestFlush_SkipsStaleIDs(t *testing.T) {
	st := newTestStore()
	reliable := &fakeAdapter{name: models.TransportReliable}
	s := New(st, nil, &fixedTier{}, models.SchedulerConfig{}, testLogger(), WithReliable(reliable))

	msg := submit(t, st, s, "once")
	s.Enqueue(msg.ID)
	s.Enqueue("01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.Equal(t, 2, s.Depth(), "duplicate enqueue keeps a single entry")

	_, err := s.Flush(context.Background())
	require.NoError(t, err)

	// Already Sent; a second pass must not deliver again.
	s.Enqueue(msg.ID)
	res, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, []string{msg.ID}, reliable.ids())
}

func TestFlush_InterruptedKeepsMessagePending(t *testing.T) {
	st := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	radio := &fakeAdapter{name: models.TransportRadio}
	radio.fn = func(ctx context.Context, _ *models.Message) transport.Outcome {
		cancel()
		<-ctx.Done()
		return transport.Outcome{Err: ctx.Err()}
	}
	s := New(st, radio, &fixedTier{tier: models.TierGood}, models.SchedulerConfig{}, testLogger())

	msg := submit(t, st, s, "in flight at shutdown")
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, status(t, st, msg.ID).Status)
	assert.Equal(t, 1, s.Depth())
}

func TestRun_FlushesOnRequestAndTierChange(t *testing.T) {
	st := newTestStore()
	radio := &fakeAdapter{name: models.TransportRadio}
	tiers := &fixedTier{tier: models.TierPoor}
	s := New(st, radio, tiers, models.SchedulerConfig{FlushIntervalSec: 3600}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msg := submit(t, st, s, "waiting for signal")
	s.RequestFlush()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StatusPending, status(t, st, msg.ID).Status)

	tiers.set(models.TierGood)
	s.OnTierChange(models.TierPoor, models.TierGood)

	assert.Eventually(t, func() bool {
		m, err := st.Get(msg.ID)
		return err == nil && m.Status == models.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnTierChange_OnlyOnImprovement(t *testing.T) {
	s := New(newTestStore(), nil, &fixedTier{}, models.SchedulerConfig{}, testLogger())

	s.OnTierChange(models.TierGood, models.TierExcellent)
	s.OnTierChange(models.TierGood, models.TierPoor)
	assert.Len(t, s.trigger, 0)

	s.OnTierChange(models.TierFair, models.TierGood)
	assert.Len(t, s.trigger, 1)

	// A full trigger channel never blocks.
	s.RequestFlush()
	assert.Len(t, s.trigger, 1)
}
