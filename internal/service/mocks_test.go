package service

import (
	"context"
	"io"
	"sync"
	"time"

	"lorachat/internal/events"
	"lorachat/internal/models"
	"lorachat/internal/transport"
	"lorachat/pkg/circuitbreaker"
	"lorachat/pkg/radio"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type mockCleaner struct {
	mock.Mock
}

func (m *mockCleaner) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	args := m.Called(ctx, retentionDays)
	return args.Error(0)
}

type mockTelemetryLog struct {
	mock.Mock
}

func (m *mockTelemetryLog) RecordTelemetry(ctx context.Context, sample models.TelemetrySample, tier models.Tier) error {
	args := m.Called(ctx, sample, tier)
	return args.Error(0)
}

func (m *mockTelemetryLog) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type mockRadioHealth struct {
	mock.Mock
}

func (m *mockRadioHealth) ObserveTier(tier models.Tier) {
	m.Called(tier)
}

func (m *mockRadioHealth) State() circuitbreaker.State {
	args := m.Called()
	return args.Get(0).(circuitbreaker.State)
}

type mockDriver struct {
	mock.Mock
}

func (m *mockDriver) Send(ctx context.Context, frame []byte) (radio.SendResult, error) {
	args := m.Called(ctx, frame)
	return args.Get(0).(radio.SendResult), args.Error(1)
}

func (m *mockDriver) ReadInbox(ctx context.Context) ([][]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *mockDriver) Close() error {
	return m.Called().Error(0)
}

type mockFrameHandler struct {
	mock.Mock
}

func (m *mockFrameHandler) HandleInboundFrame(ctx context.Context, raw []byte) error {
	return m.Called(ctx, raw).Error(0)
}

func (m *mockFrameHandler) ExpireFragments() int {
	return m.Called().Int(0)
}

// scriptedAdapter answers deliveries from a queue of outcome builders.
type scriptedAdapter struct {
	name   string
	mu     sync.Mutex
	script []func(msg *models.Message) transport.Outcome
	ids    []string
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Deliver(_ context.Context, msg *models.Message) transport.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, msg.ID)
	if len(a.script) == 0 {
		return transport.Outcome{OK: true}
	}
	next := a.script[0]
	a.script = a.script[1:]
	return next(msg)
}

func (a *scriptedAdapter) delivered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}
