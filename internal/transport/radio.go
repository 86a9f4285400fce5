package transport

import (
	"context"
	"fmt"
	"time"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/metrics"
	"lorachat/internal/models"
	"lorachat/pkg/circuitbreaker"
	"lorachat/pkg/radio"

	"github.com/sirupsen/logrus"
)

// Radio delivers messages as LoRa frames through a driver. Consecutive driver
// failures trip a breaker; while it is open Deliver fails fast with radio-degraded.
type Radio struct {
	driver   radio.Driver
	maxFrame int
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logrus.Logger
	now      func() time.Time
}

// RadioOption customizes a Radio adapter.
type RadioOption func(*Radio)

// WithRadioClock overrides the time stamped on telemetry samples.
func WithRadioClock(now func() time.Time) RadioOption {
	return func(r *Radio) { r.now = now }
}

// WithBreaker replaces the default breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) RadioOption {
	return func(r *Radio) { r.breaker = cb }
}

func NewRadio(driver radio.Driver, cfg models.RadioConfig, logger *logrus.Logger, opts ...RadioOption) *Radio {
	r := &Radio{
		driver:   driver,
		maxFrame: cfg.MaxFrameBytes,
		logger:   logger,
		now:      time.Now,
	}
	if r.maxFrame <= 0 {
		r.maxFrame = radio.DefaultMaxFrame
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		maxFailures := cfg.BreakerMaxFailures
		if maxFailures <= 0 {
			maxFailures = 3
		}
		probe := time.Duration(cfg.BreakerProbeSec) * time.Second
		if probe <= 0 {
			probe = 30 * time.Second
		}
		r.breaker = circuitbreaker.New("radio", uint32(maxFailures), probe, logger,
			circuitbreaker.WithStateChange(func(_, to circuitbreaker.State) {
				metrics.SetBreakerState(int(to))
			}))
	}
	return r
}

func (r *Radio) Name() string { return models.TransportRadio }

func (r *Radio) Deliver(ctx context.Context, msg *models.Message) Outcome {
	frames, err := radio.Split(radio.Envelope{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		Checksum:  msg.Checksum,
	}, r.maxFrame)
	if err != nil {
		return failed(apperrors.NewTransportError(r.Name(), models.ReasonTransportFailed, err))
	}

	var out Outcome
	err = r.breaker.Execute(ctx, func(ctx context.Context) error {
		for i, frame := range frames {
			res, err := r.driver.Send(ctx, frame)
			if err != nil {
				return fmt.Errorf("frame %d/%d: %w", i+1, len(frames), err)
			}
			if s := SampleFromRadio(res.Telemetry, r.now()); s != nil {
				out.Telemetry = s
			}
			if res.AckChecksum != "" {
				out.Ack = &Ack{Checksum: res.AckChecksum}
			}
		}
		return nil
	})
	if err != nil {
		if circuitbreaker.IsCircuitBreakerError(err) {
			return Outcome{Telemetry: out.Telemetry, Err: apperrors.NewTransportError(r.Name(), models.ReasonRadioDegraded, err)}
		}
		r.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"frames":     len(frames),
		}).Warn("Radio driver send failed")
		return Outcome{Telemetry: out.Telemetry, Err: apperrors.NewTransportError(r.Name(), models.ReasonTransportFailed, err)}
	}

	out.OK = true
	return out
}

// ObserveTier closes an open breaker once telemetry shows the link is back.
func (r *Radio) ObserveTier(tier models.Tier) {
	if tier == models.TierOffline {
		return
	}
	r.breaker.Recover()
}

// State reports the breaker state.
func (r *Radio) State() circuitbreaker.State {
	return r.breaker.GetState()
}

// Close releases the driver.
func (r *Radio) Close() error {
	return r.driver.Close()
}
