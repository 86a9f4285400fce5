package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lorachat/internal/constants"
	"lorachat/internal/models"
	"lorachat/internal/retry"
	"lorachat/pkg/radio"

	"github.com/sirupsen/logrus"
)

// FrameHandler consumes raw radio frames.
type FrameHandler interface {
	HandleInboundFrame(ctx context.Context, raw []byte) error
	ExpireFragments() int
}

// InboxPoller periodically drains the radio inbox into the relay.
type InboxPoller struct {
	driver   radio.Driver
	handler  FrameHandler
	interval time.Duration
	backoff  *retry.Backoff
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	mu       sync.RWMutex
}

func NewInboxPoller(driver radio.Driver, handler FrameHandler, radioConfig models.RadioConfig, retryConfig models.RetryConfig, logger *logrus.Logger) *InboxPoller {
	interval := time.Duration(radioConfig.InboxPollIntervalSec) * time.Second
	if interval <= 0 {
		interval = constants.DefaultInboxPollIntervalSec * time.Second
	}
	return &InboxPoller{
		driver:   driver,
		handler:  handler,
		interval: interval,
		backoff:  retry.NewBackoff(retry.FromConfig(retryConfig)),
		logger:   logger,
	}
}

// Start begins the background polling process
func (p *InboxPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("inbox poller is already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go p.pollLoop()

	p.logger.WithField("interval", p.interval).Info("Radio inbox poller started")
	return nil
}

// Stop gracefully stops the polling process
func (p *InboxPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.cancel()
	p.wg.Wait()
	p.running = false
	p.logger.Info("Radio inbox poller stopped")
}

// IsRunning returns whether the poller is currently active
func (p *InboxPoller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *InboxPoller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce reads the inbox, retrying transient driver errors with backoff,
// and hands every frame to the relay. It returns the number of frames read.
func (p *InboxPoller) PollOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var frames [][]byte
	attempt := 0
	err := p.backoff.Retry(ctx, func() error {
		attempt++
		var readErr error
		frames, readErr = p.driver.ReadInbox(ctx)
		if readErr != nil && IsVerboseLogging(ctx) {
			p.logger.WithFields(logrus.Fields{
				LogFieldAttempt: attempt,
				"error":         readErr,
			}).Warn("Radio inbox read failed, retrying with backoff")
		}
		return readErr
	})
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WithError(err).Error("Radio inbox read failed after all retry attempts")
		}
		return 0
	}

	for _, raw := range frames {
		if err := p.handler.HandleInboundFrame(ctx, raw); err != nil {
			p.logger.WithError(err).WithField(LogFieldSize, len(raw)).Debug("Inbound frame not stored")
		}
	}
	p.handler.ExpireFragments()
	return len(frames)
}
