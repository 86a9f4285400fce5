package scheduler

import (
	"context"
	"time"

	"lorachat/internal/delivery"
	apperrors "lorachat/internal/errors"
	"lorachat/internal/metrics"
	"lorachat/internal/models"
	"lorachat/internal/store"

	"github.com/sirupsen/logrus"
)

// SentStore lists and expires messages awaiting confirmation.
type SentStore interface {
	SentBefore(cutoff time.Time) []*models.Message
	CountByStatus() map[models.Status]int
	UpdateStatus(ctx context.Context, id string, u store.Update) (*models.Message, bool, error)
}

// ConfirmationMonitor moves Sent messages past the confirmation deadline to
// Error(confirmation-timeout).
type ConfirmationMonitor struct {
	store         SentStore
	checkInterval time.Duration
	deadline      time.Duration
	logger        *logrus.Logger
	now           func() time.Time
	stopCh        chan struct{}
}

func NewConfirmationMonitor(st SentStore, checkInterval, deadline time.Duration, logger *logrus.Logger) *ConfirmationMonitor {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &ConfirmationMonitor{
		store:         st,
		checkInterval: checkInterval,
		deadline:      deadline,
		logger:        logger,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

func (m *ConfirmationMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval": m.checkInterval,
		"deadline":       m.deadline,
	}).Info("Starting confirmation monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *ConfirmationMonitor) Stop() {
	close(m.stopCh)
}

// Sweep expires overdue messages and returns how many were moved to Error.
func (m *ConfirmationMonitor) Sweep(ctx context.Context) int {
	overdue := m.store.SentBefore(m.now().Add(-m.deadline))
	expired := 0
	for _, msg := range overdue {
		_, changed, err := m.store.UpdateStatus(ctx, msg.ID, store.Update{Event: delivery.EventConfirmationTimeout})
		if err != nil {
			// Confirmed or retried since the listing.
			if !apperrors.Is(err, apperrors.ErrCodeInvalidTransition) {
				apperrors.LogError(m.logger, err, "Failed to expire message", logrus.Fields{"message_id": msg.ID})
			}
			continue
		}
		if changed {
			expired++
		}
	}

	awaiting := m.store.CountByStatus()[models.StatusSent]
	metrics.SetAwaitingConfirmation(awaiting)
	if expired > 0 {
		m.logger.WithFields(logrus.Fields{
			"expired":  expired,
			"awaiting": awaiting,
			"deadline": m.deadline,
		}).Warn("Messages in 'sent' status passed the confirmation deadline")
	}
	return expired
}
