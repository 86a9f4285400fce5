package service

import (
	"context"
	"sync/atomic"
	"time"

	"lorachat/internal/constants"

	"github.com/sirupsen/logrus"
)

// RecordCleaner prunes records past retention.
type RecordCleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int) error
}

// CleanupScheduler runs the retention sweep at start-up and then periodically.
type CleanupScheduler struct {
	cleaner       RecordCleaner
	retentionDays atomic.Int64
	interval      time.Duration
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewCleanupScheduler(cleaner RecordCleaner, retentionDays int, interval time.Duration, logger *logrus.Logger) *CleanupScheduler {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultCleanupIntervalHours) * time.Hour
	}
	s := &CleanupScheduler{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	s.retentionDays.Store(int64(retentionDays))
	return s
}

// SetRetentionDays applies from the next sweep on.
func (s *CleanupScheduler) SetRetentionDays(days int) {
	s.retentionDays.Store(int64(days))
}

func (s *CleanupScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Cleanup scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) Stop() {
	close(s.stopCh)
}

func (s *CleanupScheduler) runCleanup(ctx context.Context) {
	days := int(s.retentionDays.Load())
	s.logger.WithField("retentionDays", days).Info("Running scheduled cleanup")

	if err := s.cleaner.CleanupOldRecords(ctx, days); err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old records")
	} else {
		s.logger.Info("Successfully completed cleanup")
	}
}
