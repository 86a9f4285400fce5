package config

import (
	"context"
	"os"
	"sync"
	"time"

	"lorachat/internal/models"

	"github.com/sirupsen/logrus"
)

// Change describes one reload. The flags mark runtime settings that moved;
// RestartRequired names edited settings the running relay keeps using until restart.
type Change struct {
	Old, New        *models.Config
	LogLevel        bool
	SendRate        bool
	Retention       bool
	RestartRequired []string
}

// Diff compares two configurations.
func Diff(old, new *models.Config) Change {
	c := Change{Old: old, New: new}
	if old == nil || new == nil {
		return c
	}
	c.LogLevel = old.LogLevel != new.LogLevel
	c.SendRate = old.Server.SendRatePerMinute != new.Server.SendRatePerMinute
	c.Retention = old.RetentionDays != new.RetentionDays

	restart := []struct {
		key     string
		changed bool
	}{
		{"server.port", old.Server.Port != new.Server.Port},
		{"database.path", old.Database.Path != new.Database.Path},
		{"database.encryptionSecret", old.Database.EncryptionSecret != new.Database.EncryptionSecret},
		{"checksum.secret", old.Checksum.Secret != new.Checksum.Secret},
		{"auth", old.Auth != new.Auth},
		{"radio", old.Radio != new.Radio},
		{"reliable", old.Reliable != new.Reliable},
		{"scheduler", old.Scheduler != new.Scheduler},
		{"linkQuality", old.LinkQuality != new.LinkQuality},
		{"tracing", old.Tracing != new.Tracing},
	}
	for _, r := range restart {
		if r.changed {
			c.RestartRequired = append(c.RestartRequired, r.key)
		}
	}
	return c
}

// Live reports whether any runtime setting changed.
func (c Change) Live() bool {
	return c.LogLevel || c.SendRate || c.Retention
}

// ConfigWatcher polls the configuration file and hands every successful reload
// to the registered callbacks.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(Change)
}

func NewConfigWatcher(configPath string, initial *models.Config, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   5 * time.Second,
		logger:     logger,
		config:     initial,
	}
}

// Start blocks until ctx is done, reloading the file whenever its mtime advances.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return err
	}
	lastModTime := stat.ModTime()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			stat, err := os.Stat(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			if stat.ModTime().After(lastModTime) {
				lastModTime = stat.ModTime()
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the configuration as last read from disk.
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback. Callbacks run in registration order on
// the watcher goroutine; a panicking callback is logged and skipped.
func (cw *ConfigWatcher) OnConfigChange(callback func(Change)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping current settings")
		return
	}

	cw.mu.Lock()
	change := Diff(cw.config, newConfig)
	cw.config = newConfig
	callbacks := make([]func(Change), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.WithFields(logrus.Fields{
		"log_level_changed": change.LogLevel,
		"send_rate_changed": change.SendRate,
		"retention_changed": change.Retention,
	}).Info("Configuration reloaded")
	if len(change.RestartRequired) > 0 {
		cw.logger.WithField("settings", change.RestartRequired).Warn("Changed settings take effect after restart")
	}
	if !change.Live() {
		return
	}

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(change)
		}()
	}
}
