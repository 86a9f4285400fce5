package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lorachat/internal/checksum"
	"lorachat/internal/config"
	"lorachat/internal/constants"
	"lorachat/internal/database"
	"lorachat/internal/dedup"
	"lorachat/internal/events"
	"lorachat/internal/linkquality"
	"lorachat/internal/models"
	"lorachat/internal/retry"
	"lorachat/internal/scheduler"
	"lorachat/internal/service"
	"lorachat/internal/store"
	"lorachat/internal/tracing"
	"lorachat/internal/transport"
	"lorachat/pkg/radio"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes request bodies)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lorachat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting lorachat relay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(tracing.FromConfig(cfg.Tracing, Version, os.Getenv("LORACHAT_ENV")), logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := events.NewHub(constants.DefaultPubSubCapacity, constants.DefaultSubscriberBuffer, logger)
	defer hub.Close()

	st := store.New(dedup.New(), checksum.New(cfg.Checksum.Secret), hub, logger, store.WithRepository(db))
	tracker := linkquality.NewTracker(time.Duration(cfg.LinkQuality.StalenessSec)*time.Second, nil)

	driver, err := newRadioDriver(ctx, cfg.Radio, logger)
	if err != nil {
		return err
	}
	radioAdapter := transport.NewRadio(driver, cfg.Radio, logger)
	defer radioAdapter.Close()

	var relay *service.Relay
	schedOpts := []scheduler.Option{
		scheduler.WithTelemetryObserver(func(s models.TelemetrySample) {
			relay.ObserveTelemetry(context.Background(), s)
		}),
	}

	var natsPeer *transport.ReliableNATS
	if cfg.Reliable.Enabled {
		switch cfg.Reliable.Kind {
		case models.ReliableKindNATS:
			natsPeer, err = transport.DialNATS(cfg.Reliable, logger)
			if err != nil {
				return err
			}
			defer natsPeer.Close()
			schedOpts = append(schedOpts, scheduler.WithReliable(natsPeer))
		default:
			schedOpts = append(schedOpts, scheduler.WithReliable(transport.NewReliableHTTP(cfg.Reliable, cfg.Retry, nil, logger)))
		}
		logger.WithField("kind", cfg.Reliable.Kind).Info("Reliable channel enabled")
	}

	sched := scheduler.New(st, radioAdapter, tracker, cfg.Scheduler, logger, schedOpts...)
	relay = service.NewRelay(st, sched, tracker,
		radio.NewAssembler(time.Duration(cfg.Radio.ReassemblyTimeoutSec)*time.Second),
		hub, logger,
		service.WithTelemetryLog(db),
		service.WithRadioHealth(radioAdapter),
		service.WithReliableChannel(cfg.Reliable.Enabled),
	)
	if err := relay.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore messages: %w", err)
	}

	poller := service.NewInboxPoller(driver, relay, cfg.Radio, cfg.Retry, logger)
	if err := poller.Start(ctx); err != nil {
		logger.Warnf("Failed to start radio inbox poller: %v", err)
	}
	defer poller.Stop()

	monitor := scheduler.NewConfirmationMonitor(st,
		time.Duration(cfg.Scheduler.ConfirmationSweepSec)*time.Second,
		time.Duration(cfg.Scheduler.ConfirmationDeadlineSec)*time.Second,
		logger)
	cleanup := service.NewCleanupScheduler(relay, cfg.RetentionDays, 0, logger)

	server, err := NewServer(cfg, relay, hub, db, logger, *verbose)
	if err != nil {
		return err
	}

	watcher := config.NewConfigWatcher(*configPath, cfg, logger)
	watcher.OnConfigChange(func(c config.Change) {
		if c.LogLevel {
			setLogLevel(logger, c.New.LogLevel, *verbose)
		}
		if c.SendRate {
			server.SetSendRate(c.New.Server.SendRatePerMinute)
		}
		if c.Retention {
			cleanup.SetRetentionDays(c.New.RetentionDays)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		relay.WatchLink(gctx, time.Duration(cfg.LinkQuality.StalenessSec)*time.Second/2)
		return nil
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		cleanup.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return watcher.Start(gctx)
	})
	if natsPeer != nil {
		if err := natsPeer.Serve(gctx, relay.HandleReliableInbound, relay.HandleConfirm); err != nil {
			return err
		}
	}
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.GracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server shutdown completed")
	return nil
}

// setLogLevel applies the configured level. Without -verbose the level is
// capped at info so message text never reaches the logs.
func setLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - message text will be logged")
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		if level != "" {
			logger.Warnf("Invalid log level %q, defaulting to info", level)
		}
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the store with exponential backoff; the file may sit on
// storage that mounts after the service starts.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, cfg.Database.EncryptionSecret)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func newRadioDriver(ctx context.Context, cfg models.RadioConfig, logger *logrus.Logger) (radio.Driver, error) {
	switch cfg.Driver {
	case models.RadioDriverExec:
		d, err := radio.NewExec(cfg.Command, cfg.InboxCommand, time.Duration(cfg.CommandTimeoutSec)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to configure exec radio driver: %w", err)
		}
		return d, nil
	case models.RadioDriverSerial:
		d := radio.NewSerial(cfg.SerialPort, cfg.BaudRate)
		if err := d.Connect(ctx); err != nil {
			// Send reconnects on demand; the breaker covers a missing device.
			logger.WithError(err).WithField("port", cfg.SerialPort).Warn("Serial radio not available yet")
		}
		return d, nil
	default:
		logger.Info("Radio driver disabled")
		return radio.Null{}, nil
	}
}
