package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"lorachat/internal/constants"
	"lorachat/internal/models"
	"lorachat/internal/security"
)

var (
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
	ErrMissingRadioCommand = models.ConfigError{Message: "exec radio driver requires radio.command"}
	ErrMissingSerialPort   = models.ConfigError{Message: "serial radio driver requires radio.serialPort"}
	ErrMissingPeerURL      = models.ConfigError{Message: "reliable http channel requires reliable.peerURL"}
	ErrMissingNATSURL      = models.ConfigError{Message: "reliable nats channel requires reliable.natsURL"}
	ErrMissingJWTSecret    = models.ConfigError{Message: "jwt auth mode requires auth.jwtSecret"}
)

// LoadConfig reads a JSON config file, applies environment overrides and defaults, and validates it.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvironmentOverrides(&config)
	ApplyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills every unset tunable from internal/constants.
func ApplyDefaults(c *models.Config) {
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.StreamKeepAliveSec <= 0 {
		c.Server.StreamKeepAliveSec = constants.DefaultStreamKeepAliveSec
	}
	if c.Server.GracefulShutdownSec <= 0 {
		c.Server.GracefulShutdownSec = constants.DefaultGracefulShutdownSec
	}
	if c.Server.SendRatePerMinute <= 0 {
		c.Server.SendRatePerMinute = constants.DefaultSendRatePerMinute
	}

	if c.Radio.Driver == "" {
		c.Radio.Driver = models.RadioDriverExec
	}
	if c.Radio.CommandTimeoutSec <= 0 {
		c.Radio.CommandTimeoutSec = int(constants.DefaultRadioCommandTimeout.Seconds())
	}
	if c.Radio.SerialPort == "" {
		c.Radio.SerialPort = constants.DefaultSerialPort
	}
	if c.Radio.BaudRate <= 0 {
		c.Radio.BaudRate = constants.DefaultSerialBaudRate
	}
	if c.Radio.MaxFrameBytes <= 0 {
		c.Radio.MaxFrameBytes = constants.DefaultRadioMaxFrameBytes
	}
	if c.Radio.ReassemblyTimeoutSec <= 0 {
		c.Radio.ReassemblyTimeoutSec = constants.DefaultReassemblyTimeoutSec
	}
	if c.Radio.InboxPollIntervalSec <= 0 {
		c.Radio.InboxPollIntervalSec = constants.DefaultInboxPollIntervalSec
	}
	if c.Radio.BreakerMaxFailures <= 0 {
		c.Radio.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Radio.BreakerProbeSec <= 0 {
		c.Radio.BreakerProbeSec = constants.DefaultBreakerProbeSec
	}

	if c.Reliable.Kind == "" {
		c.Reliable.Kind = models.ReliableKindHTTP
	}
	if c.Reliable.SubjectPrefix == "" {
		c.Reliable.SubjectPrefix = "lorachat"
	}
	if c.Reliable.TimeoutSec <= 0 {
		c.Reliable.TimeoutSec = constants.DefaultDeliverTimeoutSec
	}

	if c.Scheduler.FlushIntervalSec <= 0 {
		c.Scheduler.FlushIntervalSec = constants.DefaultFlushIntervalSec
	}
	if c.Scheduler.DeliverTimeoutSec <= 0 {
		c.Scheduler.DeliverTimeoutSec = constants.DefaultDeliverTimeoutSec
	}
	if c.Scheduler.ConfirmationDeadlineSec <= 0 {
		c.Scheduler.ConfirmationDeadlineSec = constants.DefaultConfirmationDeadlineSec
	}
	if c.Scheduler.ConfirmationSweepSec <= 0 {
		c.Scheduler.ConfirmationSweepSec = constants.DefaultConfirmationSweepSec
	}
	if c.LinkQuality.StalenessSec <= 0 {
		c.LinkQuality.StalenessSec = constants.DefaultTelemetryStalenessSec
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = models.AuthModeHeader
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "lorachat"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	switch c.Radio.Driver {
	case models.RadioDriverExec:
		if c.Radio.Command == "" {
			return ErrMissingRadioCommand
		}
	case models.RadioDriverSerial:
		if c.Radio.SerialPort == "" {
			return ErrMissingSerialPort
		}
	case models.RadioDriverNone:
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown radio driver %q", c.Radio.Driver)}
	}

	if c.Reliable.Enabled {
		switch c.Reliable.Kind {
		case models.ReliableKindHTTP:
			if c.Reliable.PeerURL == "" {
				return ErrMissingPeerURL
			}
			if u, err := url.Parse(c.Reliable.PeerURL); err != nil || u.Scheme == "" || u.Host == "" {
				return models.ConfigError{Message: fmt.Sprintf("invalid reliable.peerURL %q", c.Reliable.PeerURL)}
			}
		case models.ReliableKindNATS:
			if c.Reliable.NATSURL == "" {
				return ErrMissingNATSURL
			}
		default:
			return models.ConfigError{Message: fmt.Sprintf("unknown reliable kind %q", c.Reliable.Kind)}
		}
	}

	switch c.Auth.Mode {
	case models.AuthModeHeader, models.AuthModeNone:
	case models.AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return ErrMissingJWTSecret
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown auth mode %q", c.Auth.Mode)}
	}

	if c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sampleRate must be within (0, 1]"}
	}
	if c.Scheduler.ConfirmationDeadlineSec < c.Scheduler.DeliverTimeoutSec {
		return models.ConfigError{Message: "scheduler.confirmationDeadlineSec must not be shorter than deliverTimeoutSec"}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("LORACHAT_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if secret := os.Getenv("LORACHAT_DB_ENCRYPTION_SECRET"); secret != "" {
		c.Database.EncryptionSecret = secret
	}
	if cmd := os.Getenv("LORACHAT_RADIO_COMMAND"); cmd != "" {
		c.Radio.Command = cmd
	}
	if peer := os.Getenv("LORACHAT_PEER_URL"); peer != "" {
		c.Reliable.PeerURL = peer
	}
	if secret := os.Getenv("LORACHAT_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("LORACHAT_CHECKSUM_SECRET"); secret != "" {
		c.Checksum.Secret = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if os.Getenv("LORACHAT_ENV") != "production" {
		if c.Auth.Mode == models.AuthModeNone {
			fmt.Fprintf(os.Stderr, "WARNING: auth.mode is \"none\"; every request is accepted as the anonymous identity.\n")
		}
		return nil
	}

	if c.Auth.Mode == models.AuthModeNone {
		return models.ConfigError{Message: "auth.mode \"none\" is not allowed in production"}
	}
	if c.Auth.Mode == models.AuthModeJWT && len(c.Auth.JWTSecret) < 32 {
		return models.ConfigError{Message: "auth.jwtSecret must be at least 32 characters long (set LORACHAT_JWT_SECRET)"}
	}
	if c.Database.EncryptionSecret != "" && len(c.Database.EncryptionSecret) < 32 {
		return models.ConfigError{Message: "database.encryptionSecret must be at least 32 characters long"}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (message bodies are logged)"}
	}
	return nil
}
