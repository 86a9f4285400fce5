package constants

import "time"

// Server defaults
const (
	DefaultServerPort            = 8080
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultStreamKeepAliveSec    = 15
	DefaultClientPollIntervalSec = 3
	DefaultSendRatePerMinute     = 60
)

// Scheduler and delivery defaults
const (
	DefaultFlushIntervalSec        = 5
	DefaultDeliverTimeoutSec       = 20
	DefaultConfirmationDeadlineSec = 60
	DefaultConfirmationSweepSec    = 5
	DefaultTelemetryStalenessSec   = 30
	DefaultInboxPollIntervalSec    = 3
	DefaultInboxPollTimeoutSec     = 10
	DefaultCleanupIntervalHours    = 24
	DefaultRetentionDays           = 30
	DefaultDatabaseRetryAttempts   = 3
	DefaultRetryBackoffMs          = 500
	DefaultMaxBackoffMs            = 10000
	DefaultMaxAttempts             = 3
)

// Radio defaults
const (
	DefaultSerialPort           = "/dev/serial0"
	DefaultSerialBaudRate       = 9600
	DefaultRadioMaxFrameBytes   = 240
	DefaultReassemblyTimeoutSec = 120
	DefaultBreakerMaxFailures   = 3
	DefaultBreakerProbeSec      = 30
	DefaultRadioCommandTimeout  = 15 * time.Second
)

// Payload limits
const (
	MaxSenderLength    = 64
	MaxBodyLength      = 4096
	MaxMessageIDLength = 128
	MaxListLimit       = 500
	DefaultListLimit   = 100
	MaxRequestBytes    = 64 * 1024
)

// Event hub sizing
const (
	DefaultSubscriberBuffer = 64
	DefaultPubSubCapacity   = 128
)

// Checksum key derivation
const (
	ChecksumKDFIterations = 4096
	ChecksumKDFSalt       = "lorachat-checksum-v1"
)

// At-rest encryption of message text
const (
	EncryptionSalt       = "lorachat-at-rest-v1"
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
)
