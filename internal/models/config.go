package models

// Config holds the application configuration
type Config struct {
	Server        ServerConfig      `json:"server"`
	Database      DatabaseConfig    `json:"database"`
	Radio         RadioConfig       `json:"radio"`
	Reliable      ReliableConfig    `json:"reliable"`
	Scheduler     SchedulerConfig   `json:"scheduler"`
	LinkQuality   LinkQualityConfig `json:"linkQuality"`
	Checksum      ChecksumConfig    `json:"checksum"`
	Auth          AuthConfig        `json:"auth"`
	Tracing       TracingConfig     `json:"tracing"`
	Retry         RetryConfig       `json:"retry"`
	LogLevel      string            `json:"log_level"`
	RetentionDays int               `json:"retentionDays"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port                int  `json:"port"`
	ReadTimeoutSec      int  `json:"readTimeoutSec"`
	WriteTimeoutSec     int  `json:"writeTimeoutSec"`
	IdleTimeoutSec      int  `json:"idleTimeoutSec"`
	StreamKeepAliveSec  int  `json:"streamKeepAliveSec"`
	GracefulShutdownSec int  `json:"gracefulShutdownSec"`
	SendRatePerMinute   int  `json:"sendRatePerMinute"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders   bool `json:"trustProxyHeaders"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path             string `json:"path"`
	// EncryptionSecret enables AES-GCM encryption of sender and body at rest.
	EncryptionSecret string `json:"encryptionSecret"`
}

const (
	RadioDriverExec   = "exec"
	RadioDriverSerial = "serial"
	RadioDriverNone   = "none"
)

// RadioConfig selects and tunes the radio driver
type RadioConfig struct {
	Driver               string `json:"driver"`
	Command              string `json:"command"`
	InboxCommand         string `json:"inboxCommand"`
	CommandTimeoutSec    int    `json:"commandTimeoutSec"`
	SerialPort           string `json:"serialPort"`
	BaudRate             int    `json:"baudRate"`
	MaxFrameBytes        int    `json:"maxFrameBytes"`
	ReassemblyTimeoutSec int    `json:"reassemblyTimeoutSec"`
	InboxPollIntervalSec int    `json:"inboxPollIntervalSec"`
	BreakerMaxFailures   int    `json:"breakerMaxFailures"`
	BreakerProbeSec      int    `json:"breakerProbeSec"`
}

const (
	ReliableKindHTTP = "http"
	ReliableKindNATS = "nats"
)

// ReliableConfig configures the push/poll channel to a peer relay
type ReliableConfig struct {
	Enabled       bool   `json:"enabled"`
	Kind          string `json:"kind"`
	PeerURL       string `json:"peerURL"`
	PeerToken     string `json:"peerToken"`
	NATSURL       string `json:"natsURL"`
	SubjectPrefix string `json:"subjectPrefix"`
	TimeoutSec    int    `json:"timeoutSec"`
}

// SchedulerConfig tunes flushing and confirmation tracking
type SchedulerConfig struct {
	FlushIntervalSec        int `json:"flushIntervalSec"`
	DeliverTimeoutSec       int `json:"deliverTimeoutSec"`
	ConfirmationDeadlineSec int `json:"confirmationDeadlineSec"`
	ConfirmationSweepSec    int `json:"confirmationSweepSec"`
}

// LinkQualityConfig tunes the tier estimator
type LinkQualityConfig struct {
	StalenessSec int `json:"stalenessSec"`
}

// ChecksumConfig enables keyed digests when Secret is set
type ChecksumConfig struct {
	Secret string `json:"secret"`
}

const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
	AuthModeNone   = "none"
)

// AuthConfig selects how request identity is established
type AuthConfig struct {
	Mode      string `json:"mode"`
	JWTSecret string `json:"jwtSecret"`
	JWTIssuer string `json:"jwtIssuer"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"serviceName"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	SampleRate   float64 `json:"sampleRate"`
	UseStdout    bool    `json:"useStdout"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
