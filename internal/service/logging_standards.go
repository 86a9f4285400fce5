package service

// Logging Standards for lorachat
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the application.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldMessageID = "message_id"
	LogFieldRemoteID  = "remote_id"
	LogFieldSender    = "from"
	LogFieldIdentity  = "identity"
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Message and delivery fields
	LogFieldEvent     = "event"
	LogFieldStatus    = "status"
	LogFieldReason    = "reason"
	LogFieldTransport = "transport"
	LogFieldDirection = "direction" // "inbound" or "outbound"
	LogFieldFrameKind = "frame_kind"

	// Link quality
	LogFieldTier = "tier"
	LogFieldRSSI = "rssi"
	LogFieldSNR  = "snr"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed information for diagnosing problems. Only use in verbose mode.
//   - Individual frames read from the radio inbox
//   - Per-attempt retry details
//   - Message bodies (verbose only, masked otherwise)
//
// INFO: General information about application flow and key events.
//   - Application startup/shutdown
//   - Link tier transitions
//   - Flush summaries
//   - Services started/stopped
//
// WARN: Something unexpected happened, but the application can continue.
//   - Delivery failures (the message moves to Error and can be retried)
//   - Rejected frames (bad checksum, malformed)
//   - Radio breaker opened
//
// ERROR: Error events that might still allow the application to continue.
//   - Persistence failures
//   - Radio inbox unreadable after all retries
//
// FATAL: Only in main, when configuration or the database cannot be loaded.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "[Operation] completed"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldMessageID: msg.ID,
//     LogFieldTransport: "radio",
//     LogFieldDirection: "inbound",
// }).Info("Stored inbound message")
