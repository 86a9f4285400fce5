package service

import (
	"context"

	"lorachat/internal/models"
	"lorachat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx for unmasked message logging.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// MessageFields returns the standard log fields for msg. Sender and body are
// masked unless ctx is verbose.
func MessageFields(ctx context.Context, msg *models.Message) logrus.Fields {
	if msg == nil {
		return logrus.Fields{}
	}
	fields := logrus.Fields{
		LogFieldMessageID: msg.ID,
		LogFieldStatus:    msg.Status,
		LogFieldDirection: msg.Direction,
	}
	if msg.TransportUsed != "" {
		fields[LogFieldTransport] = msg.TransportUsed
	}
	if msg.Reason != "" {
		fields[LogFieldReason] = msg.Reason
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldSender] = msg.Sender
		fields["body"] = msg.Body
	} else {
		fields[LogFieldSender] = privacy.MaskSender(msg.Sender)
		fields["body"] = privacy.MaskBody(msg.Body)
	}
	return fields
}

// LogWithContext returns an entry carrying the verbose flag.
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}
