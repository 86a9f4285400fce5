package errors

import (
	"github.com/sirupsen/logrus"
)

// Fields returns the structured log fields carried by err.
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := As(err)
	if !ok {
		return fields
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs err with its structured context, at warn level when retryable.
func LogError(logger logrus.FieldLogger, err error, message string, extra ...logrus.Fields) {
	entry := logger.WithError(err).WithFields(Fields(err))
	for _, f := range extra {
		entry = entry.WithFields(f)
	}
	if IsRetryable(err) {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}
