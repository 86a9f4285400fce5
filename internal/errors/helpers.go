package errors

import (
	"context"
	"fmt"
	"net/http"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewIntegrityError reports a checksum that does not match the canonical digest.
func NewIntegrityError(messageID, expected, actual string) *AppError {
	return New(ErrCodeIntegrity, "checksum mismatch").
		WithContext("reason", "checksum-mismatch").
		WithContext("message_id", messageID).
		WithContext("expected", expected).
		WithContext("actual", actual).
		WithUserMessage("Checksum does not match message content")
}

// NewTransportError wraps a delivery failure from one of the transport adapters.
func NewTransportError(transport, reason string, err error) *AppError {
	appErr := Wrap(err, ErrCodeTransport, fmt.Sprintf("%s delivery failed", transport)).
		WithContext("transport", transport).
		WithContext("reason", reason).
		WithUserMessage("Message delivery failed")
	appErr.Retryable = true
	return appErr
}

// NewPeerError creates a transport error for a peer relay call, retryable on 5xx, 408 and 429.
func NewPeerError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeTransport, "peer relay call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithContext("reason", "transport-failed").
		WithUserMessage("Message delivery failed")
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408
	return appErr
}

// NewInvalidTransitionError reports a status event that is not allowed from the current state.
func NewInvalidTransitionError(from, event string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot apply %s to %s message", event, from)).
		WithContext("from", from).
		WithContext("event", event).
		WithUserMessage("Operation not allowed in the message's current state")
}

// NewFlushInProgressError is returned to synchronous flush callers while a flush is running.
func NewFlushInProgressError(queueDepth int) *AppError {
	return New(ErrCodeFlushInProgress, "flush already in progress").
		WithContext("queue_depth", queueDepth).
		WithUserMessage("A sync is already running")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewRateLimitError rejects a client that exceeded its request budget.
func NewRateLimitError(client string) *AppError {
	return New(ErrCodeRateLimited, "too many requests").
		WithContext("client", client).
		WithUserMessage("Slow down and try again shortly")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// Context helpers

// ContextWithRequestID stores the request id for later error enrichment.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithIdentity stores the authenticated identity.
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// IdentityFromContext returns the authenticated identity, or "".
func IdentityFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(identityKey).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts error context from a context.Context if present
func FromContext(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	errorCtx := make(map[string]interface{})
	if requestID := ctx.Value(requestIDKey); requestID != nil {
		errorCtx["request_id"] = requestID
	}
	if identity := ctx.Value(identityKey); identity != nil {
		errorCtx["identity"] = identity
	}
	return errorCtx
}

// WithContextFromRequest adds request context to an error
func WithContextFromRequest(err *AppError, ctx context.Context) *AppError {
	if err == nil || ctx == nil {
		return err
	}
	for k, v := range FromContext(ctx) {
		err = err.WithContext(k, v)
	}
	return err
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeIntegrity, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidTransition, ErrCodeFlushInProgress:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeTransport:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body written for failed requests.
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// publicContextKeys are the only context entries ever echoed to clients.
var publicContextKeys = map[string]bool{
	"field":       true,
	"reason":      true,
	"resource":    true,
	"identifier":  true,
	"from":        true,
	"event":       true,
	"queue_depth": true,
	"message_id":  true,
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if publicContextKeys[k] {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
