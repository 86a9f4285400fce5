// Package delivery defines the per-message status transitions.
package delivery

import (
	apperrors "lorachat/internal/errors"
	"lorachat/internal/models"
)

// Event is an input to the status machine.
type Event string

const (
	EventDelivered           Event = "delivered"
	EventDeliveryFailed      Event = "delivery-failed"
	EventConfirmed           Event = "confirmed"
	EventConfirmationTimeout Event = "confirmation-timeout"
	EventChecksumMismatch    Event = "checksum-mismatch"
	EventRetry               Event = "retry"
)

type transitionKey struct {
	from  models.Status
	event Event
}

var transitions = map[transitionKey]models.Status{
	{models.StatusPending, EventDelivered}:        models.StatusSent,
	{models.StatusPending, EventDeliveryFailed}:   models.StatusError,
	{models.StatusSent, EventConfirmed}:           models.StatusConfirmed,
	{models.StatusSent, EventConfirmationTimeout}: models.StatusError,
	{models.StatusSent, EventChecksumMismatch}:    models.StatusError,
	{models.StatusError, EventRetry}:              models.StatusPending,
}

// Next returns the status reached by applying event in state from.
// Disallowed pairs return an INVALID_TRANSITION error; callers must leave the record unchanged.
func Next(from models.Status, event Event) (models.Status, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return from, apperrors.NewInvalidTransitionError(string(from), string(event))
}

// CanTransition reports whether any event moves from into to.
func CanTransition(from, to models.Status) bool {
	for k, v := range transitions {
		if k.from == from && v == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no automatic way out.
func IsTerminal(s models.Status) bool {
	return s == models.StatusConfirmed || s == models.StatusError
}

// IsDuplicateConfirm reports a repeated confirmation of an already-confirmed message.
func IsDuplicateConfirm(from models.Status, event Event) bool {
	return from == models.StatusConfirmed && event == EventConfirmed
}

// ReasonFor returns the failure reason recorded when event moves a message to Error.
func ReasonFor(event Event, fallback string) string {
	switch event {
	case EventConfirmationTimeout:
		return models.ReasonConfirmationTimeout
	case EventChecksumMismatch:
		return models.ReasonChecksumMismatch
	case EventDeliveryFailed:
		if fallback != "" {
			return fallback
		}
		return models.ReasonTransportFailed
	}
	return ""
}
