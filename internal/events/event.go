// Package events carries status changes from the relay to push subscribers.
package events

import (
	"fmt"
	"time"

	"lorachat/internal/models"
)

type Type string

const (
	TypeMessage Type = "message"
	TypeConfirm Type = "confirm"
	TypeQuality Type = "quality"
	// TypeResync tells a push subscriber it missed events and must re-poll.
	TypeResync Type = "resync"
)

// Event is a tagged variant: exactly the payload matching Type is set.
type Event struct {
	Type    Type            `json:"type"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"at"`
	Message *models.Message `json:"message,omitempty"`
	Confirm *ConfirmPayload `json:"confirm,omitempty"`
	Quality *QualityPayload `json:"quality,omitempty"`
}

// ConfirmPayload announces a message that reached Confirmed. Failures travel
// only as message events.
type ConfirmPayload struct {
	ID       string        `json:"id"`
	Checksum string        `json:"checksum"`
	Status   models.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
}

// QualityPayload is a link and backpressure snapshot.
type QualityPayload struct {
	Tier       models.Tier `json:"linkTier"`
	RSSI       *float64    `json:"rssi,omitempty"`
	SNR        *float64    `json:"snr,omitempty"`
	SampleAt   *time.Time  `json:"sampleAt,omitempty"`
	QueueDepth int         `json:"queueDepth"`
	Busy       bool        `json:"busy"`
	RadioState string      `json:"radioState,omitempty"`
}

// Validate checks that the payload matches the type tag.
func (e Event) Validate() error {
	set := 0
	if e.Type == TypeResync {
		if e.Message != nil || e.Confirm != nil || e.Quality != nil {
			return fmt.Errorf("resync event carries a payload")
		}
		return nil
	}
	if e.Message != nil {
		set++
	}
	if e.Confirm != nil {
		set++
	}
	if e.Quality != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("event %q carries %d payloads, want 1", e.Type, set)
	}

	switch e.Type {
	case TypeMessage:
		if e.Message == nil {
			return fmt.Errorf("message event without message payload")
		}
		if e.Message.ID == "" {
			return fmt.Errorf("message event without id")
		}
	case TypeConfirm:
		if e.Confirm == nil {
			return fmt.Errorf("confirm event without confirm payload")
		}
		if e.Confirm.ID == "" {
			return fmt.Errorf("confirm event without id")
		}
		if e.Confirm.Status != models.StatusConfirmed {
			return fmt.Errorf("confirm event with status %q", e.Confirm.Status)
		}
	case TypeQuality:
		if e.Quality == nil {
			return fmt.Errorf("quality event without quality payload")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// MessageEvent wraps a message snapshot.
func MessageEvent(m *models.Message) Event {
	return Event{Type: TypeMessage, Message: m.Clone()}
}

// ConfirmEvent is emitted when a message reaches Confirmed.
func ConfirmEvent(m *models.Message) Event {
	return Event{Type: TypeConfirm, Confirm: &ConfirmPayload{
		ID:       m.ID,
		Checksum: m.Checksum,
		Status:   m.Status,
		Reason:   m.Reason,
	}}
}

// ResyncEvent is sent to a lagging subscriber instead of the events it lost.
func ResyncEvent(lastSeq uint64) Event {
	return Event{Type: TypeResync, Seq: lastSeq, At: time.Now().UTC()}
}

// QualityEvent wraps a link snapshot.
func QualityEvent(q QualityPayload) Event {
	return Event{Type: TypeQuality, Quality: &q}
}
