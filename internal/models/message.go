package models

import (
	"strconv"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusConfirmed, StatusError:
		return true
	}
	return false
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Transport names recorded in Message.TransportUsed.
const (
	TransportReliable = "reliable"
	TransportRadio    = "radio"
)

// Failure reasons recorded in Message.Reason.
const (
	ReasonTransportFailed     = "transport-failed"
	ReasonChecksumMismatch    = "checksum-mismatch"
	ReasonConfirmationTimeout = "confirmation-timeout"
	ReasonRadioDegraded       = "radio-degraded"
	ReasonDeliverTimeout      = "deliver-timeout"
)

// Message is a single chat message tracked by the relay.
type Message struct {
	ID            string     `json:"id"`
	Sender        string     `json:"from"`
	Body          string     `json:"message"`
	CreatedAt     int64      `json:"timestamp"`
	Checksum      string     `json:"checksum"`
	Status        Status     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	TransportUsed string     `json:"transport,omitempty"`
	Direction     Direction  `json:"direction"`
	RemoteID      string     `json:"remoteId,omitempty"`
	Attempts      int        `json:"attempts"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DedupKey returns the composite identity used to collapse repeat deliveries.
func (m *Message) DedupKey() string {
	return DedupKey(m.Sender, m.Body, m.CreatedAt)
}

// Cursor returns the listing cursor positioned at this message.
func (m *Message) Cursor() string {
	return strconv.FormatInt(m.CreatedAt, 10) + ":" + m.ID
}

// Clone returns a copy safe to hand out of a lock.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

// DedupKey builds the sender|body|createdAt composite key. Sender and body are
// quoted so a "|" inside either cannot shift the field boundaries.
func DedupKey(sender, body string, createdAt int64) string {
	return strconv.Quote(sender) + "|" + strconv.Quote(body) + "|" + strconv.FormatInt(createdAt, 10)
}

// SameContent reports whether two records carry the same sender, body and createdAt.
func SameContent(a, b *Message) bool {
	return a.Sender == b.Sender && a.Body == b.Body && a.CreatedAt == b.CreatedAt
}

// IDKey builds a dedup key from a message id, used when an inbound frame carries one.
func IDKey(id string) string {
	return "id:" + id
}

// Less orders messages by createdAt, ties broken by id.
func Less(a, b *Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// InboundMessage is a message received from a peer over either channel.
type InboundMessage struct {
	ID        string `json:"id,omitempty"`
	Sender    string `json:"from" validate:"required,max=64"`
	Body      string `json:"message" validate:"required,max=4096"`
	CreatedAt int64  `json:"timestamp" validate:"required,gt=0"`
	Checksum  string `json:"checksum" validate:"required,hexadecimal"`
	Transport string `json:"-"`
}

// Receipt acknowledges an accepted message. It is the reply body of /api/send,
// /api/inbound and the NATS deliver subject.
type Receipt struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Checksum string `json:"checksum"`
	Created  bool   `json:"created"`
}

// ConfirmRequest is a downstream confirmation pushed by a peer relay.
type ConfirmRequest struct {
	ID       string `json:"id" validate:"required,max=128"`
	Checksum string `json:"checksum" validate:"required,hexadecimal"`
}
