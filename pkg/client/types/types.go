// Package types holds the wire format of the lorachat HTTP API.
package types

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

// Rank orders statuses for tie-breaking: pending < sent < confirmed, error.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusConfirmed, StatusError:
		return 2
	default:
		return 0
	}
}

type Message struct {
	ID        string     `json:"id" yaml:"id"`
	From      string     `json:"from" yaml:"from"`
	Message   string     `json:"message" yaml:"message"`
	Timestamp int64      `json:"timestamp" yaml:"timestamp"`
	Checksum  string     `json:"checksum" yaml:"checksum"`
	Status    Status     `json:"status" yaml:"status"`
	Reason    string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Transport string     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Direction string     `json:"direction" yaml:"direction"`
	RemoteID  string     `json:"remoteId,omitempty" yaml:"remoteId,omitempty"`
	Attempts  int        `json:"attempts" yaml:"attempts"`
	SentAt    *time.Time `json:"sentAt,omitempty" yaml:"sentAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// Key is the sender|body|timestamp identity used to collapse duplicates.
func (m Message) Key() string {
	return DedupKey(m.From, m.Message, m.Timestamp)
}

func DedupKey(from, message string, timestamp int64) string {
	return strconv.Quote(from) + "|" + strconv.Quote(message) + "|" + strconv.FormatInt(timestamp, 10)
}

type SendRequest struct {
	From      string `json:"from,omitempty" yaml:"from,omitempty"`
	Message   string `json:"message" yaml:"message"`
	Timestamp int64  `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Checksum  string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

type Receipt struct {
	ID       string `json:"id" yaml:"id"`
	Status   Status `json:"status" yaml:"status"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Created  bool   `json:"created" yaml:"created"`
}

type MessagePage struct {
	Messages []Message `json:"messages" yaml:"messages"`
	Cursor   string    `json:"cursor" yaml:"cursor"`
}

// Quality is the link and backpressure snapshot served by /api/status.
type Quality struct {
	LinkTier   string     `json:"linkTier" yaml:"linkTier"`
	RSSI       *float64   `json:"rssi,omitempty" yaml:"rssi,omitempty"`
	SNR        *float64   `json:"snr,omitempty" yaml:"snr,omitempty"`
	SampleAt   *time.Time `json:"sampleAt,omitempty" yaml:"sampleAt,omitempty"`
	QueueDepth int        `json:"queueDepth" yaml:"queueDepth"`
	Busy       bool       `json:"busy" yaml:"busy"`
	RadioState string     `json:"radioState,omitempty" yaml:"radioState,omitempty"`
}

// Syncing reports whether the relay is still draining its queue.
func (q Quality) Syncing() bool {
	return q.QueueDepth > 0 || q.Busy
}

type Confirm struct {
	ID       string `json:"id" yaml:"id"`
	Checksum string `json:"checksum" yaml:"checksum"`
	Status   Status `json:"status" yaml:"status"`
	Reason   string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type EventType string

const (
	EventMessage EventType = "message"
	EventConfirm EventType = "confirm"
	EventQuality EventType = "quality"
	EventResync  EventType = "resync"
)

// Event is one push notification from /api/stream or /api/ws.
type Event struct {
	Type    EventType `json:"type" yaml:"type"`
	Seq     uint64    `json:"seq" yaml:"seq"`
	At      time.Time `json:"at" yaml:"at"`
	Message *Message  `json:"message,omitempty" yaml:"message,omitempty"`
	Confirm *Confirm  `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	Quality *Quality  `json:"quality,omitempty" yaml:"quality,omitempty"`
}

type ChecksumResponse struct {
	Checksum string `json:"checksum" yaml:"checksum"`
}

type ErrorResponse struct {
	Error struct {
		Code    string                 `json:"code" yaml:"code"`
		Message string                 `json:"message" yaml:"message"`
		Context map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
	} `json:"error" yaml:"error"`
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
}
