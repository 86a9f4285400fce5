// Package radio talks to the LoRa modem: frame codecs, reassembly and the
// drivers that move frames over the air.
package radio

import (
	"context"
	"errors"
)

// ErrRejected is returned when the modem reports it did not transmit the frame.
var ErrRejected = errors.New("radio: driver rejected frame")

// Telemetry is the link measurement a driver reports with a transmission.
type Telemetry struct {
	RSSI    float64 `json:"rssi"`
	SNR     float64 `json:"snr"`
	GainDBi float64 `json:"gain"`
}

// SendResult describes one accepted transmission.
type SendResult struct {
	Telemetry *Telemetry
	// AckChecksum is the checksum the remote node acknowledged, when the driver waited for one.
	AckChecksum string
}

// Driver is the opaque modem contract.
type Driver interface {
	Send(ctx context.Context, frame []byte) (SendResult, error)
	ReadInbox(ctx context.Context) ([][]byte, error)
	Close() error
}

// Null is a driver with no radio attached. Every send fails and the inbox is always empty.
type Null struct{}

func (Null) Send(context.Context, []byte) (SendResult, error) {
	return SendResult{}, errors.New("radio: no driver configured")
}

func (Null) ReadInbox(context.Context) ([][]byte, error) { return nil, nil }

func (Null) Close() error { return nil }
