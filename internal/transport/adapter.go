// Package transport delivers outbound messages over the reliable peer channel
// (HTTP or NATS) or the LoRa radio.
package transport

import (
	"context"
	"time"

	"lorachat/internal/models"
	"lorachat/pkg/radio"
)

// Ack is a downstream acknowledgement returned synchronously with a delivery.
type Ack struct {
	Checksum string
}

// Outcome is the result of one delivery attempt. Err is set exactly when OK is false.
type Outcome struct {
	OK        bool
	RemoteID  string
	Ack       *Ack
	Telemetry *models.TelemetrySample
	Err       error
}

// Adapter delivers one message per call. Implementations must honor ctx.
type Adapter interface {
	Name() string
	Deliver(ctx context.Context, msg *models.Message) Outcome
}

func failed(err error) Outcome {
	return Outcome{Err: err}
}

// PeerMessage is the wire form of a message sent to a peer relay.
func PeerMessage(msg *models.Message) models.InboundMessage {
	return models.InboundMessage{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		Checksum:  msg.Checksum,
	}
}

// SampleFromRadio converts driver telemetry into a link sample taken at.
func SampleFromRadio(t *radio.Telemetry, at time.Time) *models.TelemetrySample {
	if t == nil {
		return nil
	}
	return &models.TelemetrySample{
		At:      at,
		Mode:    models.SampleModeTelemetry,
		RSSI:    t.RSSI,
		SNR:     t.SNR,
		GainDBi: t.GainDBi,
	}
}
