package events

import (
	"testing"

	"lorachat/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestEvent_Validate(t *testing.T) {
	msg := &models.Message{ID: "01H", Status: models.StatusConfirmed, Checksum: "ABCD1234"}

	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"message", MessageEvent(msg), false},
		{"confirm", ConfirmEvent(msg), false},
		{"quality", QualityEvent(QualityPayload{Tier: models.TierGood}), false},
		{"no payload", Event{Type: TypeMessage}, true},
		{"wrong payload for tag", Event{Type: TypeConfirm, Message: msg}, true},
		{"two payloads", Event{Type: TypeMessage, Message: msg, Quality: &QualityPayload{}}, true},
		{"unknown tag", Event{Type: "bogus", Quality: &QualityPayload{}}, true},
		{"message without id", MessageEvent(&models.Message{}), true},
		{"confirm without id", Event{Type: TypeConfirm, Confirm: &ConfirmPayload{}}, true},
		{"confirm of a failure", Event{Type: TypeConfirm, Confirm: &ConfirmPayload{ID: "01H", Status: models.StatusError}}, true},
		{"resync", ResyncEvent(7), false},
		{"resync with payload", Event{Type: TypeResync, Message: msg}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageEvent_SnapshotsMessage(t *testing.T) {
	msg := &models.Message{ID: "01H", Status: models.StatusPending}
	e := MessageEvent(msg)

	msg.Status = models.StatusSent

	assert.Equal(t, models.StatusPending, e.Message.Status)
}

func TestConfirmEvent_CarriesIdentity(t *testing.T) {
	e := ConfirmEvent(&models.Message{ID: "x", Checksum: "ABCD", Status: models.StatusConfirmed})
	assert.Equal(t, TypeConfirm, e.Type)
	assert.Equal(t, "x", e.Confirm.ID)
	assert.Equal(t, "ABCD", e.Confirm.Checksum)
	assert.Equal(t, models.StatusConfirmed, e.Confirm.Status)
}
