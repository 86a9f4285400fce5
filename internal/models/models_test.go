package models

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError_Error(t *testing.T) {
	err := ConfigError{Message: "radio.command is required"}
	assert.Equal(t, "radio.command is required", err.Error())
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusSent, StatusConfirmed, StatusError} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("delivered").Valid())
	assert.False(t, Status("").Valid())
}

func TestMessage_Keys(t *testing.T) {
	m := &Message{ID: "01HX", Sender: "alice", Body: "a|b", CreatedAt: 1700000000000}
	assert.Equal(t, `"alice"|"a|b"|1700000000000`, m.DedupKey())
	assert.Equal(t, DedupKey("alice", "a|b", 1700000000000), m.DedupKey())
	assert.NotEqual(t, DedupKey("alice|a", "b", 1700000000000), m.DedupKey())
	assert.NotEqual(t, DedupKey(`alice"|"a`, "b", 1700000000000), m.DedupKey())
	assert.Equal(t, "1700000000000:01HX", m.Cursor())
	assert.Equal(t, "id:01HX", IDKey("01HX"))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	sent := time.Unix(100, 0)
	m := &Message{ID: "01HX", Status: StatusSent, SentAt: &sent}

	c := m.Clone()
	require.NotNil(t, c)
	assert.Equal(t, m, c)

	*c.SentAt = time.Unix(200, 0)
	c.Status = StatusConfirmed
	assert.Equal(t, time.Unix(100, 0), *m.SentAt)
	assert.Equal(t, StatusSent, m.Status)

	var nilMsg *Message
	assert.Nil(t, nilMsg.Clone())
}

func TestLess_OrdersByTimestampThenID(t *testing.T) {
	msgs := []*Message{
		{ID: "01C", CreatedAt: 2},
		{ID: "01B", CreatedAt: 1},
		{ID: "01A", CreatedAt: 2},
	}
	sort.Slice(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
	assert.Equal(t, []string{"01B", "01A", "01C"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestTier_RankAndPolicy(t *testing.T) {
	ordered := []Tier{TierOffline, TierPoor, TierFair, TierGood, TierExcellent}
	for i, tier := range ordered {
		assert.Equal(t, i, tier.Rank(), tier)
	}
	assert.False(t, TierOffline.AllowsRadio())
	assert.False(t, TierPoor.AllowsRadio())
	assert.False(t, TierFair.AllowsRadio())
	assert.True(t, TierGood.AllowsRadio())
	assert.True(t, TierExcellent.AllowsRadio())
}

func TestTelemetrySample_IsZero(t *testing.T) {
	assert.True(t, TelemetrySample{}.IsZero())
	assert.False(t, TelemetrySample{Mode: SampleModeTelemetry, RSSI: -80}.IsZero())
	assert.False(t, TelemetrySample{SNR: 3}.IsZero())
	assert.True(t, TelemetrySample{Mode: SampleModeLatency, RSSI: -80}.IsZero(), "latency samples ignore rssi")
	assert.False(t, TelemetrySample{Mode: SampleModeLatency, DownRTT: time.Millisecond}.IsZero())
}
