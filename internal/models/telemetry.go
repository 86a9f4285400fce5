package models

import "time"

// Tier is a discrete link-quality classification.
type Tier string

const (
	TierOffline   Tier = "offline"
	TierPoor      Tier = "poor"
	TierFair      Tier = "fair"
	TierGood      Tier = "good"
	TierExcellent Tier = "excellent"
)

var tierRank = map[Tier]int{
	TierOffline:   0,
	TierPoor:      1,
	TierFair:      2,
	TierGood:      3,
	TierExcellent: 4,
}

// Rank orders tiers from offline (0) to excellent (4).
func (t Tier) Rank() int {
	return tierRank[t]
}

// AllowsRadio reports whether queued messages may be flushed over the radio at this tier.
func (t Tier) AllowsRadio() bool {
	return t == TierGood || t == TierExcellent
}

type SampleMode string

const (
	SampleModeTelemetry SampleMode = "telemetry"
	SampleModeLatency   SampleMode = "latency"
)

// TelemetrySample is one link measurement, either radio telemetry or a ping/pong latency pair.
type TelemetrySample struct {
	At      time.Time     `json:"at"`
	Mode    SampleMode    `json:"mode"`
	RSSI    float64       `json:"rssi,omitempty"`
	SNR     float64       `json:"snr,omitempty"`
	GainDBi float64       `json:"gain,omitempty"`
	UpRTT   time.Duration `json:"upRtt,omitempty"`
	DownRTT time.Duration `json:"downRtt,omitempty"`
}

// IsZero reports whether the sample carries no measurement.
func (s TelemetrySample) IsZero() bool {
	switch s.Mode {
	case SampleModeLatency:
		return s.UpRTT <= 0 && s.DownRTT <= 0
	default:
		return s.RSSI == 0 && s.SNR == 0
	}
}
