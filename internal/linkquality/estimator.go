// Package linkquality turns radio telemetry or round-trip latency into a Tier.
package linkquality

import (
	"sync/atomic"
	"time"

	"lorachat/internal/models"
)

// FromTelemetry classifies a single rssi/snr sample.
func FromTelemetry(s models.TelemetrySample) models.Tier {
	if s.IsZero() {
		return models.TierOffline
	}
	switch {
	case s.RSSI > -80 && s.SNR > 7:
		return models.TierExcellent
	case s.RSSI > -90 && s.SNR > 5:
		return models.TierGood
	case s.RSSI > -100 && s.SNR > 2:
		return models.TierFair
	default:
		return models.TierPoor
	}
}

// FromLatency classifies a ping/pong round trip measured in both directions.
// A non-positive duration means that direction was not measured.
func FromLatency(up, down time.Duration) models.Tier {
	if up <= 0 && down <= 0 {
		return models.TierOffline
	}
	under := func(limit time.Duration) (both, either bool) {
		u := up > 0 && up < limit
		d := down > 0 && down < limit
		return u && d, u || d
	}
	if both, _ := under(100 * time.Millisecond); both {
		return models.TierExcellent
	}
	if _, either := under(200 * time.Millisecond); either {
		return models.TierGood
	}
	if _, either := under(400 * time.Millisecond); either {
		return models.TierFair
	}
	return models.TierPoor
}

// Classify dispatches on the sample mode.
func Classify(s models.TelemetrySample) models.Tier {
	if s.Mode == models.SampleModeLatency {
		return FromLatency(s.UpRTT, s.DownRTT)
	}
	return FromTelemetry(s)
}

// Reading is the latest sample with its tier.
type Reading struct {
	Sample models.TelemetrySample
	Tier   models.Tier
}

// TransitionFunc is called when the effective tier changes.
type TransitionFunc func(from, to models.Tier, r Reading)

// Tracker retains only the most recent sample. Reads are lock-free.
type Tracker struct {
	latest    atomic.Pointer[Reading]
	lastTier  atomic.Pointer[models.Tier]
	staleness time.Duration
	now       func() time.Time
	onChange  TransitionFunc
}

// NewTracker builds a tracker that reports Offline once the latest sample is older than staleness.
func NewTracker(staleness time.Duration, onChange TransitionFunc) *Tracker {
	t := &Tracker{staleness: staleness, now: time.Now, onChange: onChange}
	offline := models.TierOffline
	t.lastTier.Store(&offline)
	return t
}

// SetTransitionFunc replaces the transition callback. Call before concurrent use.
func (t *Tracker) SetTransitionFunc(fn TransitionFunc) {
	t.onChange = fn
}

// Observe records a sample and returns its tier.
func (t *Tracker) Observe(s models.TelemetrySample) models.Tier {
	if s.At.IsZero() {
		s.At = t.now()
	}
	r := &Reading{Sample: s, Tier: Classify(s)}
	t.latest.Store(r)
	t.notify(r.Tier, *r)
	return r.Tier
}

// Current returns the effective tier, Offline when no fresh sample exists.
func (t *Tracker) Current() models.Tier {
	r, ok := t.Latest()
	tier := models.TierOffline
	if ok {
		tier = r.Tier
	}
	t.notify(tier, r)
	return tier
}

// Latest returns the most recent reading if it is within the staleness window.
func (t *Tracker) Latest() (Reading, bool) {
	r := t.latest.Load()
	if r == nil {
		return Reading{Tier: models.TierOffline}, false
	}
	if t.staleness > 0 && t.now().Sub(r.Sample.At) > t.staleness {
		return Reading{Sample: r.Sample, Tier: models.TierOffline}, false
	}
	return *r, true
}

func (t *Tracker) notify(tier models.Tier, r Reading) {
	for {
		prev := t.lastTier.Load()
		if *prev == tier {
			return
		}
		next := tier
		if t.lastTier.CompareAndSwap(prev, &next) {
			if t.onChange != nil {
				t.onChange(*prev, tier, r)
			}
			return
		}
	}
}
