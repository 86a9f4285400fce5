// Package metrics exposes the relay's Prometheus collectors and the helpers that update them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lorachat"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status class.",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages accepted by the relay.",
		},
		[]string{"direction", "result"}, // result: created, duplicate, rejected
	)

	statusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Delivery status transitions applied.",
		},
		[]string{"from", "to", "reason"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Adapter delivery attempts.",
		},
		[]string{"transport", "result"}, // result: ok, failed, timeout
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single adapter delivery.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"transport"},
	)

	flushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Scheduler flush attempts.",
		},
		[]string{"trigger", "result"}, // result: drained, gated, skipped_busy, empty
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Messages waiting in the scheduler queue.",
	})

	flushBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "flush_busy",
		Help:      "1 while a flush is in progress.",
	})

	linkTierRank = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "link_tier",
		Help:      "Current link tier, 0=offline through 4=excellent.",
	})

	radioRSSI = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "radio_rssi_dbm",
		Help:      "RSSI of the latest radio telemetry sample.",
	})

	radioSNR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "radio_snr_db",
		Help:      "SNR of the latest radio telemetry sample.",
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "radio_breaker_state",
		Help:      "Radio breaker state, 0=closed 1=half-open 2=open.",
	})

	staleSentGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sent_awaiting_confirmation",
		Help:      "Messages in sent state still waiting for confirmation.",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped for lagging subscribers.",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Connected push subscribers.",
	})

	inboundFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Frames read from the radio inbox.",
		},
		[]string{"kind", "result"},
	)
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(route, method string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func RecordMessage(direction, result string) {
	messagesTotal.WithLabelValues(direction, result).Inc()
}

func RecordTransition(from, to, reason string) {
	statusTransitionsTotal.WithLabelValues(from, to, reason).Inc()
}

func RecordDelivery(transport, result string, d time.Duration) {
	deliveriesTotal.WithLabelValues(transport, result).Inc()
	deliveryDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func RecordFlush(trigger, result string) {
	flushesTotal.WithLabelValues(trigger, result).Inc()
}

func SetQueueState(depth int, busy bool) {
	queueDepth.Set(float64(depth))
	if busy {
		flushBusy.Set(1)
	} else {
		flushBusy.Set(0)
	}
}

func SetLinkTier(rank int) {
	linkTierRank.Set(float64(rank))
}

func SetRadioSignal(rssi, snr float64) {
	radioRSSI.Set(rssi)
	radioSNR.Set(snr)
}

func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

func SetAwaitingConfirmation(n int) {
	staleSentGauge.Set(float64(n))
}

func RecordEventDropped() {
	eventsDropped.Inc()
}

func AddSubscribers(delta int) {
	subscribers.Add(float64(delta))
}

func RecordInboundFrame(kind, result string) {
	inboundFramesTotal.WithLabelValues(kind, result).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
