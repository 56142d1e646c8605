package notifications

import (
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/session-billing/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks delivery of session, escrow and wallet events to external
// channels. Every series carries the event category (session, escrow,
// wallet or payment) so settlement notices can be alerted on separately
// from lifecycle chatter.
type Metrics struct {
	deliveries *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	duplicates prometheus.Counter
	queueDepth prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide notification metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "billing_notification_deliveries_total",
					Help: "Notification delivery attempts by channel, event category, event type and outcome",
				},
				[]string{"channel", "category", "event_type", "outcome"},
			),
			latency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "billing_notification_delivery_seconds",
					Help:    "Time spent delivering one notification",
					Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
				},
				[]string{"channel", "outcome"},
			),
			retries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "billing_notification_retries_total",
					Help: "Notifications queued for another attempt",
				},
				[]string{"channel", "category"},
			),
			dropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "billing_notification_dropped_total",
					Help: "Notifications abandoned, by reason (max_retries, queue_full)",
				},
				[]string{"channel", "category", "reason"},
			),
			duplicates: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "billing_notification_duplicates_total",
					Help: "Events skipped because their id was already delivered",
				},
			),
			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "billing_notification_retry_queue_depth",
					Help: "Notifications waiting in the retry queue",
				},
			),
		}
	})

	return metricsInstance
}

// category is the prefix of an event type: "session.ended" is "session".
func category(eventType events.EventType) string {
	if i := strings.IndexByte(string(eventType), '.'); i > 0 {
		return string(eventType[:i])
	}
	return "other"
}

func outcome(ok bool) string {
	if ok {
		return "delivered"
	}
	return "failed"
}

// RecordDelivery records one delivery attempt.
func (m *Metrics) RecordDelivery(channel string, eventType events.EventType, ok bool, duration time.Duration) {
	m.deliveries.WithLabelValues(channel, category(eventType), string(eventType), outcome(ok)).Inc()
	m.latency.WithLabelValues(channel, outcome(ok)).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(channel string, eventType events.EventType) {
	m.retries.WithLabelValues(channel, category(eventType)).Inc()
}

func (m *Metrics) RecordDrop(channel string, eventType events.EventType, reason string) {
	m.dropped.WithLabelValues(channel, category(eventType), reason).Inc()
}

func (m *Metrics) RecordDuplicate() {
	m.duplicates.Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
