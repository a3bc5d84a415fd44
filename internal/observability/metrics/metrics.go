package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics of the feed pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Upstream
	FetchTotal        *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	BreakerOpen       *prometheus.GaugeVec
	CredentialRefresh *prometheus.CounterVec

	// Pipeline
	ItemsEmitted    prometheus.Counter
	RenderFailures  prometheus.Counter
	EntityFailures  prometheus.Counter
	CycleDuration   prometheus.Histogram
	LiveTransitions *prometheus.CounterVec

	// Delivery
	DeliveryAttempts *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	// Runtime
	Restarts *prometheus.CounterVec
}

// New creates the metrics and registers them on reg (nil means no registration).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "fetch_total",
			Help: "Upstream tier calls by tier and result.",
		}, []string{"tier", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedwatch", Name: "fetch_duration_seconds",
			Help:    "Upstream tier call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedwatch", Name: "tier_breaker_open",
			Help: "1 while the tier circuit breaker is open.",
		}, []string{"tier"}),
		CredentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "credential_refresh_total",
			Help: "Signing key refreshes by result.",
		}, []string{"result"}),
		ItemsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "items_emitted_total",
			Help: "New feed items handed to delivery.",
		}),
		RenderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "render_failures_total",
			Help: "Items skipped because their payload could not be rendered.",
		}),
		EntityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "entity_failures_total",
			Help: "Entities skipped in a cycle after all tiers failed.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "feedwatch", Name: "cycle_duration_seconds",
			Help:    "Duration of one poll cycle.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		LiveTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "live_transitions_total",
			Help: "Observed live-room transitions.",
		}, []string{"kind"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "delivery_attempts_total",
			Help: "Delivery attempts by tier and outcome.",
		}, []string{"tier", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedwatch", Name: "destination_queue_depth",
			Help: "Pending jobs per destination queue.",
		}, []string{"destination"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedwatch", Name: "goroutine_restarts_total",
			Help: "Supervised loops restarted after an error or panic.",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FetchTotal, m.FetchDuration, m.BreakerOpen, m.CredentialRefresh,
			m.ItemsEmitted, m.RenderFailures, m.EntityFailures, m.CycleDuration, m.LiveTransitions,
			m.DeliveryAttempts, m.QueueDepth, m.Restarts,
		)
	}
	return m
}

func (m *Metrics) ObserveFetch(tier, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(tier, result).Inc()
	m.FetchDuration.WithLabelValues(tier).Observe(took.Seconds())
}

func (m *Metrics) SetBreakerOpen(tier string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(tier).Set(v)
}

func (m *Metrics) IncCredentialRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CredentialRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) AddItemsEmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsEmitted.Add(float64(n))
}

func (m *Metrics) IncRenderFailure() {
	if m == nil {
		return
	}
	m.RenderFailures.Inc()
}

func (m *Metrics) IncEntityFailure() {
	if m == nil {
		return
	}
	m.EntityFailures.Inc()
}

func (m *Metrics) ObserveCycle(took time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(took.Seconds())
}

func (m *Metrics) IncLiveTransition(kind string) {
	if m == nil {
		return
	}
	m.LiveTransitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncDeliveryAttempt(tier, outcome string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(dest string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(dest).Set(float64(n))
}

// DeleteQueue drops the gauge of a reaped destination queue.
func (m *Metrics) DeleteQueue(dest string) {
	if m == nil {
		return
	}
	m.QueueDepth.DeleteLabelValues(dest)
}

func (m *Metrics) IncRestart(name string) {
	if m == nil {
		return
	}
	m.Restarts.WithLabelValues(name).Inc()
}
