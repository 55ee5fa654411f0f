package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are constructed against an explicit registerer and passed down
// the call chain; nothing here keeps package-level state.

// SwapMetrics tracks swap engine operations.
type SwapMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// NewSwapMetrics registers the swap collectors on reg. A nil registerer
// falls back to the default one.
func NewSwapMetrics(reg prometheus.Registerer) *SwapMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SwapMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "swap",
			Name:      "requests_total",
			Help:      "Count of swap engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "satmarket",
			Subsystem: "swap",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for swap engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "swap",
			Name:      "errors_total",
			Help:      "Count of swap engine failures segmented by operation and reason.",
		}, []string{"operation", "reason"}),
	}
	reg.MustRegister(m.requests, m.latency, m.errors)
	return m
}

// Observe records the outcome of one swap engine operation.
func (m *SwapMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// ProviderMetrics tracks payment provider attempts.
type ProviderMetrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewProviderMetrics registers the provider collectors on reg.
func NewProviderMetrics(reg prometheus.Registerer) *ProviderMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ProviderMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "provider",
			Name:      "attempts_total",
			Help:      "Count of payment provider attempts segmented by endpoint, action, and outcome.",
		}, []string{"endpoint", "action", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "satmarket",
			Subsystem: "provider",
			Name:      "attempt_duration_seconds",
			Help:      "Latency distribution for payment provider attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "action"}),
	}
	reg.MustRegister(m.attempts, m.latency)
	return m
}

// ObserveAttempt records a single provider attempt.
func (m *ProviderMetrics) ObserveAttempt(endpoint, action string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.attempts.WithLabelValues(endpoint, action, outcome).Inc()
	m.latency.WithLabelValues(endpoint, action).Observe(duration.Seconds())
}

// ReconMetrics tracks reconciliation job health.
type ReconMetrics struct {
	runs    *prometheus.CounterVec
	items   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewReconMetrics registers the reconciliation collectors on reg.
func NewReconMetrics(reg prometheus.Registerer) *ReconMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ReconMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "recon",
			Name:      "runs_total",
			Help:      "Count of reconciliation passes segmented by job and outcome.",
		}, []string{"job", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "recon",
			Name:      "items_total",
			Help:      "Count of reconciled items segmented by job and result.",
		}, []string{"job", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "satmarket",
			Subsystem: "recon",
			Name:      "run_duration_seconds",
			Help:      "Latency distribution for reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	reg.MustRegister(m.runs, m.items, m.latency)
	return m
}

// ObserveRun records the outcome of one reconciliation pass.
func (m *ReconMetrics) ObserveRun(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.latency.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordItem records the result of a single reconciled item.
func (m *ReconMetrics) RecordItem(job, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.items.WithLabelValues(job, result).Inc()
}

// AlertMetrics tracks the outbound alert queue.
type AlertMetrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
	failures  prometheus.Counter
}

// NewAlertMetrics registers the alert collectors on reg.
func NewAlertMetrics(reg prometheus.Registerer) *AlertMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &AlertMetrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "alerts",
			Name:      "published_total",
			Help:      "Count of alert events accepted onto the outbound queue.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "alerts",
			Name:      "dropped_total",
			Help:      "Count of alert events dropped because the queue was full.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "satmarket",
			Subsystem: "alerts",
			Name:      "delivery_failures_total",
			Help:      "Count of alert deliveries that exhausted their retries.",
		}),
	}
	reg.MustRegister(m.published, m.dropped, m.failures)
	return m
}

// RecordPublished increments the accepted-event counter.
func (m *AlertMetrics) RecordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// RecordDropped increments the dropped-event counter.
func (m *AlertMetrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// RecordFailure increments the delivery-failure counter.
func (m *AlertMetrics) RecordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
