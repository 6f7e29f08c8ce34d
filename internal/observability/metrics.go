package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for the session engine.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordAdmission("cooldown")
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (whatsapp|telegram), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// AdmissionCounter counts rate limiter decisions.
	// Labels: result (allowed|cooldown|window_exceeded)
	AdmissionCounter *prometheus.CounterVec

	// TransitionCounter counts session mode changes.
	// Labels: from, to
	TransitionCounter *prometheus.CounterVec

	// DeliveryCounter counts outbound send tasks.
	// Labels: outcome (sent|failed)
	DeliveryCounter *prometheus.CounterVec

	// DeliveryWait measures time spent waiting on the global send pacer.
	DeliveryWait prometheus.Histogram

	// AIRequestCounter counts completion attempts per model.
	// Labels: model, status (success|error)
	AIRequestCounter *prometheus.CounterVec

	// AIRequestDuration measures completion attempt latency in seconds.
	// Labels: model
	AIRequestDuration *prometheus.HistogramVec

	// JobCounter counts download jobs by kind and outcome.
	// Labels: kind (video|audio), outcome (success|failed|timeout|busy)
	JobCounter *prometheus.CounterVec

	// JobDuration measures download job wall time in seconds.
	// Labels: kind
	JobDuration *prometheus.HistogramVec

	// ActiveJobs is the number of in-flight downloads.
	ActiveJobs prometheus.Gauge

	// ActiveSessions is the number of live sessions.
	ActiveSessions prometheus.Gauge

	// EvictedSessions counts sessions removed by idle eviction.
	EvictedSessions prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer, which must only happen once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		AdmissionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_admissions_total",
				Help: "Rate limiter decisions by result",
			},
			[]string{"result"},
		),

		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_transitions_total",
				Help: "Session mode transitions",
			},
			[]string{"from", "to"},
		),

		DeliveryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_deliveries_total",
				Help: "Outbound delivery tasks by outcome",
			},
			[]string{"outcome"},
		),

		DeliveryWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_delivery_pacing_wait_seconds",
				Help:    "Time delivery tasks waited on the global send interval",
				Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),

		AIRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_ai_requests_total",
				Help: "AI completion attempts by model and status",
			},
			[]string{"model", "status"},
		),

		AIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_ai_request_duration_seconds",
				Help:    "Duration of AI completion attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"model"},
		),

		JobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_jobs_total",
				Help: "Download jobs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_job_duration_seconds",
				Help:    "Download job duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),

		ActiveJobs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_jobs",
				Help: "Number of in-flight download jobs",
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Number of live conversation sessions",
			},
		),

		EvictedSessions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_evicted_sessions_total",
				Help: "Sessions removed by idle eviction",
			},
		),
	}
}

// MessageReceived records an inbound message.
func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent records an outbound message.
func (m *Metrics) MessageSent(channel string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordAdmission records a rate limiter decision.
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.AdmissionCounter.WithLabelValues(result).Inc()
}

// RecordTransition records a session mode change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionCounter.WithLabelValues(from, to).Inc()
}

// RecordDelivery records the outcome of an outbound task.
func (m *Metrics) RecordDelivery(outcome string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.DeliveryCounter.WithLabelValues(outcome).Inc()
	m.DeliveryWait.Observe(waitSeconds)
}

// RecordAIRequest records one completion attempt.
func (m *Metrics) RecordAIRequest(model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AIRequestCounter.WithLabelValues(model, status).Inc()
	m.AIRequestDuration.WithLabelValues(model).Observe(durationSeconds)
}

// JobStarted increments the active job gauge.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

// JobFinished records a completed job and decrements the active gauge.
func (m *Metrics) JobFinished(kind, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.JobCounter.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// JobRejected records a job refused because one was already running.
func (m *Metrics) JobRejected(kind string) {
	if m == nil {
		return
	}
	m.JobCounter.WithLabelValues(kind, "busy").Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SessionsEvicted records sessions removed by a sweep.
func (m *Metrics) SessionsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EvictedSessions.Add(float64(n))
}
