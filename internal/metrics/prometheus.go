package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	webhooksTotal     *prometheus.CounterVec
	jobsEnqueuedTotal *prometheus.CounterVec

	jobsCompletedTotal *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	jobsRetriedTotal   *prometheus.CounterVec
	jobsInFlight       prometheus.Gauge
	lowNoiseDeferrals  prometheus.Counter

	executionsTotal  *prometheus.CounterVec
	executionLatency prometheus.Histogram
	sessionPollTotal *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_webhooks_received_total",
			Help: "Inbound webhook deliveries by ingestion outcome.",
		}, []string{"outcome"}),
		jobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_enqueued_total",
			Help: "Jobs placed on the stream by kind.",
		}, []string{"kind"}),
		jobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_completed_total",
			Help: "Jobs drained from the stream by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_duration_seconds",
			Help:    "Wall time spent processing one job.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}),
		jobsRetriedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_retried_total",
			Help: "Jobs requeued after a failed attempt, by kind.",
		}, []string{"kind"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_jobs_in_flight",
			Help: "Jobs currently being processed.",
		}),
		lowNoiseDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_low_noise_deferrals_total",
			Help: "Jobs deferred because the trigger already had a running execution.",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_executions_total",
			Help: "Terminal execution writes by status.",
		}, []string{"status"}),
		executionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_execution_latency_seconds",
			Help:    "Session wall time from start to terminal status.",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600},
		}),
		sessionPollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_session_polls_total",
			Help: "Session status polls by transient-error classification.",
		}, []string{"transient"}),
	}

	s.register(reg, s.webhooksTotal, "relay_webhooks_received_total")
	s.register(reg, s.jobsEnqueuedTotal, "relay_jobs_enqueued_total")
	s.register(reg, s.jobsCompletedTotal, "relay_jobs_completed_total")
	s.register(reg, s.jobDuration, "relay_job_duration_seconds")
	s.register(reg, s.jobsRetriedTotal, "relay_jobs_retried_total")
	s.register(reg, s.jobsInFlight, "relay_jobs_in_flight")
	s.register(reg, s.lowNoiseDeferrals, "relay_low_noise_deferrals_total")
	s.register(reg, s.executionsTotal, "relay_executions_total")
	s.register(reg, s.executionLatency, "relay_execution_latency_seconds")
	s.register(reg, s.sessionPollTotal, "relay_session_polls_total")

	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) WebhookReceived(outcome string) {
	s.webhooksTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) JobEnqueued(kind string) {
	s.jobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) JobCompleted(kind, outcome string, duration time.Duration) {
	s.jobsCompletedTotal.WithLabelValues(kind, outcome).Inc()
	s.jobDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) JobRetried(kind string) {
	s.jobsRetriedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) JobsInFlightIncr() { s.jobsInFlight.Inc() }
func (s *PrometheusSink) JobsInFlightDecr() { s.jobsInFlight.Dec() }

func (s *PrometheusSink) LowNoiseDeferred() { s.lowNoiseDeferrals.Inc() }

func (s *PrometheusSink) ExecutionFinished(status string, latency time.Duration) {
	s.executionsTotal.WithLabelValues(status).Inc()
	s.executionLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) SessionPoll(transient bool) {
	label := "false"
	if transient {
		label = "true"
	}
	s.sessionPollTotal.WithLabelValues(label).Inc()
}
