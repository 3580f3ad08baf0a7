package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives pipeline counters. Components default to NopMetrics.
type Metrics interface {
	LogIngested(severity Severity)
	// DuplicateIgnored counts suppressed work; kind is "log" or "request".
	DuplicateIgnored(kind string)
	AnalysisRequested(priority Priority)
	DispatchFailed()
	AnalysisCompleted()
	CorrelationAnomaly(reason string)
	NotificationCreated(channel string)
	NotificationFailed(channel string)
	DeadLettered(stream string)
	RequestsExpired(n int)
}

// NopMetrics drops everything.
type NopMetrics struct{}

func (NopMetrics) LogIngested(Severity)       {}
func (NopMetrics) DuplicateIgnored(string)    {}
func (NopMetrics) AnalysisRequested(Priority) {}
func (NopMetrics) DispatchFailed()            {}
func (NopMetrics) AnalysisCompleted()         {}
func (NopMetrics) CorrelationAnomaly(string)  {}
func (NopMetrics) NotificationCreated(string) {}
func (NopMetrics) NotificationFailed(string)  {}
func (NopMetrics) DeadLettered(string)        {}
func (NopMetrics) RequestsExpired(int)        {}

type PrometheusMetrics struct {
	logsIngested       *prometheus.CounterVec
	duplicates         *prometheus.CounterVec
	analysisRequested  *prometheus.CounterVec
	dispatchFailures   prometheus.Counter
	analysisCompleted  prometheus.Counter
	anomalies          *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	notificationErrors *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	requestsExpired    prometheus.Counter
}

// NewPrometheusMetrics registers the pipeline collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		logsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_logs_ingested_total",
			Help: "Log events persisted, by severity.",
		}, []string{"severity"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_duplicates_ignored_total",
			Help: "Duplicate deliveries and suppressed analysis requests, by kind.",
		}, []string{"kind"}),
		analysisRequested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_analysis_requested_total",
			Help: "Analysis requests created, by priority.",
		}, []string{"priority"}),
		dispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "logcorr_dispatch_failures_total",
			Help: "Analysis requests persisted but not published.",
		}),
		analysisCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "logcorr_analysis_completed_total",
			Help: "Analysis results correlated onto a pending request.",
		}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_correlation_anomalies_total",
			Help: "Analysis results that matched no pending request, by reason.",
		}, []string{"reason"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_notifications_created_total",
			Help: "Notifications created, by channel.",
		}, []string{"channel"}),
		notificationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_notification_failures_total",
			Help: "Notifications that could not be created or handed to delivery, by channel.",
		}, []string{"channel"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "logcorr_dead_letters_total",
			Help: "Inbound messages set aside as malformed, by stream.",
		}, []string{"stream"}),
		requestsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "logcorr_requests_expired_total",
			Help: "Pending analysis requests expired by the sweeper.",
		}),
	}
}

func (m *PrometheusMetrics) LogIngested(s Severity) { m.logsIngested.WithLabelValues(string(s)).Inc() }
func (m *PrometheusMetrics) DuplicateIgnored(kind string) {
	m.duplicates.WithLabelValues(kind).Inc()
}
func (m *PrometheusMetrics) AnalysisRequested(p Priority) {
	m.analysisRequested.WithLabelValues(string(p)).Inc()
}
func (m *PrometheusMetrics) DispatchFailed()    { m.dispatchFailures.Inc() }
func (m *PrometheusMetrics) AnalysisCompleted() { m.analysisCompleted.Inc() }
func (m *PrometheusMetrics) CorrelationAnomaly(reason string) {
	m.anomalies.WithLabelValues(reason).Inc()
}
func (m *PrometheusMetrics) NotificationCreated(channel string) {
	m.notifications.WithLabelValues(channel).Inc()
}
func (m *PrometheusMetrics) NotificationFailed(channel string) {
	m.notificationErrors.WithLabelValues(channel).Inc()
}
func (m *PrometheusMetrics) DeadLettered(stream string) { m.deadLetters.WithLabelValues(stream).Inc() }
func (m *PrometheusMetrics) RequestsExpired(n int) {
	if n > 0 {
		m.requestsExpired.Add(float64(n))
	}
}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
