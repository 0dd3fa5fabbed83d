package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sqlgate/sqlgate/internal/domain/stream"
	"github.com/sqlgate/sqlgate/internal/service"
)

const namespace = "sqlgate"

// Metrics holds the Prometheus metrics for SQLGate. It doubles as the
// authentication metrics sink and a stream lifecycle observer.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	LoginsTotal        *prometheus.CounterVec
	AuthFailuresTotal  *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge
	StreamsClosedTotal *prometheus.CounterVec
	StreamSendFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of API requests processed",
			},
			[]string{"route", "method", "status"}, // status=ok/error
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		LoginsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		AuthFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected credentials by method and error code",
			},
			[]string{"method", "code"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of open SSE streams",
			},
		),
		StreamsClosedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_closed_total",
				Help:      "Closed streams by reason",
			},
			[]string{"reason"},
		),
		StreamSendFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_send_failures_total",
				Help:      "Failed stream writes by event",
			},
			[]string{"event"},
		),
	}
}

// RegisterStateGauges exposes values owned by other components.
func RegisterStateGauges(reg prometheus.Registerer, sessions func() int, auditDrops func() int64, backlog func() int) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of stored sessions",
	}, func() float64 { return float64(sessions()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_drops_total",
		Help:      "Total audit records dropped due to backpressure",
	}, func() float64 { return float64(auditDrops()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executor_backlog",
		Help:      "Tasks waiting for an executor worker",
	}, func() float64 { return float64(backlog()) })
}

// RecordLogin implements service.AuthMetrics.
func (m *Metrics) RecordLogin(outcome string) {
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuthFailure implements service.AuthMetrics.
func (m *Metrics) RecordAuthFailure(method, code string) {
	m.AuthFailuresTotal.WithLabelValues(method, code).Inc()
}

func (m *Metrics) Opened(*stream.Connection) {
	m.ActiveStreams.Inc()
}

func (m *Metrics) Closed(_ *stream.Connection, reason string) {
	m.ActiveStreams.Dec()
	m.StreamsClosedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendFailed(_ *stream.Connection, event string, _ error) {
	m.StreamSendFailures.WithLabelValues(event).Inc()
}

var (
	_ service.AuthMetrics = (*Metrics)(nil)
	_ stream.Observer     = (*Metrics)(nil)
)
