// Package metrics provides Prometheus metrics for the medication tracker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	Administrations        *prometheus.CounterVec
	StoreErrors            *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	DelayedDoses           prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
	NotificationsPublished *prometheus.CounterVec
	MonitorSweepDuration   prometheus.Histogram
	OutboxEntries          *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Administrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "administrations_total",
			Help: "Administration state transitions by resulting status",
		}, []string{"status"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Failed persistence calls by operation",
		}, []string{"op"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "code"}),
		DelayedDoses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delayed_doses",
			Help: "Pending doses past their scheduled time at the last monitor sweep",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		NotificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications delivered to the event stream",
		}, []string{"type"}),
		MonitorSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dose_monitor_sweep_duration_seconds",
			Help:    "Duration of one dose monitor sweep",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dose_event_outbox_entries",
			Help: "Unrelayed outbox entries by state (pending, failed)",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.Administrations,
		m.StoreErrors,
		m.RequestDuration,
		m.DelayedDoses,
		m.CircuitBreakerState,
		m.NotificationsPublished,
		m.MonitorSweepDuration,
		m.OutboxEntries,
	)

	return m
}

// ObserveTransition implements schedule.Recorder.
func (m *Metrics) ObserveTransition(status schedule.Status) {
	m.Administrations.WithLabelValues(string(status)).Inc()
}

// ObserveStoreError implements schedule.Recorder.
func (m *Metrics) ObserveStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// BreakerStateChanged is a circuitbreaker.Config OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// NotificationPublished counts one delivered notification.
func (m *Metrics) NotificationPublished(t schedule.NotificationType) {
	m.NotificationsPublished.WithLabelValues(string(t)).Inc()
}

// OutboxObserved records the outbox backlog. Failed entries wait for the
// dead letter pass.
func (m *Metrics) OutboxObserved(pending, failed int64) {
	m.OutboxEntries.WithLabelValues("pending").Set(float64(pending))
	m.OutboxEntries.WithLabelValues("failed").Set(float64(failed))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
