package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcome labels for the logins_total counter.
const (
	LoginResultSuccess = "success"
	LoginResultFailure = "failure"
	LoginResultLocked  = "locked"
)

// MetricsService encapsulates Prometheus instrumentation for the auth core.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	loginsTotal     *prometheus.CounterVec
	lockoutsTotal   prometheus.Counter
	tokensIssued    *prometheus.CounterVec
	sessionOps      *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	loginsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by outcome",
	}, []string{"result"})

	lockoutsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failed logins",
	})

	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Tokens issued by type",
	}, []string{"type"})

	sessionOps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "session_operation_duration_seconds",
		Help:    "Latency of session store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, loginsTotal, lockoutsTotal, tokensIssued, sessionOps, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		loginsTotal:     loginsTotal,
		lockoutsTotal:   lockoutsTotal,
		tokensIssued:    tokensIssued,
		sessionOps:      sessionOps,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordLogin counts a login attempt by outcome.
func (m *MetricsService) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(result).Inc()
}

// RecordLockout counts an account lockout transition.
func (m *MetricsService) RecordLockout() {
	if m == nil {
		return
	}
	m.lockoutsTotal.Inc()
}

// RecordTokenIssued counts an issued token by type.
func (m *MetricsService) RecordTokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(tokenType).Inc()
}

// ObserveSessionOperation records session store latency.
func (m *MetricsService) ObserveSessionOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(operation).Observe(duration.Seconds())
}
