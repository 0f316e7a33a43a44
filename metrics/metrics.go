// Package metrics exposes Prometheus metrics for the fee engine and its
// HTTP API. Metrics implements fees.Observer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/fee-engine/fees"
)

// Metrics collects Prometheus metrics on its own registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	allocationsTotal   *prometheus.CounterVec
	allocationDuration prometheus.Histogram
	allocatedAmount    *prometheus.CounterVec
	auditFailures      *prometheus.CounterVec
	overdueMarked      prometheus.Counter
}

var _ fees.Observer = (*Metrics)(nil)

// New initialises the registry and all metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fee_engine_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fee_engine_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		allocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fee_engine_allocations_total",
			Help: "Payment allocations by outcome (success or error code).",
		}, []string{"outcome"}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fee_engine_allocation_duration_seconds",
			Help:    "Time to allocate one payment, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		allocatedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fee_engine_allocated_amount_total",
			Help: "Money moved by successful allocations, by kind.",
		}, []string{"kind"}),
		auditFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fee_engine_audit_failures_total",
			Help: "Audit entries that could not be written.",
		}, []string{"entity_type", "action"}),
		overdueMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fee_engine_overdue_marked_total",
			Help: "Obligations flipped to OVERDUE by the sweep.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration,
		m.allocationsTotal, m.allocationDuration, m.allocatedAmount,
		m.auditFailures, m.overdueMarked,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// AllocationFinished implements fees.Observer.
func (m *Metrics) AllocationFinished(result fees.PaymentResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.allocationDuration.Observe(elapsed.Seconds())
	if !result.Success {
		m.allocationsTotal.WithLabelValues(result.ErrorCode).Inc()
		return
	}
	m.allocationsTotal.WithLabelValues("success").Inc()
	cash, _ := result.CashApplied.Float64()
	credit, _ := result.CreditUsed.Float64()
	excess, _ := result.ExcessAmount.Float64()
	m.allocatedAmount.WithLabelValues("cash").Add(cash)
	m.allocatedAmount.WithLabelValues("credit").Add(credit)
	m.allocatedAmount.WithLabelValues("excess").Add(excess)
}

// AuditFailed implements fees.Observer.
func (m *Metrics) AuditFailed(entityType fees.AuditEntityType, action fees.AuditAction) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(string(entityType), string(action)).Inc()
}

// OverdueMarked records the result of one sweep.
func (m *Metrics) OverdueMarked(n int) {
	if m == nil {
		return
	}
	m.overdueMarked.Add(float64(n))
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
