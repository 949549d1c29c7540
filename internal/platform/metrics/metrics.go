// Package metrics provides the Prometheus collectors shared by every core
// component. Emission is always fire-and-forget: a nil *Metrics (or a nil
// registerer) degrades to no-ops rather than failing the caller, per §4.8.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter/histogram/gauge recorded by the core.
type Metrics struct {
	// Sandbox Runtime
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxPoolOccupancy     prometheus.Gauge
	SandboxPoolWaiters       prometheus.Gauge

	// Pipeline Engine
	PipelineDispatchTotal    *prometheus.CounterVec
	PipelineDispatchDuration *prometheus.HistogramVec
	PipelineLayerWidth       prometheus.Histogram

	// Authorization Engine
	AuthzCheckTotal        *prometheus.CounterVec
	AuthzCheckDuration     prometheus.Histogram
	AuthzTraversalDepth    prometheus.Histogram
	AuthzTraversalFanout   prometheus.Histogram
	AuthzErrorsTotal       prometheus.Counter
	PolicyTimeoutsTotal    prometheus.Counter

	// Credential Engine
	TokenExchangeTotal  *prometheus.CounterVec
	JWKSRotationsTotal  *prometheus.CounterVec
	JWKSPrunedTotal     prometheus.Counter
	JWKSRotationSeconds prometheus.Histogram
	JWKSActiveKeyAgeMs  prometheus.Gauge

	// Webhook Fabric
	WebhookEmittedTotal   *prometheus.CounterVec
	WebhookDeliveredTotal *prometheus.CounterVec
	WebhookDeliveryMs     prometheus.Histogram
	WebhookDuplicateTotal prometheus.Counter

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered against registerer. A nil
// registerer is valid and produces unregistered (but usable) collectors,
// handy for tests.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_executions_total", Help: "Sandbox script executions by outcome.",
		}, []string{"outcome"}),
		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sandbox_execution_duration_ms", Help: "Sandbox script execution latency.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}, []string{"outcome"}),
		SandboxPoolOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_pool_occupancy", Help: "Sandbox instances currently checked out.",
		}),
		SandboxPoolWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_pool_waiters", Help: "Goroutines blocked on sandbox acquire.",
		}),

		PipelineDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_dispatch_total", Help: "Pipeline hook dispatches by hook and status.",
		}, []string{"hook", "status"}),
		PipelineDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "pipeline_dispatch_duration_ms", Help: "Pipeline hook dispatch latency.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
		}, []string{"hook"}),
		PipelineLayerWidth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "pipeline_layer_width", Help: "Scripts per executed layer.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),

		AuthzCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_check_total", Help: "checkPermission calls by outcome.",
		}, []string{"outcome"}),
		AuthzCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "authz_check_duration_ms", Help: "checkPermission latency.",
			Buckets: []float64{.5, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		AuthzTraversalDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "authz_traversal_depth", Help: "Subject expansion BFS depth.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		AuthzTraversalFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "authz_traversal_fanout", Help: "Subject expansion set size.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		AuthzErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_errors_total", Help: "Internal errors during checkPermission (always denies).",
		}),
		PolicyTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_policy_timeouts_total", Help: "ABAC policy evaluations that timed out.",
		}),

		TokenExchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_exchange_total", Help: "API key -> JWT exchanges by outcome.",
		}, []string{"outcome"}),
		JWKSRotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_rotations_total", Help: "JWKS rotations by reason.",
		}, []string{"reason"}),
		JWKSPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jwks_pruned_total", Help: "JWKS entries pruned by retention sweeps.",
		}),
		JWKSRotationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "jwks_rotation_duration_seconds", Help: "JWKS rotation wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		JWKSActiveKeyAgeMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jwks_active_key_age_ms", Help: "Age of the currently active JWKS entry.",
		}),

		WebhookEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_emitted_total", Help: "Events emitted by type.",
		}, []string{"event_type"}),
		WebhookDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total", Help: "Webhook deliveries by final status.",
		}, []string{"status"}),
		WebhookDeliveryMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "webhook_delivery_duration_ms", Help: "Webhook delivery latency.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		WebhookDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_duplicate_deliveries_total", Help: "Queue jobs short-circuited by idempotency.",
		}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SandboxExecutionsTotal, m.SandboxExecutionDuration, m.SandboxPoolOccupancy, m.SandboxPoolWaiters,
			m.PipelineDispatchTotal, m.PipelineDispatchDuration, m.PipelineLayerWidth,
			m.AuthzCheckTotal, m.AuthzCheckDuration, m.AuthzTraversalDepth, m.AuthzTraversalFanout,
			m.AuthzErrorsTotal, m.PolicyTimeoutsTotal,
			m.TokenExchangeTotal, m.JWKSRotationsTotal, m.JWKSPrunedTotal, m.JWKSRotationSeconds, m.JWKSActiveKeyAgeMs,
			m.WebhookEmittedTotal, m.WebhookDeliveredTotal, m.WebhookDeliveryMs, m.WebhookDuplicateTotal,
			m.RequestsTotal, m.RequestDuration,
		)
	}
	return m
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Noop returns a Metrics instance detached from any registry, safe to share
// across tests without colliding on the default registerer.
func Noop() *Metrics {
	return New(nil)
}
