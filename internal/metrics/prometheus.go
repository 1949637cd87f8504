// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// trackproxy_inflight_requests
	inFlight prometheus.Gauge

	// trackproxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// trackproxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// trackproxy_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// trackproxy_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// trackproxy_cache_operations_total{bucket,result}
	cacheOps *prometheus.CounterVec

	// trackproxy_fetch_attempts_total{origin,outcome}
	fetchAttempts *prometheus.CounterVec

	// trackproxy_fetch_duration_seconds{origin,outcome}
	fetchDuration *prometheus.HistogramVec

	// trackproxy_ratelimit_total{group,result}
	rateLimitTotal *prometheus.CounterVec

	// trackproxy_circuit_breaker_state{origin} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// trackproxy_circuit_breaker_transitions_total{origin,to_state}
	cbTransitions *prometheus.CounterVec

	// trackproxy_circuit_breaker_rejections_total{origin}
	cbRejections *prometheus.CounterVec

	// trackproxy_scheduled_refresh_total{script,outcome}
	scheduledRefresh *prometheus.CounterVec

	// trackproxy_dynamic_endpoints_total{result}
	dynamicEndpoints *prometheus.CounterVec

	// trackproxy_component_health{component}
	componentHealth *prometheus.GaugeVec

	// trackproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackproxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream fetch)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackproxy_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackproxy_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 16), // 256B .. ~8MB
			},
			[]string{"route", "status"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_cache_operations_total",
				Help: "Cache operations by bucket (script/generic) and result (hit/miss)",
			},
			[]string{"bucket", "result"},
		),

		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_fetch_attempts_total",
				Help: "Total upstream fetch attempts by origin group and outcome",
			},
			[]string{"origin", "outcome"},
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackproxy_fetch_duration_seconds",
				Help:    "Upstream fetch duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"origin", "outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_ratelimit_total",
				Help: "Rate limit decisions by endpoint group and result",
			},
			[]string{"group", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trackproxy_circuit_breaker_state",
				Help: "Circuit breaker state per origin group (0=closed,1=open,2=half-open)",
			},
			[]string{"origin"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"origin", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_circuit_breaker_rejections_total",
				Help: "Fetches skipped because the origin's circuit breaker was open",
			},
			[]string{"origin"},
		),

		scheduledRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_scheduled_refresh_total",
				Help: "Background script refresh outcomes by script key and outcome (updated/refreshed/error)",
			},
			[]string{"script", "outcome"},
		),

		dynamicEndpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackproxy_dynamic_endpoints_total",
				Help: "Dynamic endpoint registry operations by result (hit/miss/recovered)",
			},
			[]string{"result"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trackproxy_component_health",
				Help: "Component health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trackproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.cacheOps,
		r.fetchAttempts,
		r.fetchDuration,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.scheduledRefresh,
		r.dynamicEndpoints,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// CacheResult records one cache lookup outcome for bucket ("script" or
// "generic") — result is "hit" or "miss".
func (r *Registry) CacheResult(bucket, result string) {
	r.cacheOps.WithLabelValues(bucket, result).Inc()
}

// ObserveFetch records one upstream fetch attempt against an origin group.
func (r *Registry) ObserveFetch(origin, outcome string, dur time.Duration) {
	r.fetchAttempts.WithLabelValues(origin, outcome).Inc()
	r.fetchDuration.WithLabelValues(origin, outcome).Observe(dur.Seconds())
}

// RecordRateLimit records one rate-limit decision for an endpoint group.
func (r *Registry) RecordRateLimit(group, result string) {
	r.rateLimitTotal.WithLabelValues(group, result).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge for origin and
// increments a transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(origin string, state int64) {
	r.circuitBreakerState.WithLabelValues(origin).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[origin]
	if !ok || prev != float64(state) {
		r.lastCBState[origin] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(origin, toState).Inc()
	}
	r.cbMu.Unlock()
}

// RecordCircuitBreakerRejection records a fetch skipped due to an open breaker.
func (r *Registry) RecordCircuitBreakerRejection(origin string) {
	r.cbRejections.WithLabelValues(origin).Inc()
}

// RecordScheduledRefresh records one background refresh outcome for a
// well-known script key.
func (r *Registry) RecordScheduledRefresh(script, outcome string) {
	r.scheduledRefresh.WithLabelValues(script, outcome).Inc()
}

// RecordDynamicEndpoint records one dynamic endpoint registry operation.
func (r *Registry) RecordDynamicEndpoint(result string) {
	r.dynamicEndpoints.WithLabelValues(result).Inc()
}

// SetComponentHealth sets the health gauge for a named component (e.g.
// "cache", "circuit_breaker").
func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
