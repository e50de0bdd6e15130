// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_dispatch_total{provider,status} — status is a dispatcher.Status value
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_duration_seconds{provider,status}
	dispatchDuration *prometheus.HistogramVec

	// gateway_instance_attempts_total{provider,instance,outcome} — one per
	// instance attempt within a dispatch, including ones superseded by retry.
	instanceAttempts *prometheus.CounterVec

	// gateway_instance_health{provider,instance} — 1=healthy, 0=quarantined
	instanceHealth *prometheus.GaugeVec

	// gateway_instance_selected_total{provider,instance} — times SelectForKey
	// returned this instance.
	instanceSelected *prometheus.CounterVec

	// gateway_session_migrations_total{provider,outcome} — outcome is
	// "carried" or "dropped", from balancer.MigrationStats after a reload.
	sessionMigrations *prometheus.CounterVec

	// gateway_oauth_refresh_total{provider,result}
	oauthRefresh *prometheus.CounterVec

	// gateway_streaming_completion_seconds{provider} — time between a
	// streaming response starting and its usage tracker finalizing.
	streamingCompletion *prometheus.HistogramVec

	// gateway_streaming_timeouts_total{provider}
	streamingTimeouts *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_eventsink_dropped_total
	eventsinkDropped prometheus.Counter

	// gateway_reload_total{result}
	reloadTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	latencyBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream dispatch)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Total dispatched requests by provider and final outcome (success, instance_failure, business_error, timeout)",
			},
			[]string{"provider", "status"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "Dispatch duration in seconds, from first attempt to final outcome",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "status"},
		),

		instanceAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_instance_attempts_total",
				Help: "Total upstream attempts by provider, instance, and per-attempt outcome",
			},
			[]string{"provider", "instance", "outcome"},
		),

		instanceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_instance_health",
				Help: "Provider instance health (1=healthy, 0=quarantined)",
			},
			[]string{"provider", "instance"},
		),

		instanceSelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_instance_selected_total",
				Help: "Times the load balancer selected this instance for a request",
			},
			[]string{"provider", "instance"},
		),

		sessionMigrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_migrations_total",
				Help: "Sticky sessions carried over or dropped across a config reload",
			},
			[]string{"provider", "outcome"},
		),

		oauthRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_oauth_refresh_total",
				Help: "OAuth token refreshes by provider and result",
			},
			[]string{"provider", "result"},
		),

		streamingCompletion: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_streaming_completion_seconds",
				Help:    "Time from a streaming response starting to its usage tracker finalizing",
				Buckets: latencyBuckets,
			},
			[]string{"provider"},
		),

		streamingTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_streaming_timeouts_total",
				Help: "Streaming responses whose usage tracker never finalized before the completion timeout",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		eventsinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_eventsink_dropped_total",
			Help: "Request events dropped because the event sink channel was full",
		}),

		reloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reload_total",
				Help: "Config hot-reload attempts by result",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
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
		r.dispatchTotal,
		r.dispatchDuration,
		r.instanceAttempts,
		r.instanceHealth,
		r.instanceSelected,
		r.sessionMigrations,
		r.oauthRefresh,
		r.streamingCompletion,
		r.streamingTimeouts,
		r.tokensTotal,
		r.eventsinkDropped,
		r.reloadTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Handler returns the fasthttp handler serving /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying private registry, e.g. for tests that
// want to scrape it directly via testutil.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

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

// ObserveDispatch records the final outcome of one dispatcher.Send call.
func (r *Registry) ObserveDispatch(provider, status string, dur time.Duration) {
	r.dispatchTotal.WithLabelValues(provider, status).Inc()
	r.dispatchDuration.WithLabelValues(provider, status).Observe(dur.Seconds())
}

// ObserveInstanceAttempt records one upstream instance attempt within a dispatch.
func (r *Registry) ObserveInstanceAttempt(provider, instance, outcome string) {
	r.instanceAttempts.WithLabelValues(provider, instance, outcome).Inc()
}

// SetInstanceHealth records an instance's current health as a gauge.
func (r *Registry) SetInstanceHealth(provider, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.instanceHealth.WithLabelValues(provider, instance).Set(v)
}

// IncInstanceSelected records the load balancer choosing this instance.
func (r *Registry) IncInstanceSelected(provider, instance string) {
	r.instanceSelected.WithLabelValues(provider, instance).Inc()
}

// AddSessionMigrations records n sticky sessions surviving or being dropped
// during a config reload.
func (r *Registry) AddSessionMigrations(provider, outcome string, n int) {
	if n <= 0 {
		return
	}
	r.sessionMigrations.WithLabelValues(provider, outcome).Add(float64(n))
}

// RecordOAuthRefresh records an OAuth token refresh attempt's result.
func (r *Registry) RecordOAuthRefresh(provider string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	r.oauthRefresh.WithLabelValues(provider, result).Inc()
}

// ObserveStreamingCompletion records how long a streaming response's usage
// tracker took to finalize after the response began.
func (r *Registry) ObserveStreamingCompletion(provider string, dur time.Duration) {
	r.streamingCompletion.WithLabelValues(provider).Observe(dur.Seconds())
}

// IncStreamingTimeout records a streaming usage tracker hitting its
// completion timeout without finalizing.
func (r *Registry) IncStreamingTimeout(provider string) {
	r.streamingTimeouts.WithLabelValues(provider).Inc()
}

// AddTokens records token usage extracted from an upstream response.
// direction is one of input, output, cache_creation, cache_read.
func (r *Registry) AddTokens(provider, direction string, n int) {
	if n <= 0 {
		return
	}
	r.tokensTotal.WithLabelValues(provider, direction).Add(float64(n))
}

// IncEventsinkDropped records one RequestEvent dropped due to backpressure.
func (r *Registry) IncEventsinkDropped() {
	r.eventsinkDropped.Inc()
}

// RecordReload records a config hot-reload attempt's result.
func (r *Registry) RecordReload(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	r.reloadTotal.WithLabelValues(result).Inc()
}

// SetBuildInfo publishes a constant gauge labeled with the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.Reset()
	r.buildInfo.WithLabelValues(version).Set(1)
}
