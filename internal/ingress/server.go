// Package ingress is the HTTP entry point. It owns request parsing, auth,
// routing, and response shaping; failover and load balancing live in
// internal/dispatcher and internal/balancer instead.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/eventsink"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// Server holds everything a request handler needs to dispatch a call and
// record its outcome.
type Server struct {
	Registry   *registry.Manager
	OAuth      *oauth.Manager
	Sink       *eventsink.Sink
	Metrics    *metrics.Registry
	HTTPClient *http.Client
	Log        *slog.Logger

	corsOrigins []string

	srv *fasthttp.Server
}

// NewServer builds a Server. httpClient is shared across every outbound
// provider call; callers typically size its Timeout generously and rely on
// dispatcher's per-instance timeout for the real deadline. met may be nil.
func NewServer(reg *registry.Manager, oauthMgr *oauth.Manager, sink *eventsink.Sink, met *metrics.Registry, httpClient *http.Client, log *slog.Logger, corsOrigins []string) *Server {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Server{
		Registry:    reg,
		OAuth:       oauthMgr,
		Sink:        sink,
		Metrics:     met,
		HTTPClient:  httpClient,
		Log:         log,
		corsOrigins: corsOrigins,
	}
}

// Handler builds the fasthttp handler: routes wrapped in the auth + ambient
// middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	cfg := s.Registry.Current().Config
	authed := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return authenticate(cfg.APIKeys, h)
	}

	r.POST("/v1/chat/completions", authed(s.handleChatCompletions))
	r.POST("/v1/messages", authed(s.handleMessages))
	r.POST("/v1beta/models/{path:*}", authed(s.handleGemini))
	r.GET("/v1/models", authed(s.handleModels))
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	if s.Metrics != nil {
		r.GET("/metrics", s.Metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		bodySizeLimit,
		s.metricsMiddleware,
	)
}

// metricsMiddleware records in-flight count and end-to-end HTTP metrics per
// request. No-op when s.Metrics is nil.
func (s *Server) metricsMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.Metrics == nil {
			next(ctx)
			return
		}
		s.Metrics.IncInFlight()
		start := time.Now()
		reqBytes := len(ctx.PostBody())
		next(ctx)
		s.Metrics.DecInFlight()
		route := string(ctx.Path())
		s.Metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}
}

// Serve starts the fasthttp server on addr and blocks until it exits or
// Shutdown is called from another goroutine (SIGTERM/SIGINT trigger a
// graceful drain).
func (s *Server) Serve(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming responses can run long
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests and stops accepting new ones. Safe to
// call before Serve's listener is up; fasthttp.Server.Shutdown is a no-op
// in that case.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	reg := s.Registry.Current()
	for _, id := range reg.ProviderIDs() {
		entry, _ := reg.Lookup(id)
		if !entry.Balancer.HasHealthyInstance() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "degraded", "provider": id})
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	reg := s.Registry.Current()
	var data []map[string]any
	for _, rule := range reg.Config.Routing.Rules {
		data = append(data, map[string]any{"id": rule.Prefix, "object": "model", "owned_by": rule.ProviderID})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": data})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
