// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initMetrics   — Prometheus registry
//  2. initSink      — async RequestEvent sink (+ optional ClickHouse durable)
//  3. initOAuth        — OAuth token manager for auth_mode: oauth instances
//  4. initSessionStore — optional Redis-backed sticky-session store
//  5. initRegistry     — provider registry + load balancers
//  6. initServer       — ingress HTTP server binding the three client handlers
//
// registry.Manager owns one balancer.LoadBalancer per provider id and is
// hot-reloadable via SIGHUP, so any provider instance or routing rule change
// takes effect without dropping in-flight requests.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/eventsink"
	"github.com/nulpointcorp/llm-gateway/internal/ingress"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	httpClient *http.Client

	metrics     *metrics.Registry
	sink        *eventsink.Sink
	durable     *eventsink.ClickHouseSink
	oauthMgr    *oauth.Manager
	sessionStore *balancer.RedisSessionStore
	regMgr      *registry.Manager
	server      *ingress.Server
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		cfg:        cfg,
		version:    version,
		baseCtx:    ctx,
		log:        log,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metrics", a.initMetrics},
		{"sink", a.initSink},
		{"oauth", a.initOAuth},
		{"sessions", a.initSessionStore},
		{"registry", a.initRegistry},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled. SIGHUP
// triggers a config reload; SIGINT/SIGTERM (delivered via ctx, see
// cmd/gateway/main.go) trigger a graceful drain.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(a.regMgr.Current().ProviderIDs())),
	)

	reloadCh := a.watchReloadSignal(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(addr) }()

	for {
		select {
		case <-reloadCh:
			a.reload(ctx)

		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.log.Error("shutdown error", slog.String("error", err.Error()))
			}
			<-errCh
			return nil

		case err := <-errCh:
			return err
		}
	}
}

// watchReloadSignal is a no-op channel on non-Unix platforms; SIGHUP is
// only meaningful where a process can receive it.
func (a *App) watchReloadSignal(ctx context.Context) <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		<-ctx.Done()
		signal.Stop(ch)
	}()
	return ch
}

// reload loads a fresh Config from the same sources config.Load reads at
// startup and hands it to the registry manager, which aborts (keeping the
// old registry) if any provider id would end up with zero healthy
// instances.
func (a *App) reload(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		a.log.Error("reload: config load failed", slog.String("error", err.Error()))
		return
	}
	if err := a.regMgr.Reload(ctx, cfg); err != nil {
		a.log.Error("reload failed", slog.String("error", err.Error()))
		return
	}
	a.cfg = cfg
	a.log.Info("reload succeeded")
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; calls are not synchronized, so it is not safe to call from several
// goroutines at once.
func (a *App) Close() {
	if a.regMgr != nil {
		a.regMgr.Close()
		a.regMgr = nil
	}
	if a.sessionStore != nil {
		if err := a.sessionStore.Close(); err != nil {
			a.log.Error("redis session store close error", slog.String("error", err.Error()))
		}
		a.sessionStore = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("eventsink close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.durable != nil {
		if err := a.durable.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.durable = nil
	}
	if a.httpClient != nil {
		a.httpClient.CloseIdleConnections()
	}
}
