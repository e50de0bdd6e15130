package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/internal/eventsink"
	"github.com/nulpointcorp/llm-gateway/internal/ingress"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

const sessionTTL = 10 * time.Minute

// initMetrics builds the private Prometheus registry. Always enabled —
// cheap, and /metrics is harmless to expose even if nothing scrapes it.
func (a *App) initMetrics(_ context.Context) error {
	a.metrics = metrics.New()
	a.metrics.SetBuildInfo(a.version)
	return nil
}

// initSink builds the async RequestEvent sink, optionally forwarding
// flushed batches to ClickHouse when configured.
func (a *App) initSink(ctx context.Context) error {
	if a.cfg.ClickHouse.Addr != "" {
		sink, err := eventsink.NewClickHouseSink(ctx, eventsink.ClickHouseOptions{
			Addr:     []string{a.cfg.ClickHouse.Addr},
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		})
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.durable = sink
	}

	a.sink = eventsink.New(a.baseCtx, a.log, a.durable, a.metrics)
	return nil
}

// initOAuth builds the OAuth token manager from the configured
// oauth_providers table. The manager is always constructed, even with zero
// entries, so handlers can treat a.oauthMgr as never-nil.
func (a *App) initOAuth(_ context.Context) error {
	a.oauthMgr = oauth.NewManager(a.cfg.OAuthProviders, a.httpClient, a.metrics)
	return nil
}

// initSessionStore optionally backs sticky sessions with Redis instead of
// the in-process striped map (config Redis.StickySessions), so a binding
// survives a restart and is shared across replicas.
func (a *App) initSessionStore(ctx context.Context) error {
	if a.cfg.Redis.URL == "" || !a.cfg.Redis.StickySessions {
		return nil
	}
	store, err := balancer.NewRedisSessionStore(ctx, a.cfg.Redis.URL, sessionTTL)
	if err != nil {
		return fmt.Errorf("redis sessions: %w", err)
	}
	a.sessionStore = store
	return nil
}

// initRegistry builds the initial provider registry: one load balancer per
// provider id. It fails startup if any configured provider id ends up with
// zero enabled instances.
func (a *App) initRegistry(ctx context.Context) error {
	mgr, err := registry.NewManager(ctx, a.cfg, a.httpClient, a.log, a.metrics, a.sessionStore)
	if err != nil {
		return err
	}
	a.regMgr = mgr
	return nil
}

// initServer builds the ingress HTTP server binding the three client-shape
// handlers plus /v1/models, /health, /ready, and /metrics.
func (a *App) initServer(_ context.Context) error {
	a.server = ingress.NewServer(a.regMgr, a.oauthMgr, a.sink, a.metrics, a.httpClient, a.log, a.cfg.CORSOrigins)
	return nil
}
