// Package registry holds the live mapping from provider id to its load
// balancer and Kind implementation, and implements the hot-reload
// algorithm described in spec §4.7.
//
// It replaces the teacher's internal/app/init.go buildProviders, which
// built a flat map[string]providers.Provider exactly once at startup with
// no reload path. Here the whole thing is rebuilt on SIGHUP (or a manual
// Reload call) and swapped in atomically so in-flight requests never see a
// half-updated registry.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// healthMetrics is the subset of metrics.Registry this package needs;
// declared locally to avoid importing internal/metrics.
type healthMetrics interface {
	SetInstanceHealth(provider, instance string, healthy bool)
	AddSessionMigrations(provider, outcome string, n int)
	RecordReload(ok bool)
}

const healthReportInterval = 5 * time.Second

// Entry is one routable provider id's live state.
type Entry struct {
	ProviderID string
	Kind       providers.Kind
	Balancer   *balancer.LoadBalancer
}

// Registry is an immutable snapshot of all routable provider ids. Callers
// must never mutate the map; build a new Registry and swap it in instead.
type Registry struct {
	Config  *config.Config
	entries map[string]*Entry
}

// Lookup returns the entry for providerID, or (nil, false) if unknown.
func (r *Registry) Lookup(providerID string) (*Entry, bool) {
	e, ok := r.entries[providerID]
	return e, ok
}

// ProviderIDs returns all routable ids, for diagnostics and /v1/models.
func (r *Registry) ProviderIDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Manager owns the active Registry behind an atomic pointer so readers
// never block on a reload and never observe a torn update.
type Manager struct {
	current     atomic.Pointer[Registry]
	httpClient  *http.Client
	log         *slog.Logger
	metrics     healthMetrics
	sessionStore *balancer.RedisSessionStore

	stopCh chan struct{}
}

// NewManager builds the initial Registry from cfg and returns a ready
// Manager. It fails if any configured provider id ends up with zero
// enabled instances, mirroring Reload's own invariant. met and sessionStore
// may be nil; sessionStore, when set, backs every provider's sticky
// sessions with Redis instead of the in-process striped map.
func NewManager(ctx context.Context, cfg *config.Config, httpClient *http.Client, log *slog.Logger, met healthMetrics, sessionStore *balancer.RedisSessionStore) (*Manager, error) {
	m := &Manager{httpClient: httpClient, log: log, metrics: met, sessionStore: sessionStore, stopCh: make(chan struct{})}
	reg, err := buildRegistry(cfg, httpClient, sessionStore)
	if err != nil {
		return nil, err
	}
	m.current.Store(reg)
	if met != nil {
		go m.runHealthReporter()
	}
	return m, nil
}

// runHealthReporter periodically snapshots every instance's health into the
// gauge, since nothing else calls SetInstanceHealth on a steady cadence
// between selections.
func (m *Manager) runHealthReporter() {
	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			reg := m.current.Load()
			if reg == nil {
				continue
			}
			for id, e := range reg.entries {
				for _, inst := range e.Balancer.Instances() {
					m.metrics.SetInstanceHealth(id, inst.Name, inst.Healthy())
				}
			}
		}
	}
}

// Current returns the active registry. Safe for concurrent use.
func (m *Manager) Current() *Registry {
	return m.current.Load()
}

// Reload implements spec §4.7's six-step algorithm:
//  1. load and validate a new Config (done by the caller, which passes the
//     result in as cfg);
//  2. build a new Registry from it (load balancers + health probes start
//     immediately, on the new instances only);
//  3. abort if any provider id ends up with zero healthy instances;
//  4. migrate sticky sessions from every old provider id to its same-id
//     counterpart in the new registry;
//  5. atomically swap in the new Registry;
//  6. Close the old registry's load balancers right after the swap, which
//     stops their background loops. This does not wait for callers still
//     holding the old *Registry; they can keep selecting from it, but its
//     instances are no longer probed.
func (m *Manager) Reload(ctx context.Context, cfg *config.Config) error {
	old := m.current.Load()

	next, err := buildRegistry(cfg, m.httpClient, m.sessionStore)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordReload(false)
		}
		return fmt.Errorf("registry: reload: %w", err)
	}

	if old != nil {
		migrateAll(old, next, m.log, m.metrics)
	}

	m.current.Store(next)

	if old != nil {
		for _, e := range old.entries {
			e.Balancer.Close()
		}
	}

	if m.metrics != nil {
		m.metrics.RecordReload(true)
	}
	return nil
}

// Close stops every load balancer's background loops and the health
// reporter. Call once, at process shutdown.
func (m *Manager) Close() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	reg := m.current.Load()
	if reg == nil {
		return
	}
	for _, e := range reg.entries {
		e.Balancer.Close()
	}
}

func migrateAll(old, next *Registry, log *slog.Logger, met healthMetrics) {
	for id, oldEntry := range old.entries {
		newEntry, ok := next.entries[id]
		if !ok {
			continue
		}
		stats := newEntry.Balancer.MigrateSessionsFrom(oldEntry.Balancer)
		if log != nil {
			log.Info("sessions migrated",
				slog.String("provider_id", id),
				slog.Int("migrated", stats.Migrated),
				slog.Int("dropped_expired", stats.DroppedExpired),
				slog.Int("dropped_not_found", stats.DroppedNotFound),
				slog.Int("dropped_disabled", stats.DroppedDisabled),
				slog.Int("dropped_unhealthy", stats.DroppedUnhealthy),
			)
		}
		if met != nil {
			met.AddSessionMigrations(id, "carried", stats.Migrated)
			dropped := stats.DroppedExpired + stats.DroppedNotFound + stats.DroppedDisabled + stats.DroppedUnhealthy
			met.AddSessionMigrations(id, "dropped", dropped)
		}
	}
}

// buildRegistry groups every configured instance by its provider id
// (ProviderInstanceConfig.KindID — "custom:<id>" for custom instances, the
// kind name otherwise), builds one load balancer per group, and fails if
// any group exists with zero enabled instances.
func buildRegistry(cfg *config.Config, httpClient *http.Client, sessionStore *balancer.RedisSessionStore) (*Registry, error) {
	grouped := map[string][]config.ProviderInstanceConfig{}
	kindByID := map[string]providers.Kind{}

	for kind, instances := range cfg.Providers {
		k := providers.ForKind(kind)
		for _, inst := range instances {
			id := inst.KindID()
			grouped[id] = append(grouped[id], inst)
			kindByID[id] = k
		}
	}

	entries := make(map[string]*Entry, len(grouped))
	for id, instances := range grouped {
		anyEnabled := false
		for _, inst := range instances {
			if inst.Enabled {
				anyEnabled = true
				break
			}
		}
		if !anyEnabled {
			return nil, fmt.Errorf("registry: provider %q has no enabled instances", id)
		}

		k := kindByID[id]
		var opts []balancer.Option
		if sessionStore != nil {
			opts = append(opts, balancer.WithRedisSessionStore(sessionStore))
		}
		lb := balancer.New(id, instances, k, httpClient, opts...)
		entries[id] = &Entry{ProviderID: id, Kind: k, Balancer: lb}
	}

	return &Registry{Config: cfg, entries: entries}, nil
}
