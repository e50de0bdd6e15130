// Package balancer implements one weighted, sticky load balancer per
// provider kind: instance health/quarantine tracking (grounded on the
// teacher's internal/proxy/circuitbreaker.go per-provider mutex-guarded
// state), a striped sticky-session map (grounded on internal/cache/memory.go's
// TTL-evicting map), and a recovery prober (grounded on
// internal/proxy/healthchecker.go's ticker-driven probe loop).
package balancer

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// Instance is the runtime record for one configured provider instance
// (spec §3 ProviderInstance).
type Instance struct {
	Name   string
	Config config.ProviderInstanceConfig
	Weight int

	mu              sync.Mutex
	healthy         bool
	quarantineUntil time.Time
}

func (i *Instance) eligible(now time.Time) bool {
	if !i.Config.Enabled {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.quarantineUntil.IsZero() && !now.After(i.quarantineUntil) {
		return false
	}
	return true
}

// Healthy reports this instance's last-known health flag (ignoring
// quarantine deadline — used by reload eligibility checks).
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthy
}

func (i *Instance) markFailure(failureTimeout time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthy = false
	i.quarantineUntil = time.Now().Add(failureTimeout)
}

func (i *Instance) markHealthy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthy = true
	i.quarantineUntil = time.Time{}
}

func (i *Instance) extendQuarantine(failureTimeout time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.quarantineUntil = time.Now().Add(failureTimeout)
}

// session is a sticky binding: api-key friendly name -> chosen instance.
type session struct {
	instanceName string
	lastUsedAt   time.Time
}

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultSessionTTL    = 10 * time.Minute
	sessionStripes       = 64
)

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// LoadBalancer is one per active provider kind. It owns the instance set,
// the health/quarantine state, the sticky-session map, and a recovery
// prober goroutine.
type LoadBalancer struct {
	ProviderID string
	kind       providerKind
	httpClient *http.Client

	instances []*Instance
	byName    map[string]*Instance

	rngMu sync.Mutex
	rng   *rand.Rand

	shards [sessionStripes]*sessionShard

	sessionTTL    time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration

	// redisStore, when set, backs sticky sessions with Redis instead of the
	// in-process striped map (config Redis.StickySessions). Nil by default.
	redisStore *RedisSessionStore

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a LoadBalancer at construction time.
type Option func(*LoadBalancer)

// WithRedisSessionStore makes sticky sessions durable and shared across
// replicas via store, instead of the default in-process striped map.
func WithRedisSessionStore(store *RedisSessionStore) Option {
	return func(lb *LoadBalancer) { lb.redisStore = store }
}

// providerKind is the subset of providers.Kind the balancer needs; declared
// locally to avoid an import cycle with internal/providers (which does not
// depend on balancer).
type providerKind interface {
	HealthCheckURL(inst *config.ProviderInstanceConfig) string
}

// New constructs a LoadBalancer for one provider id from its instance list
// and starts its background recovery-probe and session-cleanup loops.
// Enabled instances start healthy and disabled ones unhealthy; reload's
// eligibility assertion (spec §4.7 step 3)
// is checked by the caller before this registry entry is published.
func New(providerID string, instances []config.ProviderInstanceConfig, kind providerKind, httpClient *http.Client, opts ...Option) *LoadBalancer {
	lb := &LoadBalancer{
		ProviderID:    providerID,
		kind:          kind,
		httpClient:    httpClient,
		byName:        map[string]*Instance{},
		sessionTTL:    defaultSessionTTL,
		probeInterval: defaultProbeInterval,
		probeTimeout:  defaultProbeTimeout,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lb)
	}
	for i := range sessionStripes {
		lb.shards[i] = &sessionShard{sessions: map[string]*session{}}
	}
	for _, cfg := range instances {
		weight := cfg.Weight
		if weight <= 0 {
			weight = 1
		}
		inst := &Instance{Name: cfg.Name, Config: cfg, Weight: weight, healthy: cfg.Enabled}
		lb.instances = append(lb.instances, inst)
		lb.byName[cfg.Name] = inst
	}

	lb.wg.Add(2)
	go lb.runProbeLoop()
	go lb.runSessionCleanup()
	return lb
}

// Close stops the background loops. Safe to call once the balancer has been
// replaced by a reload; in-flight requests holding a reference keep it alive
// until they complete, per spec §4.7 step 6 / §9.
func (lb *LoadBalancer) Close() {
	close(lb.stopCh)
	lb.wg.Wait()
}

func (lb *LoadBalancer) shardFor(key string) *sessionShard {
	h := fnv32(key)
	return lb.shards[h%sessionStripes]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// ErrNoHealthyInstances is returned by SelectForKey when no eligible
// instance exists.
var ErrNoHealthyInstances = noHealthyInstancesError{}

type noHealthyInstancesError struct{}

func (noHealthyInstancesError) Error() string { return "balancer: no healthy instances" }

// SelectForKey implements spec §4.2's select_for_key: a sticky fast path,
// falling back to weighted random selection among eligible instances.
func (lb *LoadBalancer) SelectForKey(apiKeyName string) (*Instance, error) {
	if lb.redisStore != nil {
		return lb.selectForKeyRedis(apiKeyName)
	}

	now := time.Now()
	shard := lb.shardFor(apiKeyName)

	shard.mu.Lock()
	if s, ok := shard.sessions[apiKeyName]; ok {
		if inst, ok := lb.byName[s.instanceName]; ok && inst.eligible(now) {
			s.lastUsedAt = now
			shard.mu.Unlock()
			return inst, nil
		}
		delete(shard.sessions, apiKeyName)
	}
	shard.mu.Unlock()

	inst, err := lb.pickWeighted(now)
	if err != nil {
		return nil, err
	}

	shard.mu.Lock()
	shard.sessions[apiKeyName] = &session{instanceName: inst.Name, lastUsedAt: now}
	shard.mu.Unlock()
	return inst, nil
}

// redisSessionKey namespaces sticky bindings by provider id so multiple
// load balancers can share one Redis instance without colliding.
func (lb *LoadBalancer) redisSessionKey(apiKeyName string) string {
	return "llm-gateway:sticky:" + lb.ProviderID + ":" + apiKeyName
}

func (lb *LoadBalancer) selectForKeyRedis(apiKeyName string) (*Instance, error) {
	now := time.Now()
	ctx := context.Background()
	key := lb.redisSessionKey(apiKeyName)

	if name, ok := lb.redisStore.get(ctx, key); ok {
		if inst, ok := lb.byName[name]; ok && inst.eligible(now) {
			lb.redisStore.set(ctx, key, name)
			return inst, nil
		}
	}

	inst, err := lb.pickWeighted(now)
	if err != nil {
		return nil, err
	}
	lb.redisStore.set(ctx, key, inst.Name)
	return inst, nil
}

func (lb *LoadBalancer) pickWeighted(now time.Time) (*Instance, error) {
	var eligible []*Instance
	var total int
	for _, inst := range lb.instances {
		if inst.eligible(now) {
			eligible = append(eligible, inst)
			total += inst.Weight
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyInstances
	}

	lb.rngMu.Lock()
	r := lb.rng.Intn(total)
	lb.rngMu.Unlock()

	cum := 0
	for _, inst := range eligible {
		cum += inst.Weight
		if r < cum {
			return inst, nil
		}
	}
	return eligible[len(eligible)-1], nil
}

// MarkFailure implements spec §4.2's mark_failure: idempotent, quarantines
// the instance for its configured failure_timeout_seconds.
func (lb *LoadBalancer) MarkFailure(instanceName string) {
	inst, ok := lb.byName[instanceName]
	if !ok {
		return
	}
	inst.markFailure(failureTimeout(inst.Config))
}

func failureTimeout(cfg config.ProviderInstanceConfig) time.Duration {
	if cfg.FailureTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cfg.FailureTimeoutSeconds) * time.Second
}

// Instances returns the balancer's instance set (used by reload's
// eligibility assertion and by migration).
func (lb *LoadBalancer) Instances() []*Instance { return lb.instances }

// InstanceByName looks up an instance by name.
func (lb *LoadBalancer) InstanceByName(name string) (*Instance, bool) {
	inst, ok := lb.byName[name]
	return inst, ok
}

// HasHealthyInstance reports whether at least one instance is currently
// eligible — used by reload's abort-on-empty check (spec §4.7 step 3).
func (lb *LoadBalancer) HasHealthyInstance() bool {
	now := time.Now()
	for _, inst := range lb.instances {
		if inst.eligible(now) {
			return true
		}
	}
	return false
}

func (lb *LoadBalancer) runProbeLoop() {
	defer lb.wg.Done()
	ticker := time.NewTicker(lb.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case <-ticker.C:
			lb.probeQuarantined()
		}
	}
}

func (lb *LoadBalancer) probeQuarantined() {
	now := time.Now()
	for _, inst := range lb.instances {
		inst.mu.Lock()
		due := inst.Config.Enabled && !inst.quarantineUntil.IsZero() && !now.Before(inst.quarantineUntil)
		inst.mu.Unlock()
		if !due {
			continue
		}
		go lb.probeOne(inst)
	}
}

func (lb *LoadBalancer) probeOne(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), lb.probeTimeout)
	defer cancel()

	url := lb.kind.HealthCheckURL(&inst.Config)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		inst.extendQuarantine(failureTimeout(inst.Config))
		return
	}

	resp, err := lb.httpClient.Do(req)
	if err != nil {
		inst.extendQuarantine(failureTimeout(inst.Config))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		inst.markHealthy()
		return
	}
	inst.extendQuarantine(failureTimeout(inst.Config))
}

func (lb *LoadBalancer) runSessionCleanup() {
	defer lb.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case <-ticker.C:
			lb.evictExpiredSessions()
		}
	}
}

func (lb *LoadBalancer) evictExpiredSessions() {
	cutoff := time.Now().Add(-lb.sessionTTL)
	for _, shard := range lb.shards {
		shard.mu.Lock()
		for k, s := range shard.sessions {
			if s.lastUsedAt.Before(cutoff) {
				delete(shard.sessions, k)
			}
		}
		shard.mu.Unlock()
	}
}

// MigrationStats is the result of migrating sessions across a reload
// (spec §4.2 migrate_sessions_from).
type MigrationStats struct {
	Migrated        int
	DroppedExpired  int
	DroppedNotFound int
	DroppedDisabled int
	DroppedUnhealthy int
}

// MigrateSessionsFrom copies still-eligible sessions from old into lb,
// following spec §4.2's drop rules in order: expired, not-found, disabled,
// unhealthy, else migrated.
func (lb *LoadBalancer) MigrateSessionsFrom(old *LoadBalancer) MigrationStats {
	var stats MigrationStats
	if old == nil {
		return stats
	}
	if lb.redisStore != nil {
		// Redis-backed sessions are keyed by provider id, not by balancer
		// instance, so they're already visible to the new balancer — nothing
		// to copy.
		return stats
	}
	cutoff := time.Now().Add(-old.sessionTTL)

	for _, shard := range old.shards {
		shard.mu.Lock()
		for key, s := range shard.sessions {
			if s.lastUsedAt.Before(cutoff) {
				stats.DroppedExpired++
				continue
			}
			inst, ok := lb.byName[s.instanceName]
			if !ok {
				stats.DroppedNotFound++
				continue
			}
			if !inst.Config.Enabled {
				stats.DroppedDisabled++
				continue
			}
			if !inst.Healthy() {
				stats.DroppedUnhealthy++
				continue
			}
			newShard := lb.shardFor(key)
			newShard.mu.Lock()
			newShard.sessions[key] = &session{instanceName: s.instanceName, lastUsedAt: s.lastUsedAt}
			newShard.mu.Unlock()
			stats.Migrated++
		}
		shard.mu.Unlock()
	}
	return stats
}
