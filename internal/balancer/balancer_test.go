package balancer

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

type stubKind struct{ healthURL string }

func (s stubKind) HealthCheckURL(*config.ProviderInstanceConfig) string { return s.healthURL }

func newTestLB(t *testing.T, instances []config.ProviderInstanceConfig) *LoadBalancer {
	t.Helper()
	lb := New("test-provider", instances, stubKind{}, http.DefaultClient)
	t.Cleanup(lb.Close)
	return lb
}

func TestSelectForKey_StickySessionStability(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "a", Enabled: true, Weight: 1},
		{Name: "b", Enabled: true, Weight: 1},
		{Name: "c", Enabled: true, Weight: 1},
	})

	first, err := lb.SelectForKey("my-api-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := lb.SelectForKey("my-api-key")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if got.Name != first.Name {
			t.Fatalf("call %d: sticky session moved from %q to %q", i, first.Name, got.Name)
		}
	}
}

func TestSelectForKey_WeightedDistributionWithinBounds(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "heavy-1", Enabled: true, Weight: 100},
		{Name: "heavy-2", Enabled: true, Weight: 200},
		{Name: "heavy-3", Enabled: true, Weight: 100},
	})

	counts := map[string]int{}
	const trials = 10000
	for i := 0; i < trials; i++ {
		inst, err := lb.SelectForKey("key-" + strconv.Itoa(i))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[inst.Name]++
	}

	checkFraction(t, counts["heavy-1"], trials, 0.23, 0.27)
	checkFraction(t, counts["heavy-2"], trials, 0.48, 0.52)
	checkFraction(t, counts["heavy-3"], trials, 0.23, 0.27)
}

func checkFraction(t *testing.T, count, total int, lo, hi float64) {
	t.Helper()
	frac := float64(count) / float64(total)
	if frac < lo || frac > hi {
		t.Errorf("fraction %.4f (count=%d/%d) outside expected bounds [%.2f, %.2f]", frac, count, total, lo, hi)
	}
}

func TestSelectForKey_NoHealthyInstances(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "a", Enabled: false, Weight: 1},
	})
	_, err := lb.SelectForKey("any-key")
	if err != ErrNoHealthyInstances {
		t.Fatalf("expected ErrNoHealthyInstances, got %v", err)
	}
}

func TestMarkFailure_QuarantinesInstance(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "only", Enabled: true, Weight: 1, FailureTimeoutSeconds: 60},
	})

	inst, err := lb.SelectForKey("k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lb.MarkFailure(inst.Name)

	if lb.HasHealthyInstance() {
		t.Fatal("expected no healthy instance after MarkFailure quarantines the only instance")
	}
	if _, err := lb.SelectForKey("k2"); err != ErrNoHealthyInstances {
		t.Fatalf("expected ErrNoHealthyInstances after quarantine, got %v", err)
	}
}

func TestMarkFailure_UnknownInstanceIsNoop(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{{Name: "a", Enabled: true, Weight: 1}})
	lb.MarkFailure("does-not-exist")
	if !lb.HasHealthyInstance() {
		t.Fatal("marking an unknown instance must not affect real instances")
	}
}

func TestMigrateSessionsFrom(t *testing.T) {
	oldLB := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "a", Enabled: true, Weight: 1},
		{Name: "b", Enabled: true, Weight: 1},
	})

	if _, err := oldLB.SelectForKey("sticky-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Force the sticky binding onto instance "a" directly via its shard, so
	// the scenario below is deterministic regardless of which instance the
	// weighted draw picked.
	shard := oldLB.shardFor("sticky-a")
	shard.mu.Lock()
	shard.sessions["sticky-a"] = &session{instanceName: "a", lastUsedAt: time.Now()}
	shard.mu.Unlock()

	shard2 := oldLB.shardFor("sticky-missing")
	shard2.mu.Lock()
	shard2.sessions["sticky-missing"] = &session{instanceName: "gone", lastUsedAt: time.Now()}
	shard2.mu.Unlock()

	newLB := newTestLB(t, []config.ProviderInstanceConfig{
		{Name: "a", Enabled: true, Weight: 1},
	})
	stats := newLB.MigrateSessionsFrom(oldLB)

	if stats.Migrated != 1 {
		t.Errorf("Migrated = %d, want 1", stats.Migrated)
	}
	if stats.DroppedNotFound != 1 {
		t.Errorf("DroppedNotFound = %d, want 1", stats.DroppedNotFound)
	}

	got, err := newLB.SelectForKey("sticky-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "a" {
		t.Fatalf("migrated session should stick to %q, got %q", "a", got.Name)
	}
}

func TestMigrateSessionsFrom_NilOld(t *testing.T) {
	lb := newTestLB(t, []config.ProviderInstanceConfig{{Name: "a", Enabled: true, Weight: 1}})
	stats := lb.MigrateSessionsFrom(nil)
	if stats.Migrated != 0 {
		t.Fatalf("expected zero-value stats for nil old balancer, got %+v", stats)
	}
}

func TestProbeQuarantined_RecoversOnHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lb := New("probe-provider", []config.ProviderInstanceConfig{
		{Name: "a", Enabled: true, Weight: 1, FailureTimeoutSeconds: 1},
	}, stubKind{healthURL: srv.URL}, http.DefaultClient)
	defer lb.Close()
	lb.probeInterval = 10 * time.Millisecond
	lb.probeTimeout = time.Second

	inst, _ := lb.InstanceByName("a")
	inst.markFailure(10 * time.Millisecond)
	if lb.HasHealthyInstance() {
		t.Fatal("instance should be quarantined immediately after markFailure")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("instance never recovered after probe loop should have run")
		default:
		}
		lb.probeQuarantined()
		time.Sleep(20 * time.Millisecond)
		if inst.Healthy() {
			return
		}
	}
}
