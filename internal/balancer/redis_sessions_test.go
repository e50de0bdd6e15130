package balancer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func newTestStore(t *testing.T) *RedisSessionStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStoreFromClient(client, time.Minute)
}

func TestRedisSessionStore_SetThenGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok := store.get(ctx, "missing"); ok {
		t.Fatal("expected miss for unset key")
	}

	store.set(ctx, "sticky:key-1", "instance-a")
	got, ok := store.get(ctx, "sticky:key-1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got != "instance-a" {
		t.Fatalf("got %q, want %q", got, "instance-a")
	}
}

func TestRedisSessionStore_ExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStoreFromClient(client, 50*time.Millisecond)

	ctx := context.Background()
	store.set(ctx, "sticky:key-2", "instance-b")
	mr.FastForward(time.Second)

	if _, ok := store.get(ctx, "sticky:key-2"); ok {
		t.Fatal("expected key to be expired after TTL elapsed")
	}
}

// TestSelectForKeyRedis_StickyAcrossBalancers exercises the balancer's Redis
// backend end to end: two independently constructed LoadBalancers sharing
// one store resolve the same api key to the same instance, the behaviour
// hot reload depends on to avoid resetting stickiness (spec §4.7).
func TestSelectForKeyRedis_StickyAcrossBalancers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisSessionStoreFromClient(client, time.Minute)

	instances := []config.ProviderInstanceConfig{
		{Name: "a", Enabled: true, Weight: 1},
		{Name: "b", Enabled: true, Weight: 1},
	}

	lb1 := New("redis-provider", instances, stubKind{}, http.DefaultClient, WithRedisSessionStore(store))
	defer lb1.Close()
	first, err := lb1.SelectForKey("shared-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lb2 := New("redis-provider", instances, stubKind{}, http.DefaultClient, WithRedisSessionStore(store))
	defer lb2.Close()
	second, err := lb2.SelectForKey("shared-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Name != second.Name {
		t.Fatalf("expected both balancers to resolve shared-key to the same instance, got %q and %q", first.Name, second.Name)
	}
}
