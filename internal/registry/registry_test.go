package registry

import (
	"context"
	"net/http"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Providers: map[config.Kind][]config.ProviderInstanceConfig{
			config.KindOpenAI: {
				{Name: "primary", Enabled: true, Weight: 1, BaseURL: "https://api.openai.example"},
			},
		},
	}
}

func TestNewManager_BuildsRegistry(t *testing.T) {
	mgr, err := NewManager(context.Background(), baseConfig(), http.DefaultClient, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Close()

	reg := mgr.Current()
	entry, ok := reg.Lookup("openai")
	if !ok {
		t.Fatal("expected provider id \"openai\" to be registered")
	}
	if !entry.Balancer.HasHealthyInstance() {
		t.Fatal("expected the single enabled instance to be healthy")
	}
}

func TestNewManager_FailsWithZeroEnabledInstances(t *testing.T) {
	cfg := &config.Config{
		Providers: map[config.Kind][]config.ProviderInstanceConfig{
			config.KindOpenAI: {{Name: "primary", Enabled: false, Weight: 1}},
		},
	}
	if _, err := NewManager(context.Background(), cfg, http.DefaultClient, nil, nil, nil); err == nil {
		t.Fatal("expected an error when a provider id has zero enabled instances")
	}
}

func TestReload_AbortsWithoutTouchingOldRegistry(t *testing.T) {
	mgr, err := NewManager(context.Background(), baseConfig(), http.DefaultClient, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Close()
	before := mgr.Current()

	badCfg := &config.Config{
		Providers: map[config.Kind][]config.ProviderInstanceConfig{
			config.KindOpenAI: {{Name: "primary", Enabled: false, Weight: 1}},
		},
	}
	if err := mgr.Reload(context.Background(), badCfg); err == nil {
		t.Fatal("expected reload to fail when the new config has zero healthy instances")
	}

	if mgr.Current() != before {
		t.Fatal("a failed reload must leave the previous registry in place")
	}
}

func TestReload_MigratesStickySessionsToSameProviderID(t *testing.T) {
	cfg := &config.Config{
		Providers: map[config.Kind][]config.ProviderInstanceConfig{
			config.KindOpenAI: {
				{Name: "a", Enabled: true, Weight: 1},
				{Name: "b", Enabled: true, Weight: 1},
			},
		},
	}
	mgr, err := NewManager(context.Background(), cfg, http.DefaultClient, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mgr.Close()

	oldReg := mgr.Current()
	oldEntry, _ := oldReg.Lookup("openai")
	pinned, err := oldEntry.Balancer.SelectForKey("sticky-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reload with the same two instances: the session for "sticky-user"
	// should migrate onto the instance of the same name in the new balancer.
	newCfg := &config.Config{
		Providers: map[config.Kind][]config.ProviderInstanceConfig{
			config.KindOpenAI: {
				{Name: "a", Enabled: true, Weight: 1},
				{Name: "b", Enabled: true, Weight: 1},
			},
		},
	}
	if err := mgr.Reload(context.Background(), newCfg); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}

	newReg := mgr.Current()
	newEntry, ok := newReg.Lookup("openai")
	if !ok {
		t.Fatal("expected provider id \"openai\" to survive reload")
	}
	got, err := newEntry.Balancer.SelectForKey("sticky-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != pinned.Name {
		t.Fatalf("sticky session moved from %q to %q across reload", pinned.Name, got.Name)
	}
}
