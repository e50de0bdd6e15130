package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/internal/config"
)

type noopKind struct{}

func (noopKind) HealthCheckURL(*config.ProviderInstanceConfig) string { return "" }

func newSingleInstanceLB(t *testing.T, timeoutSeconds int) *balancer.LoadBalancer {
	t.Helper()
	lb := balancer.New("dispatch-test", []config.ProviderInstanceConfig{
		{Name: "only", Enabled: true, Weight: 1, TimeoutSeconds: timeoutSeconds},
	}, noopKind{}, http.DefaultClient)
	t.Cleanup(lb.Close)
	return lb
}

func TestExecuteWithSession_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lb := newSingleInstanceLB(t, 5)
	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		return http.Get(srv.URL)
	})

	if result.Status != StatusSuccess {
		t.Fatalf("status = %v, want success", result.Status)
	}
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.InstanceName != "only" {
		t.Fatalf("instance name = %q, want %q", result.InstanceName, "only")
	}
	if !lb.HasHealthyInstance() {
		t.Fatal("successful call must not quarantine the instance")
	}
}

func TestExecuteWithSession_ServerErrorMarksInstanceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	lb := newSingleInstanceLB(t, 5)
	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		return http.Get(srv.URL)
	})

	if result.Status != StatusInstanceFailure {
		t.Fatalf("status = %v, want instance_failure", result.Status)
	}
	if lb.HasHealthyInstance() {
		t.Fatal("5xx response must quarantine the only instance")
	}
}

func TestExecuteWithSession_ClientErrorIsBusinessError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	lb := newSingleInstanceLB(t, 5)
	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		return http.Get(srv.URL)
	})

	if result.Status != StatusBusinessError {
		t.Fatalf("status = %v, want business_error", result.Status)
	}
	if !lb.HasHealthyInstance() {
		t.Fatal("4xx response must not quarantine the instance")
	}
}

func TestExecuteWithSession_TimeoutMarksInstanceFailure(t *testing.T) {
	blocked := make(chan struct{})
	defer close(blocked)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()

	lb := newSingleInstanceLB(t, 1) // 1s instance timeout
	start := time.Now()
	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		return http.DefaultClient.Do(req)
	})

	if result.Status != StatusTimeout {
		t.Fatalf("status = %v, want timeout", result.Status)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("took %v, expected to bail out around the 1s instance timeout", elapsed)
	}
	if lb.HasHealthyInstance() {
		t.Fatal("timeout must quarantine the instance")
	}
}

func TestExecuteWithSession_ConnectionRefusedIsInstanceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.Listener.Addr().String()
	srv.Close() // nothing listening anymore -> connection refused

	lb := newSingleInstanceLB(t, 5)
	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		return http.Get("http://" + addr)
	})

	if result.Status != StatusInstanceFailure {
		t.Fatalf("status = %v, want instance_failure", result.Status)
	}
	var netErr net.Error
	if result.Err == nil {
		t.Fatal("expected a wrapped error")
	}
	_ = errors.As(result.Err, &netErr)
}

func TestExecuteWithSession_NoHealthyInstances(t *testing.T) {
	lb := balancer.New("empty", []config.ProviderInstanceConfig{
		{Name: "only", Enabled: false, Weight: 1},
	}, noopKind{}, http.DefaultClient)
	defer lb.Close()

	result := ExecuteWithSession(context.Background(), lb, "key", func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		t.Fatal("Func must not be invoked when no instance is eligible")
		return nil, nil
	})

	if result.Status != StatusBusinessError {
		t.Fatalf("status = %v, want business_error", result.Status)
	}
	if result.Err == nil {
		t.Fatal("expected a non-nil error")
	}
}
