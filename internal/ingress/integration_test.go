package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	mockproviders "github.com/nulpointcorp/llm-gateway/mock/providers"
)

// newDispatchTestCtx builds a fasthttp.RequestCtx carrying a POST body and
// an Authorization header, driven the same way auth_test.go drives the
// middleware: ctx.Init against a manually built Request, no real listener.
func newDispatchTestCtx(method, path, bearer string, body []byte) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	req.Header.SetContentType("application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.SetBody(body)
	}
	ctx.Init(&req, nil, nil)
	return &ctx
}

// newTestServer wires a Server whose registry routes straight at the given
// httptest servers, standing in for the real OpenAI/Anthropic upstreams.
func newTestServer(t *testing.T, providers map[config.Kind][]config.ProviderInstanceConfig, rules []config.RoutingRule) *Server {
	t.Helper()
	cfg := &config.Config{
		APIKeys: []config.APIKeyConfig{
			{FriendlyName: "test-key", Enabled: true, KeyMaterial: "test-token"},
		},
		Routing:   config.RoutingConfig{Rules: rules},
		Providers: providers,
	}

	mgr, err := registry.NewManager(context.Background(), cfg, http.DefaultClient, nil, nil, nil)
	if err != nil {
		t.Fatalf("registry.NewManager: %v", err)
	}
	t.Cleanup(mgr.Close)

	return NewServer(mgr, nil, nil, nil, http.DefaultClient, nil, nil)
}

func instance(name, baseURL string) config.ProviderInstanceConfig {
	return config.ProviderInstanceConfig{
		Name:    name,
		Enabled: true,
		BaseURL: baseURL,
		Weight:  100,
		APIKey:  "sk-mock",
	}
}

// TestIntegration_OpenAIPassthrough drives a full /v1/chat/completions
// request through auth, routing, the dispatcher, a real HTTP round trip to
// a mock OpenAI server, and back out unmodified (client and upstream speak
// the same protocol, so no translation happens).
func TestIntegration_OpenAIPassthrough(t *testing.T) {
	upstream := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{StreamWords: 5}))
	defer upstream.Close()

	openai := instance("openai-primary", upstream.URL+"/v1")
	openai.Kind = config.KindOpenAI

	srv := newTestServer(t, map[config.Kind][]config.ProviderInstanceConfig{
		config.KindOpenAI: {openai},
	}, []config.RoutingRule{{Prefix: "gpt-", ProviderID: "openai"}})

	handler := srv.Handler()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	ctx := newDispatchTestCtx(fasthttp.MethodPost, "/v1/chat/completions", "test-token", body)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var decoded map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["object"] != "chat.completion" {
		t.Fatalf("expected an OpenAI-shaped chat.completion, got %#v", decoded)
	}
}

// TestIntegration_OpenAIToAnthropicTranslation sends an OpenAI-shaped
// request that routes to an Anthropic-native instance: the gateway must
// translate the request on the way out and the response on the way back,
// against a real mock Anthropic server.
func TestIntegration_OpenAIToAnthropicTranslation(t *testing.T) {
	upstream := httptest.NewServer(mockproviders.NewAnthropicHandler(mockproviders.Config{StreamWords: 5}))
	defer upstream.Close()

	anthropic := instance("anthropic-primary", upstream.URL+"/v1")
	anthropic.Kind = config.KindAnthropic

	srv := newTestServer(t, map[config.Kind][]config.ProviderInstanceConfig{
		config.KindAnthropic: {anthropic},
	}, []config.RoutingRule{{Prefix: "claude-", ProviderID: "anthropic"}})

	handler := srv.Handler()
	body := []byte(`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	ctx := newDispatchTestCtx(fasthttp.MethodPost, "/v1/chat/completions", "test-token", body)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var decoded map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["object"] != "chat.completion" {
		t.Fatalf("expected the anthropic response translated back to chat.completion, got %#v", decoded)
	}
	choices, ok := decoded["choices"].([]any)
	if !ok || len(choices) == 0 {
		t.Fatalf("expected at least one choice, got %#v", decoded["choices"])
	}
}

// TestIntegration_MessagesPassthroughToAnthropicInstance exercises the
// Anthropic-shaped /v1/messages endpoint routed at an anthropic-kind
// instance: the gateway never translates this path, so body and response
// pass through unchanged. The bedrock kind is not exercised here: it posts
// to /model/{id}/invoke, which the mock Anthropic handler does not serve.
func TestIntegration_MessagesPassthroughToAnthropicInstance(t *testing.T) {
	upstream := httptest.NewServer(mockproviders.NewAnthropicHandler(mockproviders.Config{StreamWords: 5}))
	defer upstream.Close()

	bedrock := instance("bedrock-primary", upstream.URL+"/v1")
	bedrock.Kind = config.KindAnthropic // sent through the anthropic kind's /messages path

	srv := newTestServer(t, map[config.Kind][]config.ProviderInstanceConfig{
		config.KindAnthropic: {bedrock},
	}, []config.RoutingRule{{Prefix: "claude-", ProviderID: "anthropic"}})

	handler := srv.Handler()
	body := []byte(`{"model":"claude-3-5-sonnet","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	ctx := newDispatchTestCtx(fasthttp.MethodPost, "/v1/messages", "test-token", body)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var decoded map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["type"] != "message" {
		t.Fatalf("expected a native anthropic message response, got %#v", decoded)
	}
}

// TestIntegration_UnreachableInstanceSurfacesInstanceFailure exercises the
// dispatcher's failure classification against a real (refused) TCP
// connection, the same path a dead provider instance takes in production.
func TestIntegration_UnreachableInstanceSurfacesInstanceFailure(t *testing.T) {
	dead := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{}))
	deadURL := dead.URL
	dead.Close() // closed immediately: connections to it are refused

	openai := instance("openai-dead", deadURL+"/v1")
	openai.Kind = config.KindOpenAI

	srv := newTestServer(t, map[config.Kind][]config.ProviderInstanceConfig{
		config.KindOpenAI: {openai},
	}, []config.RoutingRule{{Prefix: "gpt-", ProviderID: "openai"}})

	handler := srv.Handler()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	ctx := newDispatchTestCtx(fasthttp.MethodPost, "/v1/chat/completions", "test-token", body)
	handler(ctx)

	if ctx.Response.StatusCode() < 500 {
		t.Fatalf("expected a 5xx for an unreachable instance, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if !strings.Contains(string(ctx.Response.Body()), "error") {
		t.Fatalf("expected an error envelope, got %s", ctx.Response.Body())
	}
}

// TestIntegration_MissingAuthIsRejectedBeforeDispatch confirms the auth
// middleware still gates these routes when wired through the real Server,
// not just in isolation (auth_test.go tests authenticate() directly).
func TestIntegration_MissingAuthIsRejectedBeforeDispatch(t *testing.T) {
	upstream := httptest.NewServer(mockproviders.NewOpenAIHandler(mockproviders.Config{}))
	defer upstream.Close()

	openai := instance("openai-primary", upstream.URL+"/v1")
	openai.Kind = config.KindOpenAI

	srv := newTestServer(t, map[config.Kind][]config.ProviderInstanceConfig{
		config.KindOpenAI: {openai},
	}, []config.RoutingRule{{Prefix: "gpt-", ProviderID: "openai"}})

	handler := srv.Handler()
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	ctx := newDispatchTestCtx(fasthttp.MethodPost, "/v1/chat/completions", "", body)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
}
