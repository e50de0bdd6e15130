package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func TestAzureDeployment_ResolutionOrder(t *testing.T) {
	inst := &config.ProviderInstanceConfig{
		ModelDeployments: map[string]string{"gpt-4o": "my-gpt4o-deployment"},
		DeploymentName:   "fallback-deployment",
	}
	if got := azureDeployment(inst, "gpt-4o"); got != "my-gpt4o-deployment" {
		t.Errorf("got %q, want the explicit model mapping", got)
	}
	if got := azureDeployment(inst, "gpt-3.5-turbo"); got != "fallback-deployment" {
		t.Errorf("got %q, want the instance's deployment name", got)
	}

	bare := &config.ProviderInstanceConfig{}
	if got := azureDeployment(bare, "gpt-4o"); got != "gpt-4o" {
		t.Errorf("got %q, want the model name itself as last resort", got)
	}
}

func TestAzureKind_SendRequest_APIKeyAuth(t *testing.T) {
	var gotHeader, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("api-key")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := &config.ProviderInstanceConfig{BaseURL: srv.URL, APIKey: "azure-secret", APIVersion: "2024-02-01", DeploymentName: "my-deploy"}
	_, err := (azureKind{}).SendRequest(context.Background(), srv.Client(), inst, UpstreamRequest{Model: "gpt-4o", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "azure-secret" {
		t.Errorf("api-key header = %q, want azure-secret", gotHeader)
	}
	if !strings.Contains(gotPath, "/openai/deployments/my-deploy/chat/completions") {
		t.Errorf("path = %q, missing expected deployment segment", gotPath)
	}
	if !strings.Contains(gotQuery, "api-version=2024-02-01") {
		t.Errorf("query = %q, missing api-version", gotQuery)
	}
}

func TestAzureKind_SendRequest_OAuthBearerOverridesAPIKey(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("api-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := &config.ProviderInstanceConfig{BaseURL: srv.URL, APIKey: "unused-key", APIVersion: "2024-02-01"}
	_, err := (azureKind{}).SendRequest(context.Background(), srv.Client(), inst, UpstreamRequest{Model: "gpt-4o", Body: []byte(`{}`), OAuthToken: "bearer-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer bearer-token" {
		t.Errorf("Authorization = %q, want Bearer bearer-token", gotAuth)
	}
	if gotAPIKey != "" {
		t.Errorf("api-key header should not be set when OAuth is used, got %q", gotAPIKey)
	}
}

func TestBedrockModelID_MappingOverride(t *testing.T) {
	inst := &config.ProviderInstanceConfig{ModelIDMapping: map[string]string{"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0"}}
	if got := bedrockModelID(inst, "claude-3-5-sonnet"); got != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("got %q, want the mapped Bedrock model id", got)
	}
	if got := bedrockModelID(inst, "claude-3-opus"); got != "claude-3-opus" {
		t.Errorf("got %q, want the model name itself when unmapped", got)
	}
}

func TestRewriteForInvoke_InjectsAnthropicVersionAndDropsModelStream(t *testing.T) {
	body := []byte(`{"model": "claude-3-5-sonnet", "stream": true, "messages": []}`)
	out, err := rewriteForInvoke(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(out)
	if strings.Contains(s, `"model"`) {
		t.Errorf("model field should be dropped, got %s", s)
	}
	if strings.Contains(s, `"stream"`) {
		t.Errorf("stream field should be dropped, got %s", s)
	}
	if !strings.Contains(s, `"anthropic_version":"bedrock-2023-05-31"`) {
		t.Errorf("expected anthropic_version to be injected, got %s", s)
	}
}

func TestSigV4_CredentialScopeCarriesRegionAndSignatureDiffersByRegion(t *testing.T) {
	inst1 := &config.ProviderInstanceConfig{Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "secret"}
	inst2 := &config.ProviderInstanceConfig{Region: "us-west-2", AccessKeyID: "AKIA", SecretAccessKey: "secret"}

	mkReq := func() *http.Request {
		req, _ := http.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/invoke", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	req1 := mkReq()
	if err := signSigV4(req1, []byte(`{}`), inst1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auth1 := req1.Header.Get("Authorization")
	if !strings.HasPrefix(auth1, bedrockAlgorithm) {
		t.Fatalf("Authorization header missing algorithm prefix: %q", auth1)
	}
	if !strings.Contains(auth1, "us-east-1/bedrock-runtime/aws4_request") {
		t.Fatalf("expected credential scope to include region/service, got %q", auth1)
	}

	req2 := mkReq()
	if err := signSigV4(req2, []byte(`{}`), inst2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auth2 := req2.Header.Get("Authorization")
	if auth1 == auth2 {
		t.Fatal("signatures for different regions must differ")
	}
}

func TestGeminiKind_SendRequest_APIKeyInQuery(t *testing.T) {
	var gotQuery, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := &config.ProviderInstanceConfig{BaseURL: srv.URL, APIKey: "gem-key"}
	_, err := (geminiKind{}).SendRequest(context.Background(), srv.Client(), inst, UpstreamRequest{Model: "gemini-1.5-pro", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotPath, "/models/gemini-1.5-pro:generateContent") {
		t.Errorf("path = %q, missing expected model/action segment", gotPath)
	}
	if !strings.Contains(gotQuery, "key=gem-key") {
		t.Errorf("query = %q, missing api key", gotQuery)
	}
}

func TestGeminiKind_SendRequest_StreamingUsesSSEAction(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := &config.ProviderInstanceConfig{BaseURL: srv.URL, APIKey: "gem-key"}
	_, err := (geminiKind{}).SendRequest(context.Background(), srv.Client(), inst, UpstreamRequest{Model: "gemini-1.5-pro", Body: []byte(`{}`), Stream: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotPath, ":streamGenerateContent") {
		t.Errorf("path = %q, expected streamGenerateContent action", gotPath)
	}
	if !strings.Contains(gotQuery, "alt=sse") {
		t.Errorf("query = %q, expected alt=sse", gotQuery)
	}
}

func TestCustomKind_CustomHeadersApplied(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Org-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inst := &config.ProviderInstanceConfig{BaseURL: srv.URL, APIKey: "k", CustomHeaders: map[string]string{"X-Org-Id": "org-123"}}
	_, err := (customKind{}).SendRequest(context.Background(), srv.Client(), inst, UpstreamRequest{Model: "m", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "org-123" {
		t.Errorf("X-Org-Id = %q, want org-123", gotHeader)
	}
}
