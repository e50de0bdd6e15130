package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

type geminiKind struct{}

func (geminiKind) KindID(*config.ProviderInstanceConfig) string { return "gemini" }
func (geminiKind) NativeProtocol() Protocol                     { return ProtocolGemini }

func (geminiKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	action := "generateContent"
	if req.Stream {
		action = "streamGenerateContent"
	}
	u := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(inst.BaseURL, "/"), req.Model, action)
	if req.Stream {
		u += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if req.OAuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.OAuthToken)
	} else {
		q := httpReq.URL.Query()
		q.Set("key", inst.APIKey)
		httpReq.URL.RawQuery = q.Encode()
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpClient.Do(httpReq)
}

func (geminiKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	base := strings.TrimRight(inst.BaseURL, "/") + "/models"
	if inst.APIKey == "" {
		return base
	}
	v := url.Values{"key": {inst.APIKey}}
	return base + "?" + v.Encode()
}
