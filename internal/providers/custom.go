package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// customKind backs every "custom:<id>" instance: arbitrary OpenAI-compatible
// endpoints that aren't one of the named kinds (the teacher's long tail of
// openaicompat providers — xAI, DeepSeek, Groq, Together, and the rest — all
// collapse into this one generic kind, since they were already OpenAI-shaped
// bearer-auth endpoints with nothing kind-specific beyond a default base URL).
type customKind struct{}

func (customKind) KindID(inst *config.ProviderInstanceConfig) string {
	return inst.KindID()
}

func (customKind) NativeProtocol() Protocol { return ProtocolOpenAI }

func (customKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	url := strings.TrimRight(inst.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("custom: %w", err)
	}
	for k, v := range inst.CustomHeaders {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+resolvedAuthToken(inst, req))
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpClient.Do(httpReq)
}

func (customKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	return strings.TrimRight(inst.BaseURL, "/") + "/models"
}
