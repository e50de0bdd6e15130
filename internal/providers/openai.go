package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

type openAIKind struct{}

func (openAIKind) KindID(*config.ProviderInstanceConfig) string { return "openai" }
func (openAIKind) NativeProtocol() Protocol                     { return ProtocolOpenAI }

func (openAIKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	url := strings.TrimRight(inst.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+resolvedAuthToken(inst, req))
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpClient.Do(httpReq)
}

func (openAIKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	return strings.TrimRight(inst.BaseURL, "/") + "/models"
}
