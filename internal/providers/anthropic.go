package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// AnthropicVersion is the wire protocol version sent on every native
// Anthropic Messages API request. Bedrock requests carry bedrockAPIVersion
// in the body instead.
const AnthropicVersion = "2023-06-01"

type anthropicKind struct{}

func (anthropicKind) KindID(*config.ProviderInstanceConfig) string { return "anthropic" }
func (anthropicKind) NativeProtocol() Protocol                     { return ProtocolAnthropic }

func (anthropicKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	url := strings.TrimRight(inst.BaseURL, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", AnthropicVersion)
	if req.OAuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.OAuthToken)
	} else {
		httpReq.Header.Set("x-api-key", inst.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpClient.Do(httpReq)
}

func (anthropicKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	return strings.TrimRight(inst.BaseURL, "/") + "/models"
}
