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

type azureKind struct{}

func (azureKind) KindID(*config.ProviderInstanceConfig) string { return "azure" }
func (azureKind) NativeProtocol() Protocol                     { return ProtocolOpenAI }

// azureDeployment resolves the Azure deployment name used in the URL: an
// explicit per-model mapping, else the instance's configured deployment
// name, else the model name itself.
func azureDeployment(inst *config.ProviderInstanceConfig, model string) string {
	if d, ok := inst.ModelDeployments[model]; ok && d != "" {
		return d
	}
	if inst.DeploymentName != "" {
		return inst.DeploymentName
	}
	return model
}

func azureBaseURL(inst *config.ProviderInstanceConfig) string {
	if inst.BaseURL != "" {
		return strings.TrimRight(inst.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.openai.azure.com", inst.ResourceName)
}

func (azureKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	deployment := azureDeployment(inst, req.Model)
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
		azureBaseURL(inst), url.PathEscape(deployment),
		url.Values{"api-version": {inst.APIVersion}}.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.OAuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.OAuthToken)
	} else {
		httpReq.Header.Set("api-key", inst.APIKey)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpClient.Do(httpReq)
}

func (azureKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	return fmt.Sprintf("%s/openai/models?%s", azureBaseURL(inst),
		url.Values{"api-version": {inst.APIVersion}}.Encode())
}
