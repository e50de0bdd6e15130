// Package providers defines the provider contract: the uniform interface
// every provider kind (openai, anthropic, gemini, azure, bedrock, custom)
// implements so the dispatcher can send a request without knowing which
// upstream wire format it speaks.
package providers

import (
	"context"
	"net/http"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

// Protocol is the wire format a provider kind natively speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolGemini    Protocol = "gemini"
)

// UpstreamRequest is the body a handler hands to a Kind after translation
// (or unmodified, when the client shape already matches the native one).
type UpstreamRequest struct {
	Body       []byte // JSON value in the provider's native shape
	Model      string
	Stream     bool
	OAuthToken string // resolved bearer token; empty when auth_mode != oauth
}

// Kind is what a provider family (openai, anthropic, gemini, azure,
// bedrock, custom) implements. A single Kind value is shared across every
// instance of that family; per-instance settings are passed in on each call.
//
// SendRequest is responsible for URL construction, auth header application,
// and body emission — it never classifies the response status; that's the
// dispatcher's job (internal/dispatcher), which only sees the *http.Response
// or transport error this returns.
type Kind interface {
	// KindID is this kind's stable registry key ("openai", "anthropic", ...,
	// or "custom:<id>" — each custom entry registers independently).
	KindID(inst *config.ProviderInstanceConfig) string

	// NativeProtocol is the wire format this kind natively speaks.
	NativeProtocol() Protocol

	// SendRequest issues the upstream HTTP call and returns its raw response.
	SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error)

	// HealthCheckURL is the GET target the recovery prober polls.
	HealthCheckURL(inst *config.ProviderInstanceConfig) string
}

// ForKind returns the stateless Kind implementation for a config.Kind. Custom
// instances all share the same generic implementation; their registry
// identity comes from config.ProviderInstanceConfig.KindID(), not from this
// function.
func ForKind(k config.Kind) Kind {
	switch k {
	case config.KindOpenAI:
		return openAIKind{}
	case config.KindAnthropic:
		return anthropicKind{}
	case config.KindGemini:
		return geminiKind{}
	case config.KindAzure:
		return azureKind{}
	case config.KindBedrock:
		return bedrockKind{}
	case config.KindCustom:
		return customKind{}
	default:
		return nil
	}
}

// resolvedAuthToken picks the oauth token if present, else the instance's
// configured api_key. Shared by every bearer-style kind.
func resolvedAuthToken(inst *config.ProviderInstanceConfig, req UpstreamRequest) string {
	if req.OAuthToken != "" {
		return req.OAuthToken
	}
	return inst.APIKey
}
