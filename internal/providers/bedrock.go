package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

const (
	bedrockService   = "bedrock-runtime"
	bedrockAlgorithm = "AWS4-HMAC-SHA256"
	bedrockAPIVersion = "bedrock-2023-05-31"
)

type bedrockKind struct{}

func (bedrockKind) KindID(*config.ProviderInstanceConfig) string { return "bedrock" }
func (bedrockKind) NativeProtocol() Protocol                     { return ProtocolAnthropic }

func bedrockHost(inst *config.ProviderInstanceConfig) string {
	if inst.BaseURL != "" {
		return strings.TrimRight(inst.BaseURL, "/")
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", inst.Region)
}

func bedrockModelID(inst *config.ProviderInstanceConfig, model string) string {
	if id, ok := inst.ModelIDMapping[model]; ok && id != "" {
		return id
	}
	return model
}

// rewriteForInvoke turns an Anthropic-shaped request body into the form
// Bedrock's /invoke endpoint expects: the "model" field is dropped (the
// model is in the URL) and "anthropic_version" is injected.
func rewriteForInvoke(body []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("bedrock: decode request body: %w", err)
	}
	delete(m, "model")
	delete(m, "stream")
	m["anthropic_version"] = bedrockAPIVersion
	return json.Marshal(m)
}

func (bedrockKind) SendRequest(ctx context.Context, httpClient *http.Client, inst *config.ProviderInstanceConfig, req UpstreamRequest) (*http.Response, error) {
	payload, err := rewriteForInvoke(req.Body)
	if err != nil {
		return nil, err
	}

	action := "invoke"
	if req.Stream {
		action = "invoke-with-response-stream"
	}
	u := fmt.Sprintf("%s/model/%s/%s", bedrockHost(inst), url.PathEscape(bedrockModelID(inst, req.Model)), action)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	}

	if err := signSigV4(httpReq, payload, inst); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}
	return httpClient.Do(httpReq)
}

func (bedrockKind) HealthCheckURL(inst *config.ProviderInstanceConfig) string {
	return bedrockHost(inst) + "/foundation-models"
}

// signSigV4 signs req in place per AWS Signature Version 4, service
// "bedrock-runtime". Signed headers: Content-Type, Host,
// X-Amz-Content-Sha256, X-Amz-Date, and X-Amz-Security-Token (if a session
// token is configured); the signature is then set as Authorization.
func signSigV4(req *http.Request, payload []byte, inst *config.ProviderInstanceConfig) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Date", amzdate)
	payloadHash := sha256Hex(payload)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if inst.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", inst.SessionToken)
	}

	headerNames := []string{"content-type", "host", "x-amz-content-sha256", "x-amz-date"}
	if inst.SessionToken != "" {
		headerNames = append(headerNames, "x-amz-security-token")
	}
	signedHeaders := strings.Join(headerNames, ";")

	var canonicalHeaders strings.Builder
	fmt.Fprintf(&canonicalHeaders, "content-type:%s\n", req.Header.Get("Content-Type"))
	fmt.Fprintf(&canonicalHeaders, "host:%s\n", host)
	fmt.Fprintf(&canonicalHeaders, "x-amz-content-sha256:%s\n", payloadHash)
	fmt.Fprintf(&canonicalHeaders, "x-amz-date:%s\n", amzdate)
	if inst.SessionToken != "" {
		fmt.Fprintf(&canonicalHeaders, "x-amz-security-token:%s\n", inst.SessionToken)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	} else {
		canonicalURI = pathEscapePreserveSlash(canonicalURI)
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, inst.Region, bedrockService)
	stringToSign := strings.Join([]string{
		bedrockAlgorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(inst.SecretAccessKey, datestamp, inst.Region, bedrockService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		bedrockAlgorithm, inst.AccessKeyID, credentialScope, signedHeaders, signature,
	))
	return nil
}

// pathEscapePreserveSlash re-escapes a URL path segment-by-segment so
// literal slashes survive (url.PathEscape would encode them).
func pathEscapePreserveSlash(p string) string {
	parts := strings.Split(p, "/")
	for i, seg := range parts {
		parts[i] = url.PathEscape(seg)
	}
	return strings.Join(parts, "/")
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
