// Package translate implements the pure protocol translators between the
// three client-facing shapes (OpenAI, Anthropic, Gemini) and the three
// provider-native shapes (spec §4.5). The teacher never translates — it
// dispatches an OpenAI-shaped request straight to whichever SDK is
// selected — so this package is new, built on two of the SDKs the teacher
// already depends on (anthropic-sdk-go and genai) for their
// message/content-block types, which mirror the wire format closely enough
// to serve as both the "native request type" and the decode target for
// upstream responses. OpenAI shapes are modeled with local structs.
package translate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Warnings accumulates conversion warnings surfaced to the client via the
// x-llm-gateway-warnings response header (spec §4.5.1).
type Warnings []string

func (w *Warnings) add(format string, args ...any) {
	*w = append(*w, fmt.Sprintf(format, args...))
}

// JSON returns the warnings serialized for the response header, or "" when
// empty.
func (w Warnings) JSON() string {
	if len(w) == 0 {
		return ""
	}
	b, _ := json.Marshal([]string(w))
	return string(b)
}

const defaultMaxTokens = 4096

// openAIRequest mirrors the client-facing OpenAI chat-completions body we
// accept; only the fields the translators consult are modeled.
type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []openAITool    `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *responseFormat `json:"response_format,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	LogProbs         *bool           `json:"logprobs,omitempty"`
	TopLogProbs      *int            `json:"top_logprobs,omitempty"`
	LogitBias        map[string]int  `json:"logit_bias,omitempty"`
	ServiceTier      string          `json:"service_tier,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	N                *int            `json:"n,omitempty"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// contentPart is one element of an OpenAI multi-part message content array.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// OpenAIToAnthropic converts an OpenAI chat-completions body into an
// Anthropic Messages request body, per spec §4.5.1. Returns the encoded
// request and any conversion warnings. imageFetcher resolves http(s) image
// URLs; pass nil to disable remote image fetching (conversion_error instead).
func OpenAIToAnthropic(ctx context.Context, body []byte, imageFetcher ImageFetcher) ([]byte, Warnings, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "decode openai request", err)
	}

	var warnings Warnings
	var systemBlocks []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	sawSystem := false

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if sawSystem {
				// Only the first system-role message is promoted (spec §4.5.1);
				// subsequent ones are dropped.
				continue
			}
			sawSystem = true
			text, err := extractText(m.Content)
			if err != nil {
				return nil, nil, err
			}
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: text})

		case "assistant":
			blocks, err := contentBlocksFromOpenAI(ctx, m.Content, imageFetcher, &warnings)
			if err != nil {
				return nil, nil, err
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))

		case "tool":
			parts, err := decodeContentParts(m.Content)
			if err != nil {
				return nil, nil, err
			}
			for _, p := range parts {
				if p.ToolCallID != "" {
					messages = append(messages, anthropic.NewUserMessage(
						anthropic.NewToolResultBlock(p.ToolCallID, p.Text, false),
					))
				}
			}

		default: // user
			blocks, err := contentBlocksFromOpenAI(ctx, m.Content, imageFetcher, &warnings)
			if err != nil {
				return nil, nil, err
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
		if temperature > 1.0 {
			temperature = 1.0
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		System:      systemBlocks,
		Temperature: anthropic.Float(temperature),
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	warnIgnored(&warnings, req)

	out := map[string]any{}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "encode anthropic request", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "re-decode anthropic request", err)
	}

	applyToolsAndChoice(out, req, &warnings)
	applyResponseFormat(out, req.ResponseFormat)

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindConversion, "encode anthropic request", err)
	}
	return encoded, warnings, nil
}

func warnIgnored(w *Warnings, req openAIRequest) {
	if req.Seed != nil {
		w.add("seed is ignored by this provider")
	}
	if req.LogProbs != nil {
		w.add("logprobs is ignored by this provider")
	}
	if req.TopLogProbs != nil {
		w.add("top_logprobs is ignored by this provider")
	}
	if len(req.LogitBias) > 0 {
		w.add("logit_bias is ignored by this provider")
	}
	if req.ServiceTier != "" {
		w.add("service_tier is ignored by this provider")
	}
	if req.PresencePenalty != nil {
		w.add("presence_penalty is ignored by this provider")
	}
	if req.FrequencyPenalty != nil {
		w.add("frequency_penalty is ignored by this provider")
	}
	if req.N != nil && *req.N > 1 {
		w.add("n > 1 is ignored by this provider")
	}
}

// applyToolsAndChoice patches the marshaled Anthropic request JSON with
// tools/tool_choice, built directly as maps: the SDK's builder types are
// meant for constructing outbound calls field-by-field, not for round
// tripping an already-JSON client body, so this is done as a raw patch
// rather than through anthropic.ToolParam's param.Opt wrappers.
func applyToolsAndChoice(out map[string]any, req openAIRequest, warnings *Warnings) {
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := map[string]any{"type": "object", "properties": map[string]any{}}
			if len(t.Function.Parameters) > 0 {
				_ = json.Unmarshal(t.Function.Parameters, &schema)
			}
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": schema,
			})
		}
		out["tools"] = tools
	}

	if len(req.ToolChoice) == 0 {
		return
	}
	var s string
	if err := json.Unmarshal(req.ToolChoice, &s); err == nil {
		switch s {
		case "none":
			delete(out, "tool_choice")
		case "auto":
			out["tool_choice"] = map[string]any{"type": "auto"}
		case "required":
			out["tool_choice"] = map[string]any{"type": "any"}
		}
		return
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(req.ToolChoice, &obj); err == nil && obj.Function.Name != "" {
		out["tool_choice"] = map[string]any{"type": "tool", "name": obj.Function.Name}
	}
}

func applyResponseFormat(out map[string]any, rf *responseFormat) {
	if rf == nil {
		return
	}
	var instruction string
	switch rf.Type {
	case "json_object":
		instruction = "IMPORTANT: respond with a valid JSON object only, with no surrounding text."
	case "json_schema":
		instruction = "IMPORTANT: respond with a valid JSON object only, with no surrounding text.\n\nThe response must conform to this JSON schema:\n```json\n" + string(rf.JSONSchema) + "\n```"
	default:
		return
	}
	appendSystemText(out, instruction)
}

func appendSystemText(out map[string]any, instruction string) {
	switch sys := out["system"].(type) {
	case nil:
		out["system"] = []any{map[string]any{"type": "text", "text": instruction}}
	case string:
		out["system"] = []any{
			map[string]any{"type": "text", "text": sys},
			map[string]any{"type": "text", "text": instruction},
		}
	case []any:
		out["system"] = append(sys, map[string]any{"type": "text", "text": instruction})
	}
}

// ImageFetcher resolves an http(s) image URL to (mimeType, base64Data).
// Bounded per spec §9: 30s timeout, 20 MiB cap, mime must start "image/".
type ImageFetcher func(ctx context.Context, url string) (mime string, base64Data string, err error)

// DefaultImageFetcher fetches a remote image with the bounds spec §9
// requires, using the given *http.Client.
func DefaultImageFetcher(client *http.Client) ImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	const maxBytes = 20 << 20
	return func(ctx context.Context, url string) (string, string, error) {
		c, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(c, http.MethodGet, url, nil)
		if err != nil {
			return "", "", apierr.Wrap(apierr.KindConversion, "fetch image", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", "", apierr.Wrap(apierr.KindConversion, "fetch image", err)
		}
		defer resp.Body.Close()

		mime := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(mime, "image/") {
			return "", "", apierr.Newf(apierr.KindConversion, "fetched content is not an image: %s", mime)
		}

		limited := io.LimitReader(resp.Body, maxBytes+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return "", "", apierr.Wrap(apierr.KindConversion, "read image body", err)
		}
		if len(data) > maxBytes {
			return "", "", apierr.New(apierr.KindConversion, "image exceeds 20 MiB limit")
		}
		return mime, base64.StdEncoding.EncodeToString(data), nil
	}
}

// extractText returns the text of an OpenAI message content field, which is
// either a bare string or an array of content parts.
func extractText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	parts, err := decodeContentParts(raw)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

func decodeContentParts(raw json.RawMessage) ([]contentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []contentPart{{Type: "text", Text: s}}, nil
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apierr.Wrap(apierr.KindConversion, "decode message content", err)
	}
	return parts, nil
}

// contentBlocksFromOpenAI converts one OpenAI message's content into
// Anthropic content blocks per spec §4.5.1: text passes through, data: image
// URLs decode in place, http(s) image URLs are fetched when imageFetcher is
// set (conversion_error otherwise), and tool_use-in-user-message is dropped
// with a warning.
func contentBlocksFromOpenAI(ctx context.Context, raw json.RawMessage, fetch ImageFetcher, warnings *Warnings) ([]anthropic.ContentBlockParamUnion, error) {
	parts, err := decodeContentParts(raw)
	if err != nil {
		return nil, err
	}

	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch p.Type {
		case "text", "":
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mime, data, err := decodeImage(ctx, p.ImageURL.URL, fetch)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mime, data))
		case "tool_use":
			warnings.add("tool_use content in a user message is dropped")
		}
	}
	return blocks, nil
}

// ApplyAutoCache implements spec §4.5.1's auto-caching post-pass, run just
// before dispatch against the selected instance's cache config: when
// autoCacheSystem is set and the heuristic len_chars/4 token estimate of the
// system content reaches minSystemTokens, the last system block (a bare
// system string is promoted to a single-element blocks list first) gets
// cache_control={type:ephemeral}; when autoCacheTools is set and tools is
// non-empty, the last tool gets the same marker. body must already be in
// Anthropic wire shape. A no-op (returns body unchanged) when both flags are
// off.
func ApplyAutoCache(body []byte, autoCacheSystem, autoCacheTools bool, minSystemTokens int) ([]byte, error) {
	if !autoCacheSystem && !autoCacheTools {
		return body, nil
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apierr.Wrap(apierr.KindConversion, "decode anthropic request for auto-cache", err)
	}

	changed := false
	if autoCacheSystem && applyAutoCacheSystem(out, minSystemTokens) {
		changed = true
	}
	if autoCacheTools && applyAutoCacheTools(out) {
		changed = true
	}
	if !changed {
		return body, nil
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConversion, "encode anthropic request after auto-cache", err)
	}
	return encoded, nil
}

// estimateTokens is the spec's heuristic: len_chars / 4.
func estimateTokens(s string) int { return len(s) / 4 }

func applyAutoCacheSystem(out map[string]any, minSystemTokens int) bool {
	switch sys := out["system"].(type) {
	case string:
		if estimateTokens(sys) < minSystemTokens {
			return false
		}
		out["system"] = []any{map[string]any{
			"type":          "text",
			"text":          sys,
			"cache_control": map[string]any{"type": "ephemeral"},
		}}
		return true

	case []any:
		if len(sys) == 0 {
			return false
		}
		var totalChars int
		for _, b := range sys {
			if blk, ok := b.(map[string]any); ok {
				if text, ok := blk["text"].(string); ok {
					totalChars += len(text)
				}
			}
		}
		if totalChars/4 < minSystemTokens {
			return false
		}
		last, ok := sys[len(sys)-1].(map[string]any)
		if !ok {
			return false
		}
		last["cache_control"] = map[string]any{"type": "ephemeral"}
		return true

	default:
		return false
	}
}

func applyAutoCacheTools(out map[string]any) bool {
	tools, ok := out["tools"].([]any)
	if !ok || len(tools) == 0 {
		return false
	}
	last, ok := tools[len(tools)-1].(map[string]any)
	if !ok {
		return false
	}
	last["cache_control"] = map[string]any{"type": "ephemeral"}
	return true
}

func decodeImage(ctx context.Context, url string, fetch ImageFetcher) (mime string, data string, err error) {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		semi := strings.Index(rest, ";")
		comma := strings.Index(rest, ",")
		if semi < 0 || comma < 0 || comma < semi {
			return "", "", apierr.New(apierr.KindConversion, "malformed data: image URL")
		}
		return rest[:semi], rest[comma+1:], nil
	}
	if fetch == nil {
		return "", "", apierr.New(apierr.KindConversion, "remote image fetching is disabled")
	}
	return fetch(ctx, url)
}
