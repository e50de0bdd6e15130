package translate

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// openAIResponse is the client-facing OpenAI chat-completion response shape
// this package produces from a translated upstream response.
type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int              `json:"index"`
	Message      openAIRespMsg    `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type openAIRespMsg struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnthropicResponseToOpenAI converts an Anthropic Messages response into
// an OpenAI-shaped chat completion: concatenate text blocks into
// message.content, emit each tool_use as an OpenAI tool_call, and map
// usage/stop_reason through.
func AnthropicResponseToOpenAI(body []byte) ([]byte, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, apierr.Wrap(apierr.KindConversion, "decode anthropic response", err)
	}

	out := openAIResponse{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  string(msg.Model),
		Usage: openAIUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	var text string
	var toolCalls []openAIToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += variant.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			tc := openAIToolCall{ID: variant.ID, Type: "function"}
			tc.Function.Name = variant.Name
			tc.Function.Arguments = string(args)
			toolCalls = append(toolCalls, tc)
		}
	}

	out.Choices = []openAIChoice{{
		Index:        0,
		FinishReason: finishReasonFromAnthropic(string(msg.StopReason)),
		Message: openAIRespMsg{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		},
	}}

	return json.Marshal(out)
}

func finishReasonFromAnthropic(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}

// geminiResponse mirrors the subset of Gemini's generateContent response
// this package consumes.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string          `json:"text,omitempty"`
				FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// GeminiResponseToOpenAI converts a Gemini generateContent response into
// an OpenAI-shaped chat completion: take the first candidate, concatenate
// text parts, convert function-call parts to tool_calls.
func GeminiResponseToOpenAI(body []byte) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierr.Wrap(apierr.KindConversion, "decode gemini response", err)
	}

	out := openAIResponse{
		Object: "chat.completion",
		Model:  resp.ModelVersion,
		Usage: openAIUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}

	if len(resp.Candidates) == 0 {
		out.Choices = []openAIChoice{{Message: openAIRespMsg{Role: "assistant"}}}
		return json.Marshal(out)
	}

	cand := resp.Candidates[0]
	var text string
	var toolCalls []openAIToolCall
	for i, p := range cand.Content.Parts {
		if p.Text != "" {
			text += p.Text
		}
		if p.FunctionCall != nil {
			args, _ := json.Marshal(p.FunctionCall.Args)
			tc := openAIToolCall{ID: fmt.Sprintf("call_%d", i), Type: "function"}
			tc.Function.Name = p.FunctionCall.Name
			tc.Function.Arguments = string(args)
			toolCalls = append(toolCalls, tc)
		}
	}

	out.Choices = []openAIChoice{{
		Index:        0,
		FinishReason: finishReasonFromGemini(cand.FinishReason),
		Message: openAIRespMsg{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		},
	}}
	return json.Marshal(out)
}

// ResponseUsage is the usage counters extracted from a non-streaming
// upstream response, regardless of which protocol produced it.
type ResponseUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// AnthropicUsageFromResponse extracts usage from a raw Anthropic message
// response body, independent of AnthropicResponseToOpenAI's shape
// conversion — used when the client itself speaks Anthropic and the body
// passes through unmodified.
func AnthropicUsageFromResponse(body []byte) (ResponseUsage, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return ResponseUsage{}, apierr.Wrap(apierr.KindConversion, "decode anthropic response", err)
	}
	return ResponseUsage{
		InputTokens:         int(msg.Usage.InputTokens),
		OutputTokens:        int(msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}, nil
}

// GeminiUsageFromResponse extracts usage from a raw Gemini generateContent
// response body.
func GeminiUsageFromResponse(body []byte) (ResponseUsage, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ResponseUsage{}, apierr.Wrap(apierr.KindConversion, "decode gemini response", err)
	}
	return ResponseUsage{
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// OpenAIUsageFromResponse extracts usage from a raw OpenAI chat-completion
// response body.
func OpenAIUsageFromResponse(body []byte) (ResponseUsage, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ResponseUsage{}, apierr.Wrap(apierr.KindConversion, "decode openai response", err)
	}
	return ResponseUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}, nil
}

func finishReasonFromGemini(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}
