package translate

import (
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// openAIChunk is the client-facing streaming chunk shape (chat.completion.chunk).
type openAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Model   string              `json:"model,omitempty"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int            `json:"index"`
	Delta        openAIDelta    `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func marshalChunk(c openAIChunk) []byte {
	b, _ := json.Marshal(c)
	return b
}

// AnthropicSSEUsage is the subset of message_delta.usage the streaming
// tracker needs (spec §4.6).
type AnthropicSSEUsage struct {
	InputTokens        int
	OutputTokens       int
	CacheCreationTokens int
	CacheReadTokens    int
	HasUsage           bool
}

// AnthropicEventToOpenAIChunk converts one Anthropic SSE event into zero or
// more OpenAI-shaped chunks, per spec §4.5.4. It also reports any usage data
// carried by the event so the streaming tracker can update its counters
// without re-parsing the event itself.
func AnthropicEventToOpenAIChunk(requestID, eventType string, data []byte) (chunks [][]byte, usage AnthropicSSEUsage, done bool, err error) {
	switch eventType {
	case "message_start":
		var ev struct {
			Message struct {
				Model string `json:"model"`
			} `json:"message"`
		}
		if e := json.Unmarshal(data, &ev); e != nil {
			return nil, usage, false, apierr.Wrap(apierr.KindConversion, "decode anthropic sse event", e)
		}
		chunks = append(chunks, marshalChunk(openAIChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Model:   ev.Message.Model,
			Choices: []openAIChunkChoice{{Delta: openAIDelta{Role: "assistant"}}},
		}))

	case "content_block_start":
		var ev struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if e := json.Unmarshal(data, &ev); e != nil {
			return nil, usage, false, apierr.Wrap(apierr.KindConversion, "decode anthropic sse event", e)
		}
		if ev.ContentBlock.Type == "tool_use" {
			delta := openAIToolCallDelta{Index: ev.Index, ID: ev.ContentBlock.ID, Type: "function"}
			delta.Function.Name = ev.ContentBlock.Name
			chunks = append(chunks, marshalChunk(openAIChunk{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Choices: []openAIChunkChoice{{Delta: openAIDelta{ToolCalls: []openAIToolCallDelta{delta}}}},
			}))
		}

	case "content_block_delta":
		var ev struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if e := json.Unmarshal(data, &ev); e != nil {
			return nil, usage, false, apierr.Wrap(apierr.KindConversion, "decode anthropic sse event", e)
		}
		switch ev.Delta.Type {
		case "text_delta":
			chunks = append(chunks, marshalChunk(openAIChunk{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Choices: []openAIChunkChoice{{Delta: openAIDelta{Content: ev.Delta.Text}}},
			}))
		case "input_json_delta":
			delta := openAIToolCallDelta{Index: ev.Index}
			delta.Function.Arguments = ev.Delta.PartialJSON
			chunks = append(chunks, marshalChunk(openAIChunk{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Choices: []openAIChunkChoice{{Delta: openAIDelta{ToolCalls: []openAIToolCallDelta{delta}}}},
			}))
		}

	case "message_delta":
		var ev struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				InputTokens              int `json:"input_tokens"`
				OutputTokens             int `json:"output_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			} `json:"usage"`
		}
		if e := json.Unmarshal(data, &ev); e != nil {
			return nil, usage, false, apierr.Wrap(apierr.KindConversion, "decode anthropic sse event", e)
		}
		finish := finishReasonFromAnthropic(ev.Delta.StopReason)
		chunks = append(chunks, marshalChunk(openAIChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Choices: []openAIChunkChoice{{FinishReason: &finish}},
		}))
		usage = AnthropicSSEUsage{
			InputTokens:         ev.Usage.InputTokens,
			OutputTokens:        ev.Usage.OutputTokens,
			CacheCreationTokens: ev.Usage.CacheCreationInputTokens,
			CacheReadTokens:     ev.Usage.CacheReadInputTokens,
			HasUsage:            true,
		}

	case "message_stop":
		done = true
	}

	return chunks, usage, done, nil
}

// GeminiUsage is the subset of usageMetadata the streaming tracker needs.
type GeminiUsage struct {
	PromptTokenCount     int
	CandidatesTokenCount int
	HasUsage             bool
}

// GeminiChunkToOpenAIChunk converts one Gemini streamGenerateContent chunk
// into OpenAI-shaped chunks, per spec §4.5.4. firstChunk controls whether
// delta.role is emitted.
func GeminiChunkToOpenAIChunk(requestID string, data []byte, firstChunk bool) (chunks [][]byte, usage GeminiUsage, done bool, err error) {
	var chunk geminiResponse
	if e := json.Unmarshal(data, &chunk); e != nil {
		return nil, usage, false, fmt.Errorf("translate: decode gemini chunk: %w", e)
	}

	role := ""
	if firstChunk {
		role = "assistant"
	}

	var text string
	var finishPtr *string
	if len(chunk.Candidates) > 0 {
		cand := chunk.Candidates[0]
		for _, p := range cand.Content.Parts {
			text += p.Text
		}
		if cand.FinishReason != "" {
			f := finishReasonFromGemini(cand.FinishReason)
			finishPtr = &f
			done = true
		}
	}

	if role != "" || text != "" || finishPtr != nil {
		chunks = append(chunks, marshalChunk(openAIChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Choices: []openAIChunkChoice{{Delta: openAIDelta{Role: role, Content: text}, FinishReason: finishPtr}},
		}))
	}

	if chunk.UsageMetadata.PromptTokenCount > 0 && chunk.UsageMetadata.CandidatesTokenCount > 0 {
		usage = GeminiUsage{
			PromptTokenCount:     chunk.UsageMetadata.PromptTokenCount,
			CandidatesTokenCount: chunk.UsageMetadata.CandidatesTokenCount,
			HasUsage:             true,
		}
	}
	return chunks, usage, done, nil
}

// OpenAIChunkUsage extracts usage from a native OpenAI-shaped stream chunk,
// per spec §4.6: any chunk carrying usage finalizes counters.
func OpenAIChunkUsage(data []byte) (prompt, completion int, has bool) {
	var ev struct {
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Usage == nil {
		return 0, 0, false
	}
	return ev.Usage.PromptTokens, ev.Usage.CompletionTokens, true
}
