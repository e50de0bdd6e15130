package translate

import (
	"encoding/json"
	"testing"
)

func TestAnthropicEventToOpenAIChunk_MessageStart(t *testing.T) {
	chunks, _, done, err := AnthropicEventToOpenAIChunk("req-1", "message_start",
		[]byte(`{"message": {"model": "claude-3-5-sonnet"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("message_start must not signal done")
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	if c.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("expected role assistant in first chunk, got %q", c.Choices[0].Delta.Role)
	}
}

func TestAnthropicEventToOpenAIChunk_TextDelta(t *testing.T) {
	chunks, _, _, err := AnthropicEventToOpenAIChunk("req-1", "content_block_delta",
		[]byte(`{"index": 0, "delta": {"type": "text_delta", "text": "hi"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	if c.Choices[0].Delta.Content != "hi" {
		t.Fatalf("content = %q, want hi", c.Choices[0].Delta.Content)
	}
}

func TestAnthropicEventToOpenAIChunk_MessageDeltaCarriesUsageAndFinish(t *testing.T) {
	chunks, usage, done, err := AnthropicEventToOpenAIChunk("req-1", "message_delta",
		[]byte(`{"delta": {"stop_reason": "end_turn"}, "usage": {"input_tokens": 7, "output_tokens": 5}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("message_delta itself does not signal done; message_stop does")
	}
	if !usage.HasUsage || usage.InputTokens != 7 || usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v, want input=7 output=5", usage)
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	if c.Choices[0].FinishReason == nil || *c.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason = %v, want stop", c.Choices[0].FinishReason)
	}
}

func TestAnthropicEventToOpenAIChunk_MessageStopSignalsDone(t *testing.T) {
	chunks, usage, done, err := AnthropicEventToOpenAIChunk("req-1", "message_stop", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("message_stop must signal done")
	}
	if len(chunks) != 0 {
		t.Fatalf("message_stop should not itself emit a chunk, got %d", len(chunks))
	}
	if usage.HasUsage {
		t.Fatal("message_stop carries no usage")
	}
}

func TestAnthropicEventToOpenAIChunk_ToolUseBlockStart(t *testing.T) {
	chunks, _, _, err := AnthropicEventToOpenAIChunk("req-1", "content_block_start",
		[]byte(`{"index": 0, "content_block": {"type": "tool_use", "id": "toolu_1", "name": "get_weather"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	tc := c.Choices[0].Delta.ToolCalls
	if len(tc) != 1 || tc[0].Function.Name != "get_weather" {
		t.Fatalf("expected a get_weather tool call delta, got %#v", tc)
	}
}

func TestAnthropicEventToOpenAIChunk_TextContentBlockStartEmitsNoChunk(t *testing.T) {
	chunks, _, _, err := AnthropicEventToOpenAIChunk("req-1", "content_block_start",
		[]byte(`{"index": 0, "content_block": {"type": "text"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("a text content_block_start should not itself emit a chunk, got %d", len(chunks))
	}
}

func TestGeminiChunkToOpenAIChunk_FirstChunkEmitsRole(t *testing.T) {
	data := []byte(`{"candidates": [{"content": {"parts": [{"text": "hi"}]}}]}`)
	chunks, usage, done, err := GeminiChunkToOpenAIChunk("req-1", data, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done || usage.HasUsage {
		t.Fatalf("expected no completion/usage on a mid-stream chunk, got done=%v usage=%+v", done, usage)
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	if c.Choices[0].Delta.Role != "assistant" {
		t.Fatalf("expected role assistant on first chunk, got %q", c.Choices[0].Delta.Role)
	}
	if c.Choices[0].Delta.Content != "hi" {
		t.Fatalf("content = %q, want hi", c.Choices[0].Delta.Content)
	}
}

func TestGeminiChunkToOpenAIChunk_FinishReasonSignalsDone(t *testing.T) {
	data := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "done"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2}
	}`)
	chunks, usage, done, err := GeminiChunkToOpenAIChunk("req-1", data, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected done=true when finishReason is set")
	}
	if !usage.HasUsage || usage.PromptTokenCount != 3 || usage.CandidatesTokenCount != 2 {
		t.Fatalf("usage = %+v, want prompt=3 candidates=2", usage)
	}
	var c openAIChunk
	_ = json.Unmarshal(chunks[0], &c)
	if c.Choices[0].FinishReason == nil || *c.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason = %v, want stop", c.Choices[0].FinishReason)
	}
}

func TestOpenAIChunkUsage(t *testing.T) {
	prompt, completion, has := OpenAIChunkUsage([]byte(`{"usage": {"prompt_tokens": 5, "completion_tokens": 3}}`))
	if !has || prompt != 5 || completion != 3 {
		t.Fatalf("got prompt=%d completion=%d has=%v, want 5/3/true", prompt, completion, has)
	}

	_, _, has = OpenAIChunkUsage([]byte(`{"choices": []}`))
	if has {
		t.Fatal("expected has=false when no usage field is present")
	}
}
