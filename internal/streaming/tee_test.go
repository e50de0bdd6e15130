package streaming

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

func runForward(t *testing.T, client, upstream ClientProtocol, eventType string, data []byte, firstChunk *bool, tracker *Tracker) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	forward(w, client, upstream, "req-1", eventType, data, firstChunk, tracker)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.String()
}

func TestForward_NativePassthroughWritesDataLineVerbatim(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolOpenAI, "", []byte(`{"id":"1"}`), &firstChunk, tracker)
	if !strings.Contains(out, `data: {"id":"1"}`) {
		t.Fatalf("expected verbatim passthrough, got %q", out)
	}
}

func TestForward_AnthropicToOpenAITranslatesTextDelta(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolAnthropic, "content_block_delta", data, &firstChunk, tracker)
	if !strings.Contains(out, "hi") {
		t.Fatalf("expected translated chunk to carry the delta text, got %q", out)
	}
	if !strings.Contains(out, "chat.completion.chunk") {
		t.Fatalf("expected an OpenAI-shaped chunk, got %q", out)
	}
}

func TestForward_AnthropicMessageDeltaRecordsUsageOnTracker(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`)
	runForward(t, providers.ProtocolOpenAI, providers.ProtocolAnthropic, "message_delta", data, &firstChunk, tracker)

	usage := tracker.Usage()
	if usage.OutputTokens == nil || *usage.OutputTokens != 9 {
		t.Fatalf("expected tracker to record output tokens from message_delta usage, got %+v", usage)
	}
}

func TestForward_GeminiToOpenAIEmitsRoleOnFirstChunkOnly(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolGemini, "", data, &firstChunk, tracker)
	if !strings.Contains(out, `"role":"assistant"`) {
		t.Fatalf("expected role on first chunk, got %q", out)
	}
	if firstChunk {
		t.Fatal("forward must clear firstChunk after the first gemini chunk")
	}
}

func TestRecordNativeUsage_OpenAIPassthroughStillFeedsTracker(t *testing.T) {
	tracker := NewTracker("req-1")
	data := []byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`)
	recordNativeUsage(providers.ProtocolOpenAI, "", data, tracker)

	usage := tracker.Usage()
	if usage.InputTokens == nil || *usage.InputTokens != 3 {
		t.Fatalf("expected input tokens recorded, got %+v", usage)
	}
}

func TestForward_AnthropicMessageStopEmitsDoneSentinel(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"type":"message_stop"}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolAnthropic, "message_stop", data, &firstChunk, tracker)
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("expected a translated Anthropic stream to terminate with [DONE], got %q", out)
	}
}

func TestForward_AnthropicContentDeltaDoesNotEmitDoneSentinel(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolAnthropic, "content_block_delta", data, &firstChunk, tracker)
	if strings.Contains(out, "[DONE]") {
		t.Fatalf("a mid-stream delta must not emit the terminating sentinel, got %q", out)
	}
}

func TestForward_GeminiFinishReasonEmitsDoneSentinel(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolGemini, "", data, &firstChunk, tracker)
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("expected a translated Gemini stream to terminate with [DONE] once finishReason is set, got %q", out)
	}
}

func TestForward_GeminiWithoutFinishReasonDoesNotEmitDoneSentinel(t *testing.T) {
	tracker := NewTracker("req-1")
	firstChunk := true
	data := []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)
	out := runForward(t, providers.ProtocolOpenAI, providers.ProtocolGemini, "", data, &firstChunk, tracker)
	if strings.Contains(out, "[DONE]") {
		t.Fatalf("a gemini chunk without finishReason must not emit the terminating sentinel, got %q", out)
	}
}

func TestWriteChunks_EmptySliceWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeChunks(w, nil)
	w.Flush()
	if buf.Len() != 0 {
		t.Fatalf("expected no output for an empty chunk slice, got %q", buf.String())
	}
}
