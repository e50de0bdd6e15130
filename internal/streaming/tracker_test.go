package streaming

import (
	"context"
	"testing"
	"time"
)

// TestTracker_AnthropicMessageDeltaFinalizes reproduces the scenario of a
// full Anthropic stream: message_start (usage ignored), three
// content_block_delta events (no usage at all), then message_delta carrying
// the only usage block, then message_stop. Exactly one finalize should
// occur, with the message_delta's numbers.
func TestTracker_AnthropicMessageDeltaFinalizes(t *testing.T) {
	tr := NewTracker("req-1")

	tr.ObserveChunk([]byte(`event: message_start`))
	tr.ObserveChunk([]byte(`event: content_block_start`))
	tr.ObserveChunk([]byte(`event: content_block_delta`))
	tr.ObserveChunk([]byte(`event: content_block_delta`))
	tr.ObserveChunk([]byte(`event: content_block_delta`))

	tr.RecordAnthropicDelta(7, 5, 0, 0)
	tr.ObserveChunk([]byte(`event: message_stop`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitForCompletion(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	usage := tr.Usage()
	if usage.InputTokens == nil || *usage.InputTokens != 7 {
		t.Fatalf("InputTokens = %v, want 7", deref(usage.InputTokens))
	}
	if usage.OutputTokens == nil || *usage.OutputTokens != 5 {
		t.Fatalf("OutputTokens = %v, want 5", deref(usage.OutputTokens))
	}
	if usage.CacheCreationTokens == nil || *usage.CacheCreationTokens != 0 {
		t.Fatalf("CacheCreationTokens = %v, want 0", deref(usage.CacheCreationTokens))
	}
	if usage.CacheReadTokens == nil || *usage.CacheReadTokens != 0 {
		t.Fatalf("CacheReadTokens = %v, want 0", deref(usage.CacheReadTokens))
	}
}

func TestTracker_OpenAIChunkWithoutUsageDoesNotFinalize(t *testing.T) {
	tr := NewTracker("req-2")
	tr.RecordOpenAI(0, 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.WaitForCompletion(ctx); err == nil {
		t.Fatal("expected WaitForCompletion to time out when usage was never observed")
	}
}

func TestTracker_OpenAIChunkWithUsageFinalizes(t *testing.T) {
	tr := NewTracker("req-3")
	tr.RecordOpenAI(10, 20, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.WaitForCompletion(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	usage := tr.Usage()
	if deref(usage.InputTokens) != 10 || deref(usage.OutputTokens) != 20 {
		t.Fatalf("got input=%d output=%d, want 10/20", deref(usage.InputTokens), deref(usage.OutputTokens))
	}
}

func TestTracker_GeminiRequiresBothCounts(t *testing.T) {
	tr := NewTracker("req-4")
	tr.RecordGemini(0, 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.WaitForCompletion(ctx); err == nil {
		t.Fatal("expected no finalize without both prompt and candidate counts")
	}

	tr2 := NewTracker("req-5")
	tr2.RecordGemini(3, 4, true)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := tr2.WaitForCompletion(ctx2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTracker_ObserveChunkCapsBuffering(t *testing.T) {
	tr := NewTracker("req-6")
	big := make([]byte, maxBufferedBytes/2)
	tr.ObserveChunk(big)
	tr.ObserveChunk(big)
	tr.ObserveChunk(big) // should be silently dropped past the 1 MiB cap
	if tr.buf.Len() > maxBufferedBytes {
		t.Fatalf("buffered %d bytes, want <= %d", tr.buf.Len(), maxBufferedBytes)
	}
}

func deref(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
