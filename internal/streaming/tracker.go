// Package streaming tracks per-protocol token usage for a streamed request
// and tees upstream SSE chunks to the client, giving exact usage numbers
// pulled from the provider's own accounting and a one-shot completion
// signal the request handler can await before emitting a RequestEvent for a
// streamed call.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

const (
	maxBufferedChunks = 1000
	maxBufferedBytes  = 1 << 20 // 1 MiB
	completionTimeout = 5 * time.Minute
)

// Usage holds the token counts a streaming tracker accumulates. Fields are
// pointers so "never observed" (nil) is distinguishable from "observed as
// zero" — an upstream that never sends usage leaves these nil forever.
type Usage struct {
	InputTokens         *int
	OutputTokens        *int
	CacheCreationTokens *int
	CacheReadTokens     *int
}

// Tracker observes a single streamed request's SSE chunks and accumulates
// usage per these per-protocol completion rules:
//   - OpenAI: any chunk carrying non-nil usage finalizes the tracker.
//   - Anthropic: only message_delta.usage finalizes it; message_start is
//     ignored even though it also carries a (zeroed) usage block.
//   - Gemini: a chunk whose usage_metadata carries both promptTokenCount
//     and candidatesTokenCount finalizes it.
type Tracker struct {
	RequestID string

	mu       sync.Mutex
	usage    Usage
	buf      bytes.Buffer
	nChunks  int
	complete chan struct{}
	once     sync.Once
}

// NewTracker creates a tracker for requestID.
func NewTracker(requestID string) *Tracker {
	return &Tracker{
		RequestID: requestID,
		complete:  make(chan struct{}),
	}
}

// ObserveChunk appends raw to the tracker's bounded buffer for diagnostics.
// It silently stops buffering once the cap is hit — it never blocks or
// drops the chunk from the client-facing stream, it only stops retaining a
// copy.
func (t *Tracker) ObserveChunk(raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nChunks >= maxBufferedChunks || t.buf.Len() >= maxBufferedBytes {
		return
	}
	t.nChunks++
	remaining := maxBufferedBytes - t.buf.Len()
	if remaining < len(raw) {
		t.buf.Write(raw[:remaining])
		return
	}
	t.buf.Write(raw)
}

// RecordOpenAI finalizes the tracker from a native OpenAI-shaped chunk's
// usage block.
func (t *Tracker) RecordOpenAI(promptTokens, completionTokens int, has bool) {
	if !has {
		return
	}
	t.finalize(Usage{InputTokens: &promptTokens, OutputTokens: &completionTokens})
}

// RecordAnthropicDelta finalizes the tracker from a message_delta event's
// usage block. Callers must not call this for message_start.
func (t *Tracker) RecordAnthropicDelta(input, output, cacheCreate, cacheRead int) {
	t.finalize(Usage{
		InputTokens:         &input,
		OutputTokens:        &output,
		CacheCreationTokens: &cacheCreate,
		CacheReadTokens:     &cacheRead,
	})
}

// RecordGemini finalizes the tracker from a chunk's usageMetadata, only
// when both counts are present.
func (t *Tracker) RecordGemini(promptTokenCount, candidatesTokenCount int, has bool) {
	if !has {
		return
	}
	t.finalize(Usage{InputTokens: &promptTokenCount, OutputTokens: &candidatesTokenCount})
}

func (t *Tracker) finalize(u Usage) {
	t.mu.Lock()
	t.usage = u
	t.mu.Unlock()
	t.once.Do(func() { close(t.complete) })
}

// Usage returns the accumulated usage. Safe to call before or after
// completion; fields are nil if never observed.
func (t *Tracker) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// ErrCompletionTimeout is returned by WaitForCompletion when the stream
// never finalizes usage within the outer timeout.
var ErrCompletionTimeout = errors.New("streaming: usage completion timed out")

// WaitForCompletion blocks until the tracker observes a finalizing chunk,
// the context is cancelled, or completionTimeout elapses — whichever comes
// first.
func (t *Tracker) WaitForCompletion(ctx context.Context) error {
	timer := time.NewTimer(completionTimeout)
	defer timer.Stop()
	select {
	case <-t.complete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrCompletionTimeout
	}
}
