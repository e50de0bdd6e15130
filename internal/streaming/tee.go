package streaming

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
)

// ClientProtocol mirrors providers.Protocol but is named locally to keep
// this package's surface self-describing at call sites (tee(client,
// upstream, ...)).
type ClientProtocol = providers.Protocol

const (
	ClientOpenAI    = providers.ProtocolOpenAI
	ClientAnthropic = providers.ProtocolAnthropic
	ClientGemini    = providers.ProtocolGemini
)

// Tee streams upstreamBody (an SSE byte stream from the selected provider
// instance) to ctx as Server-Sent Events, translating each event into the
// client's requested protocol shape when it differs from the upstream's
// native one, and feeding every event to tracker so usage can be extracted
// without a second pass over the bytes. The upstream's native SSE framing
// is preserved (event: / data: lines) and usage comes from the provider's
// own numbers rather than an estimate.
func Tee(ctx *fasthttp.RequestCtx, upstreamBody io.ReadCloser, client, upstream ClientProtocol, requestID string, tracker *Tracker, log *slog.Logger) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer upstreamBody.Close()
		defer func() {
			if r := recover(); r != nil && log != nil {
				log.Error("streaming: panic in sse tee", "request_id", requestID, "panic", r)
			}
		}()

		reader := bufio.NewReader(upstreamBody)
		firstChunk := true
		var eventType string

		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				trimmed := bytes.TrimRight([]byte(line), "\r\n")
				switch {
				case bytes.HasPrefix(trimmed, []byte("event:")):
					eventType = string(bytes.TrimSpace(trimmed[len("event:"):]))
					continue
				case bytes.HasPrefix(trimmed, []byte("data:")):
					data := bytes.TrimSpace(trimmed[len("data:"):])
					tracker.ObserveChunk(data)

					if bytes.Equal(data, []byte("[DONE]")) {
						fmt.Fprint(w, "data: [DONE]\n\n")
						w.Flush() //nolint:errcheck
						eventType = ""
						continue
					}

					forward(w, client, upstream, requestID, eventType, data, &firstChunk, tracker)
					eventType = ""
				}
			}
			if err != nil {
				break
			}
		}
		w.Flush() //nolint:errcheck
	})
}

// forward translates one SSE data payload (already stripped of "data: ")
// from upstream's native shape into client's requested shape, writing zero
// or more "data: ..." lines, and updates tracker with any usage it carries.
func forward(w *bufio.Writer, client, upstream ClientProtocol, requestID, eventType string, data []byte, firstChunk *bool, tracker *Tracker) {
	// Native passthrough: tracker still needs to observe usage even when no
	// shape translation happens.
	if client == upstream {
		if eventType != "" {
			fmt.Fprintf(w, "event: %s\n", eventType)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush() //nolint:errcheck
		recordNativeUsage(upstream, eventType, data, tracker)
		*firstChunk = false
		return
	}

	switch upstream {
	case providers.ProtocolAnthropic:
		chunks, usage, done, err := translate.AnthropicEventToOpenAIChunk(requestID, eventType, data)
		if err != nil {
			return
		}
		if usage.HasUsage {
			tracker.RecordAnthropicDelta(usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens)
		}
		writeChunks(w, chunks)
		if done {
			writeDone(w)
		}

	case providers.ProtocolGemini:
		chunks, usage, done, err := translate.GeminiChunkToOpenAIChunk(requestID, data, *firstChunk)
		if err != nil {
			return
		}
		if usage.HasUsage {
			tracker.RecordGemini(usage.PromptTokenCount, usage.CandidatesTokenCount, true)
		}
		writeChunks(w, chunks)
		*firstChunk = false
		if done {
			writeDone(w)
		}

	default: // ProtocolOpenAI upstream, non-OpenAI client: not a supported combination.
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush() //nolint:errcheck
	}
}

// writeDone emits the OpenAI-shaped terminating sentinel: spec §4.5.4's
// message_stop -> [DONE] for Anthropic, and a non-null finish reason -> a
// following [DONE] for Gemini.
func writeDone(w *bufio.Writer) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush() //nolint:errcheck
}

func recordNativeUsage(proto ClientProtocol, eventType string, data []byte, tracker *Tracker) {
	switch proto {
	case providers.ProtocolOpenAI:
		prompt, completion, has := translate.OpenAIChunkUsage(data)
		tracker.RecordOpenAI(prompt, completion, has)
	case providers.ProtocolAnthropic:
		if eventType != "message_delta" {
			return
		}
		// Re-use the translator's decode path purely for its usage
		// extraction; discard the translated chunk.
		_, usage, _, err := translate.AnthropicEventToOpenAIChunk("", eventType, data)
		if err == nil && usage.HasUsage {
			tracker.RecordAnthropicDelta(usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens)
		}
	case providers.ProtocolGemini:
		_, usage, _, err := translate.GeminiChunkToOpenAIChunk("", data, false)
		if err == nil && usage.HasUsage {
			tracker.RecordGemini(usage.PromptTokenCount, usage.CandidatesTokenCount, true)
		}
	}
}

func writeChunks(w *bufio.Writer, chunks [][]byte) {
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	if len(chunks) > 0 {
		w.Flush() //nolint:errcheck
	}
}
