package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/llm-gateway/internal/eventsink"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/streaming"
	"github.com/nulpointcorp/llm-gateway/internal/translate"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// dispatchCtx is the per-request state threaded through the shared dispatch
// skeleton: allocate request_id, route, call execute_with_session,
// translate, emit exactly one RequestEvent, reply.
type dispatchCtx struct {
	requestID  string
	endpoint   string
	apiKeyName string
	model      string
	stream     bool
	event      eventsink.Event
	start      time.Time
}

func (s *Server) newDispatchCtx(ctx *fasthttp.RequestCtx, endpoint string) dispatchCtx {
	now := time.Now()
	ev := eventsink.NewEvent(now)
	requestID := ev.RequestID.String()
	if clientID, _ := ctx.UserValue("request_id").(string); clientID != "" {
		requestID = clientID
	}
	ev.APIKeyName = apiKeyName(ctx)
	ev.Endpoint = endpoint
	return dispatchCtx{
		requestID:  requestID,
		endpoint:   endpoint,
		apiKeyName: ev.APIKeyName,
		event:      ev,
		start:      now,
	}
}

// buildSendFunc returns the closure execute_with_session runs for a
// selected instance: apply the instance's auto-cache hints (spec §4.5.1,
// Anthropic-shaped bodies only — this covers both native Anthropic and
// Bedrock, since Bedrock's wire shape is Anthropic's), resolve an oauth
// token when needed, then call the provider kind's send_request.
func (s *Server) buildSendFunc(kind providers.Kind, nativeProto providers.Protocol, body []byte, model string, stream bool) dispatcher.Func {
	return func(ctx context.Context, inst *balancer.Instance) (*http.Response, error) {
		sendBody := body
		if nativeProto == providers.ProtocolAnthropic {
			cached, err := translate.ApplyAutoCache(sendBody, inst.Config.Cache.AutoCacheSystem, inst.Config.Cache.AutoCacheTools, inst.Config.Cache.MinSystemTokens)
			if err != nil {
				return nil, err
			}
			sendBody = cached
		}

		req := providers.UpstreamRequest{Body: sendBody, Model: model, Stream: stream}

		if inst.Config.AuthMode == config.AuthOAuth {
			if s.OAuth == nil {
				return nil, apierr.New(apierr.KindConfig, "oauth manager not configured")
			}
			tok, err := s.OAuth.Token(ctx, inst.Config.OAuthProviderID)
			if err != nil {
				return nil, apierr.Wrap(apierr.KindUnauthorized, "oauth token refresh failed", err)
			}
			req.OAuthToken = tok
		}

		return kind.SendRequest(ctx, s.HTTPClient, &inst.Config, req)
	}
}

func extractModel(body []byte) string {
	var probe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Model
}

func extractStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// handleChatCompletions is the OpenAI-shaped chat completions handler.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	dc := s.newDispatchCtx(ctx, "/v1/chat/completions")
	body := ctx.PostBody()
	dc.model = extractModel(body)
	dc.stream = extractStream(body)
	dc.event.Model = dc.model

	reg := s.Registry.Current()
	providerID, err := router.Resolve(reg.Config.Routing, dc.model)
	if err != nil {
		s.failEarly(ctx, dc, err)
		return
	}
	entry, ok := reg.Lookup(providerID)
	if !ok {
		s.failEarly(ctx, dc, apierr.Newf(apierr.KindProviderDisabled, "provider %q not found", providerID))
		return
	}
	dc.event.Provider = providerID

	var warnings translate.Warnings
	sendBody := body
	if entry.Kind.NativeProtocol() != providers.ProtocolOpenAI {
		translated, w, terr := translateOpenAIOut(ctx, entry.Kind.NativeProtocol(), body, s.HTTPClient)
		if terr != nil {
			s.failEarly(ctx, dc, terr)
			return
		}
		sendBody, warnings = translated, w
	}

	result := dispatcher.ExecuteWithSession(ctx, entry.Balancer, dc.apiKeyName, s.buildSendFunc(entry.Kind, entry.Kind.NativeProtocol(), sendBody, dc.model, dc.stream))
	s.finishDispatch(ctx, dc, result, entry.Kind.NativeProtocol(), providers.ProtocolOpenAI, warnings)
}

// handleMessages is the Anthropic-shaped handler: body passes through
// unmodified and must route to an Anthropic-native provider (Anthropic or
// Bedrock).
func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	dc := s.newDispatchCtx(ctx, "/v1/messages")
	body := ctx.PostBody()
	dc.model = extractModel(body)
	dc.stream = extractStream(body)
	dc.event.Model = dc.model

	reg := s.Registry.Current()
	providerID, err := router.Resolve(reg.Config.Routing, dc.model)
	if err != nil {
		s.failEarly(ctx, dc, err)
		return
	}
	entry, ok := reg.Lookup(providerID)
	if !ok {
		s.failEarly(ctx, dc, apierr.Newf(apierr.KindProviderDisabled, "provider %q not found", providerID))
		return
	}
	if entry.Kind.NativeProtocol() != providers.ProtocolAnthropic {
		s.failEarly(ctx, dc, apierr.Newf(apierr.KindModelNotFound, "model %q does not route to an anthropic-native provider", dc.model))
		return
	}
	dc.event.Provider = providerID

	result := dispatcher.ExecuteWithSession(ctx, entry.Balancer, dc.apiKeyName, s.buildSendFunc(entry.Kind, providers.ProtocolAnthropic, body, dc.model, dc.stream))
	s.finishDispatch(ctx, dc, result, providers.ProtocolAnthropic, providers.ProtocolAnthropic, nil)
}

// handleGemini is the Gemini-native handler. The path carries
// "{model}:generateContent" or "{model}:streamGenerateContent"; the body
// passes through unmodified.
func (s *Server) handleGemini(ctx *fasthttp.RequestCtx) {
	dc := s.newDispatchCtx(ctx, "/v1beta/models")
	path, _ := ctx.UserValue("path").(string)
	model, action := splitModelAction(path)
	dc.model = model
	dc.stream = strings.Contains(action, "stream")
	dc.event.Model = dc.model

	reg := s.Registry.Current()
	providerID, err := router.Resolve(reg.Config.Routing, dc.model)
	if err != nil {
		s.failEarly(ctx, dc, err)
		return
	}
	entry, ok := reg.Lookup(providerID)
	if !ok || entry.Kind.NativeProtocol() != providers.ProtocolGemini {
		s.failEarly(ctx, dc, apierr.Newf(apierr.KindModelNotFound, "model %q does not route to a gemini provider", dc.model))
		return
	}
	dc.event.Provider = providerID

	result := dispatcher.ExecuteWithSession(ctx, entry.Balancer, dc.apiKeyName, s.buildSendFunc(entry.Kind, providers.ProtocolGemini, ctx.PostBody(), dc.model, dc.stream))
	s.finishDispatch(ctx, dc, result, providers.ProtocolGemini, providers.ProtocolGemini, nil)
}

// splitModelAction splits "gemini-1.5-pro:streamGenerateContent" into its
// model and action parts.
func splitModelAction(path string) (model, action string) {
	idx := strings.LastIndex(path, ":")
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

func translateOpenAIOut(ctx context.Context, nativeProto providers.Protocol, body []byte, httpClient *http.Client) ([]byte, translate.Warnings, error) {
	fetcher := translate.DefaultImageFetcher(httpClient)
	switch nativeProto {
	case providers.ProtocolAnthropic:
		return translate.OpenAIToAnthropic(ctx, body, fetcher)
	case providers.ProtocolGemini:
		return translate.OpenAIToGemini(ctx, body, fetcher)
	default:
		return body, nil, nil
	}
}

func translateResponseToOpenAI(nativeProto providers.Protocol, body []byte) ([]byte, error) {
	switch nativeProto {
	case providers.ProtocolAnthropic:
		return translate.AnthropicResponseToOpenAI(body)
	case providers.ProtocolGemini:
		return translate.GeminiResponseToOpenAI(body)
	default:
		return body, nil
	}
}

func extractUsage(nativeProto providers.Protocol, body []byte) translate.ResponseUsage {
	var u translate.ResponseUsage
	var err error
	switch nativeProto {
	case providers.ProtocolAnthropic:
		u, err = translate.AnthropicUsageFromResponse(body)
	case providers.ProtocolGemini:
		u, err = translate.GeminiUsageFromResponse(body)
	default:
		u, err = translate.OpenAIUsageFromResponse(body)
	}
	if err != nil {
		return translate.ResponseUsage{}
	}
	return u
}

// failEarly handles errors discovered before an instance was ever
// selected (bad model, unknown provider): no instance means no
// dispatcher.SessionResult, so the RequestEvent is built and emitted here
// directly instead of going through finishDispatch.
func (s *Server) failEarly(ctx *fasthttp.RequestCtx, dc dispatchCtx, err error) {
	dc.event.Status = eventsink.StatusBusinessError
	dc.event.DurationMs = time.Since(dc.start).Milliseconds()
	if ae, ok := apierr.As(err); ok {
		dc.event.ErrorType = string(ae.Kind)
		dc.event.ErrorMessage = ae.Message
	} else {
		dc.event.ErrorMessage = err.Error()
	}
	if s.Sink != nil {
		s.Sink.Emit(dc.event)
	}
	apierr.Write(ctx, err)
}

// finishDispatch handles a completed (possibly failed) dispatcher result:
// error replies, non-streaming translation + RequestEvent emission, or
// handing the response body to the streaming tee.
func (s *Server) finishDispatch(ctx *fasthttp.RequestCtx, dc dispatchCtx, result dispatcher.SessionResult, nativeProto, clientProto providers.Protocol, warnings translate.Warnings) {
	dc.event.Instance = result.InstanceName
	dc.event.Status = eventsink.Status(result.Status)

	if len(warnings) > 0 {
		ctx.Response.Header.Set("x-llm-gateway-warnings", warnings.JSON())
	}

	if s.Metrics != nil {
		s.Metrics.ObserveDispatch(dc.event.Provider, string(result.Status), time.Since(dc.start))
		if result.InstanceName != "" {
			s.Metrics.ObserveInstanceAttempt(dc.event.Provider, result.InstanceName, string(result.Status))
		}
	}

	if result.Err != nil {
		dc.event.DurationMs = time.Since(dc.start).Milliseconds()
		if ae, ok := apierr.As(result.Err); ok {
			dc.event.ErrorType = string(ae.Kind)
			dc.event.ErrorMessage = ae.Message
		} else {
			dc.event.ErrorMessage = result.Err.Error()
		}
		if s.Sink != nil {
			s.Sink.Emit(dc.event)
		}
		apierr.Write(ctx, result.Err)
		return
	}
	defer func() {
		if !dc.stream && result.Response.Body != nil {
			result.Response.Body.Close()
		}
	}()

	if dc.stream {
		s.emitAndStream(ctx, dc, result, nativeProto, clientProto)
		return
	}

	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		dc.event.Status = eventsink.StatusInstanceFailure
		dc.event.ErrorMessage = err.Error()
		dc.event.DurationMs = time.Since(dc.start).Milliseconds()
		if s.Sink != nil {
			s.Sink.Emit(dc.event)
		}
		apierr.Write(ctx, apierr.Wrap(apierr.KindHTTPRequest, "reading upstream response", err))
		return
	}

	usage := extractUsage(nativeProto, body)
	dc.event.InputTokens = usage.InputTokens
	dc.event.OutputTokens = usage.OutputTokens
	dc.event.TotalTokens = usage.InputTokens + usage.OutputTokens
	dc.event.CacheCreationTokens = usage.CacheCreationTokens
	dc.event.CacheReadTokens = usage.CacheReadTokens
	dc.event.DurationMs = time.Since(dc.start).Milliseconds()
	if s.Metrics != nil {
		s.Metrics.AddTokens(dc.event.Provider, "input", usage.InputTokens)
		s.Metrics.AddTokens(dc.event.Provider, "output", usage.OutputTokens)
		s.Metrics.AddTokens(dc.event.Provider, "cache_creation", usage.CacheCreationTokens)
		s.Metrics.AddTokens(dc.event.Provider, "cache_read", usage.CacheReadTokens)
	}

	out := body
	if nativeProto != clientProto {
		translated, terr := translateResponseToOpenAI(nativeProto, body)
		if terr != nil {
			dc.event.Status = eventsink.StatusBusinessError
			dc.event.ErrorMessage = terr.Error()
			if s.Sink != nil {
				s.Sink.Emit(dc.event)
			}
			apierr.Write(ctx, terr)
			return
		}
		out = translated
	}

	if s.Sink != nil {
		s.Sink.Emit(dc.event)
	}

	ctx.SetStatusCode(result.Response.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}

// emitAndStream emits the zero-token RequestEvent, hands the upstream body
// to the SSE tee, and spawns a background updater that waits for the
// tracker to finalize usage and patches the event via the sink.
func (s *Server) emitAndStream(ctx *fasthttp.RequestCtx, dc dispatchCtx, result dispatcher.SessionResult, nativeProto, clientProto providers.Protocol) {
	dc.event.DurationMs = time.Since(dc.start).Milliseconds()
	if s.Sink != nil {
		s.Sink.Emit(dc.event)
	}

	tracker := streaming.NewTracker(dc.requestID)
	streaming.Tee(ctx, result.Response.Body, clientProto, nativeProto, dc.requestID, tracker, s.Log)

	requestID := dc.event.RequestID
	provider := dc.event.Provider
	sink := s.Sink
	met := s.Metrics
	streamStart := time.Now()
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := tracker.WaitForCompletion(waitCtx); err != nil {
			if met != nil {
				met.IncStreamingTimeout(provider)
			}
			return
		}
		if met != nil {
			met.ObserveStreamingCompletion(provider, time.Since(streamStart))
		}
		if sink == nil {
			return
		}
		u := tracker.Usage()
		update := eventsink.TokenUpdate{RequestID: requestID}
		if u.InputTokens != nil {
			update.InputTokens = *u.InputTokens
		}
		if u.OutputTokens != nil {
			update.OutputTokens = *u.OutputTokens
			update.TotalTokens = update.InputTokens + update.OutputTokens
		}
		if u.CacheCreationTokens != nil {
			update.CacheCreationTokens = *u.CacheCreationTokens
		}
		if u.CacheReadTokens != nil {
			update.CacheReadTokens = *u.CacheReadTokens
		}
		sink.Update(update)
		if met != nil {
			met.AddTokens(provider, "input", update.InputTokens)
			met.AddTokens(provider, "output", update.OutputTokens)
			met.AddTokens(provider, "cache_creation", update.CacheCreationTokens)
			met.AddTokens(provider, "cache_read", update.CacheReadTokens)
		}
	}()
}
