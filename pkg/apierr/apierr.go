// Package apierr provides the gateway's error taxonomy and its HTTP/JSON
// envelope. Every error the core dispatch engine can produce maps to exactly
// one Kind, which in turn maps to exactly one HTTP status and a stable type
// tag returned to clients as {"error":{"type":...,"message":...}}.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is a stable error category. Each kind carries its own HTTP mapping so
// callers never have to duplicate status-code decisions across the codebase.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindUnauthorized      Kind = "unauthorized"
	KindModelNotFound     Kind = "model_not_found"
	KindProviderDisabled  Kind = "provider_disabled"
	KindNoHealthyInstance Kind = "no_healthy_instances"
	KindConversion        Kind = "conversion_error"
	KindUpstream          Kind = "upstream_error"
	KindHTTPRequest       Kind = "http_request_error"
	KindInternal          Kind = "internal_error"
)

// httpStatus gives the default HTTP status for a Kind. KindUpstream uses
// its entry only when the error carries no upstream status of its own.
var httpStatus = map[Kind]int{
	KindConfig:            fasthttp.StatusInternalServerError,
	KindUnauthorized:      fasthttp.StatusUnauthorized,
	KindModelNotFound:     fasthttp.StatusBadRequest,
	KindProviderDisabled:  fasthttp.StatusServiceUnavailable,
	KindNoHealthyInstance: fasthttp.StatusServiceUnavailable,
	KindConversion:        fasthttp.StatusBadRequest,
	KindUpstream:          fasthttp.StatusBadGateway,
	KindHTTPRequest:       fasthttp.StatusBadGateway,
	KindInternal:          fasthttp.StatusInternalServerError,
}

// Error is the gateway's single error type. All internal errors should be
// constructed with New/Newf/Wrap so that handlers can recover a Kind and
// status via errors.As without type-switching on ad-hoc error structs.
type Error struct {
	Kind    Kind
	Status  int // non-zero only for KindUpstream, where it's the upstream status
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status this error should be reported with.
func (e *Error) HTTPStatus() int {
	if e.Kind == KindUpstream && e.Status != 0 {
		return e.Status
	}
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind/message to an underlying cause, preserving it for
// errors.Is/As and %w-style unwrapping.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Upstream builds a KindUpstream error carrying the literal upstream HTTP
// status so the client sees exactly what the provider returned.
func Upstream(status int, message string) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: message}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors that
// were not constructed through this package.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// envelope is the wire shape returned to clients on any error response.
type envelope struct {
	Error payload `json:"error"`
}

type payload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Write serializes err as the standard error envelope and sets the response
// status from its HTTPStatus(). Non-*Error values are reported as
// KindInternal with their message included verbatim (the core never wraps
// secrets in bare errors).
func Write(ctx *fasthttp.RequestCtx, err error) {
	e, ok := As(err)
	if !ok {
		e = &Error{Kind: KindInternal, Message: err.Error()}
	}
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: payload{
		Type:    string(e.Kind),
		Message: e.Message,
	}})
	ctx.SetBody(body)
}

// WriteKind writes a fresh error of the given kind directly, without an
// intermediate Error allocation at the call site.
func WriteKind(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	Write(ctx, New(kind, message))
}
