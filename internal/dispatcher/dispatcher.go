// Package dispatcher implements sticky single-shot request execution: pick
// an instance, call it once, classify the outcome, mark the instance
// unhealthy on failure, and never retry within the same request — the next
// request lands on a different instance instead.
package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/balancer"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Status is the outcome classification the dispatcher assigns to every
// request it executes.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusInstanceFailure Status = "instance_failure"
	StatusBusinessError   Status = "business_error"
	StatusTimeout         Status = "timeout"
)

// SessionResult is the dispatcher's return value.
type SessionResult struct {
	Response     *http.Response
	Err          error
	InstanceName string
	Status       Status
}

// Func is the single-shot upstream call the dispatcher invokes once an
// instance has been selected.
type Func func(ctx context.Context, inst *balancer.Instance) (*http.Response, error)

// ExecuteWithSession selects an instance, runs f under the instance's
// configured timeout, classifies the outcome, and — for
// instance_failure/timeout only — marks the instance unhealthy. It never
// retries within the call.
func ExecuteWithSession(ctx context.Context, lb *balancer.LoadBalancer, apiKeyName string, f Func) SessionResult {
	inst, err := lb.SelectForKey(apiKeyName)
	if err != nil {
		return SessionResult{
			Err:    apierr.New(apierr.KindNoHealthyInstance, "no healthy instances for this provider"),
			Status: StatusBusinessError,
		}
	}

	timeout := instanceTimeout(inst)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, callErr := f(callCtx, inst)

	if callErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		lb.MarkFailure(inst.Name)
		return SessionResult{
			Err:          apierr.Wrap(apierr.KindInternal, "request timed out", callErr),
			InstanceName: inst.Name,
			Status:       StatusTimeout,
		}
	}

	if callErr != nil {
		if isInstanceFailure(callErr, resp) {
			lb.MarkFailure(inst.Name)
			return SessionResult{
				Err:          classifyTransportError(callErr),
				InstanceName: inst.Name,
				Status:       StatusInstanceFailure,
			}
		}
		return SessionResult{
			Err:          classifyTransportError(callErr),
			InstanceName: inst.Name,
			Status:       StatusBusinessError,
		}
	}

	if resp.StatusCode >= 500 {
		lb.MarkFailure(inst.Name)
		return SessionResult{
			Response:     resp,
			InstanceName: inst.Name,
			Status:       StatusInstanceFailure,
		}
	}
	if resp.StatusCode >= 400 {
		return SessionResult{
			Response:     resp,
			InstanceName: inst.Name,
			Status:       StatusBusinessError,
		}
	}

	return SessionResult{Response: resp, InstanceName: inst.Name, Status: StatusSuccess}
}

func instanceTimeout(inst *balancer.Instance) time.Duration {
	if inst.Config.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(inst.Config.TimeoutSeconds) * time.Second
}

// isInstanceFailure reports true for connection refused, DNS failure,
// socket timeout, or any 5xx; false for 4xx, translation errors, config
// errors, and no-healthy-instances (those never reach here as a transport
// error in the first place).
func isInstanceFailure(err error, resp *http.Response) bool {
	if resp != nil && resp.StatusCode >= 500 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

func classifyTransportError(err error) error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	return apierr.Wrap(apierr.KindHTTPRequest, "upstream request failed", err)
}
