package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pysugar/llm-relay/internal/upstream"
)

// NoRouteError means the inbound model identifier matched neither a flow
// name nor a routable canonical model. This is client configuration, not
// capacity, and is never retried.
type NoRouteError struct {
	Model string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no routing configured for model %q", e.Model)
}

// StatusCode returns 400: the request itself names nothing we can serve.
func (e *NoRouteError) StatusCode() int { return http.StatusBadRequest }

// Attempt records one failed candidate of a chain execution, for logging
// and the final aggregated error.
type Attempt struct {
	Provider upstream.Provider `json:"provider"`
	Account  string            `json:"account"`
	Model    string            `json:"model"`
	Status   int               `json:"status,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// ChainError means every candidate in a flow or account-routing chain
// failed with a rate-limit-class error. Last preserves the final upstream
// response so the client sees a meaningful status and body instead of a
// generic 500; the full attempt sequence is kept for diagnostics.
type ChainError struct {
	RouteKind string
	Name      string
	Attempts  []Attempt
	Last      *upstream.Error
	Reason    string
	Wait      time.Duration
}

func (e *ChainError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s %q exhausted after %d attempts, last upstream status %d (%s)",
			e.RouteKind, e.Name, len(e.Attempts), e.Last.Status, e.Reason)
	}
	return fmt.Sprintf("%s %q exhausted after %d attempts (%s)", e.RouteKind, e.Name, len(e.Attempts), e.Reason)
}

// StatusCode returns the last attempt's upstream status, or 429 when no
// upstream call got through (every candidate was already in cooldown).
func (e *ChainError) StatusCode() int {
	if e.Last != nil {
		return e.Last.Status
	}
	return http.StatusTooManyRequests
}

// UpstreamBody returns the last attempt's raw response body, empty when
// no upstream call got through.
func (e *ChainError) UpstreamBody() string {
	if e.Last != nil {
		return e.Last.Body
	}
	return ""
}

// RetryAfter returns the best wait estimate in whole seconds, minimum 1.
func (e *ChainError) RetryAfter() int {
	secs := int(e.Wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
