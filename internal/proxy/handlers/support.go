// Package handlers implements the relay's HTTP surfaces: the OpenAI and
// Anthropic compatible completion APIs and the management API. Handlers
// translate between wire shapes and the router's normalized contracts;
// routing and account decisions all live below this package.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/logging"
	"github.com/pysugar/llm-relay/internal/router"
	"github.com/pysugar/llm-relay/internal/upstream"
	"github.com/pysugar/llm-relay/internal/util"
)

// ChatRouter is the routing surface the completion handlers depend on.
// *router.Router implements it; tests substitute a stub.
type ChatRouter interface {
	Execute(ctx context.Context, model string, req upstream.CompletionRequest) (*router.Result, error)
}

// RequestID tags every request with an ID, honoring a client-provided
// X-Request-ID so agent frameworks can correlate their own logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeOpenAIError emits an OpenAI-shaped error object.
func writeOpenAIError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    openaiErrorType(status),
		},
	})
}

func openaiErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// writeAnthropicError emits an Anthropic-shaped error object.
func writeAnthropicError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    anthropicErrorType(status),
			"message": message,
		},
	})
}

func anthropicErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// routerFailure maps a routing error to an HTTP status and client
// message, setting Retry-After when the whole chain was exhausted. The
// last upstream status and body are preserved rather than collapsed into
// a generic 500, so operators can diagnose from the client side.
func routerFailure(w http.ResponseWriter, err error) (status int, message string) {
	var noRoute *router.NoRouteError
	if errors.As(err, &noRoute) {
		return http.StatusBadRequest, noRoute.Error()
	}

	var chain *router.ChainError
	if errors.As(err, &chain) {
		w.Header().Set("Retry-After", strconv.Itoa(chain.RetryAfter()))
		msg := chain.Error()
		if body := chain.UpstreamBody(); body != "" {
			msg += ": " + util.TruncateLog(body, util.DefaultLogMaxLen)
		}
		return chain.StatusCode(), msg
	}

	var up *upstream.Error
	if errors.As(err, &up) {
		return up.Status, "upstream error: " + util.TruncateLog(up.Body, util.DefaultLogMaxLen)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 499, "client cancelled request"
	}
	return http.StatusBadGateway, "upstream error: " + err.Error()
}

// chainReason extracts the normalized machine-readable reason of a
// routing failure for request logs and dashboards.
func chainReason(err error) string {
	var chain *router.ChainError
	if errors.As(err, &chain) {
		return chain.Reason
	}
	return ""
}

// recordRequest persists one proxied request outcome, best effort.
func recordRequest(store *db.Store, r *http.Request, model string, res *router.Result, err error, status int, started time.Time) {
	if store == nil {
		return
	}
	entry := &models.RequestLog{
		RequestID: logging.GetRequestID(r.Context()),
		Model:     model,
		Status:    status,
		Duration:  time.Since(started).Milliseconds(),
	}
	if res != nil {
		entry.RouteKind = res.RouteKind
		if res.RouteKind == router.RouteKindFlow {
			entry.FlowName = res.RouteName
		}
		entry.Provider = string(res.Provider)
		entry.AccountEmail = res.AccountEmail
		entry.Attempts = res.Attempts
		if res.Completion != nil {
			entry.InputTokens = res.Completion.Usage.InputTokens
			entry.OutputTokens = res.Completion.Usage.OutputTokens
		}
	}
	if err != nil {
		entry.Error = err.Error()
		entry.Reason = chainReason(err)
	}
	store.LogRequest(entry)
}

// finishReason maps a normalized stop reason to the OpenAI vocabulary.
func finishReason(stopReason string) string {
	switch stopReason {
	case "tool_use", "tool_calls":
		return "tool_calls"
	case "max_tokens", "length":
		return "length"
	default:
		return "stop"
	}
}

// anthropicStopReason maps a normalized stop reason to the Anthropic
// vocabulary.
func anthropicStopReason(stopReason string) string {
	switch stopReason {
	case "tool_use", "tool_calls":
		return "tool_use"
	case "max_tokens", "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func logVerbosePayload(r *http.Request, label string, body []byte) {
	logging.Entry(r.Context()).Debugf("📥 %s: %s", label, util.TruncateBytes(body))
}
