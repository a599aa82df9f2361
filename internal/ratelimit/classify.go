// Package ratelimit collapses the heterogeneous throttle signals of the
// upstream providers into one closed reason taxonomy with a backoff policy.
// Classification is a pure function: no clocks, no state, no network.
package ratelimit

import (
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Reason is the normalized cause of an upstream rate-limit-class failure.
type Reason string

const (
	ReasonQuotaExhausted         Reason = "quota_exhausted"
	ReasonRateLimitExceeded      Reason = "rate_limit_exceeded"
	ReasonModelCapacityExhausted Reason = "model_capacity_exhausted"
	ReasonServerError            Reason = "server_error"
	ReasonUnknown                Reason = "unknown"
)

// Classification is the outcome of classifying one upstream failure.
type Classification struct {
	Reason  Reason
	Backoff time.Duration
}

const (
	backoffRateLimit   = 30 * time.Second
	backoffCapacity    = 15 * time.Second
	backoffServerError = 20 * time.Second
	backoffUnknown     = 60 * time.Second

	// A 429 that carries neither an explicit retry hint nor a recognizable
	// reason gets a short optimistic backoff instead of a quota probe: the
	// probe itself would consume quota.
	backoffBare429 = 5 * time.Second

	retryAfterPad   = 500 * time.Millisecond
	retryAfterFloor = 2 * time.Second
)

// quotaBackoffSteps escalates with consecutive quota failures, 1-based.
var quotaBackoffSteps = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// detailReasons maps structured upstream error enums to normalized reasons.
var detailReasons = map[string]Reason{
	"QUOTA_EXHAUSTED":          ReasonQuotaExhausted,
	"RATE_LIMIT_EXCEEDED":      ReasonRateLimitExceeded,
	"MODEL_CAPACITY_EXHAUSTED": ReasonModelCapacityExhausted,
}

// Substring cues searched case-insensitively, in priority order.
var (
	rateLimitPhrases = []string{"per minute", "rate limit"}
	capacityPhrases  = []string{"capacity", "overloaded"}
	quotaPhrases     = []string{"quota", "exhausted"}
)

// Classify maps one upstream failure to a normalized reason and backoff.
// consecutiveFailures is the 1-based ordinal of this failure in the account's
// current failure streak; it only influences quota_exhausted escalation.
func Classify(status int, body, retryAfterHeader string, consecutiveFailures int) Classification {
	explicit := ParseRetryAfter(retryAfterHeader)
	if explicit == 0 {
		explicit = ParseRetryDelayBody(body)
	}

	if status != http.StatusTooManyRequests {
		reason := ReasonUnknown
		backoff := backoffUnknown
		if status >= http.StatusInternalServerError {
			reason = ReasonServerError
			backoff = backoffServerError
		}
		if explicit > 0 {
			backoff = padExplicit(explicit)
		}
		return Classification{Reason: reason, Backoff: backoff}
	}

	reason, confident := detectReason(body)
	if !confident {
		if explicit > 0 {
			return Classification{Reason: ReasonRateLimitExceeded, Backoff: padExplicit(explicit)}
		}
		return Classification{Reason: ReasonRateLimitExceeded, Backoff: backoffBare429}
	}

	backoff := tableBackoff(reason, consecutiveFailures)
	if explicit > 0 {
		backoff = padExplicit(explicit)
	}
	return Classification{Reason: reason, Backoff: backoff}
}

// padExplicit buffers a provider-reported retry delay against clock skew and
// enforces the minimum wait.
func padExplicit(d time.Duration) time.Duration {
	d += retryAfterPad
	if d < retryAfterFloor {
		return retryAfterFloor
	}
	return d
}

func tableBackoff(reason Reason, consecutiveFailures int) time.Duration {
	switch reason {
	case ReasonQuotaExhausted:
		n := consecutiveFailures
		if n < 1 {
			n = 1
		}
		if n > len(quotaBackoffSteps) {
			n = len(quotaBackoffSteps)
		}
		return quotaBackoffSteps[n-1]
	case ReasonRateLimitExceeded:
		return backoffRateLimit
	case ReasonModelCapacityExhausted:
		return backoffCapacity
	case ReasonServerError:
		return backoffServerError
	default:
		return backoffUnknown
	}
}

// detectReason inspects a 429 body: structured error.details[].reason enums
// first, then error.message cues, then a raw substring scan in priority order
// rate-limit, capacity, quota. The boolean reports whether the match is
// confident; an unconfident result falls into the bare-429 path.
func detectReason(body string) (Reason, bool) {
	if body == "" {
		return ReasonUnknown, false
	}

	if gjson.Valid(body) {
		for _, detail := range gjson.Get(body, "error.details").Array() {
			if r, ok := detailReasons[strings.ToUpper(detail.Get("reason").String())]; ok {
				return r, true
			}
		}
		if msg := strings.ToLower(gjson.Get(body, "error.message").String()); msg != "" {
			if containsAny(msg, rateLimitPhrases) {
				return ReasonRateLimitExceeded, true
			}
		}
	}

	lower := strings.ToLower(body)
	if containsAny(lower, rateLimitPhrases) {
		return ReasonRateLimitExceeded, true
	}
	if containsAny(lower, capacityPhrases) {
		return ReasonModelCapacityExhausted, true
	}
	if containsAny(lower, quotaPhrases) {
		return ReasonQuotaExhausted, true
	}
	return ReasonUnknown, false
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
