package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ParseRetryAfter converts a Retry-After header value into a duration.
// Both forms are accepted: delta-seconds ("30") and HTTP-date.
// Returns 0 when the value is absent, invalid, or already in the past.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ParseRetryDelayBody extracts an explicit retry hint from a JSON error body.
// Google-style payloads carry `error.details[].retryDelay` duration strings
// ("3.5s", "42s"), sometimes under a metadata map; OpenAI-compatible bodies
// occasionally use numeric retry_after seconds. Returns 0 when nothing usable
// is present.
func ParseRetryDelayBody(body string) time.Duration {
	if body == "" || !gjson.Valid(body) {
		return 0
	}

	for _, detail := range gjson.Get(body, "error.details").Array() {
		if raw := detail.Get("retryDelay").String(); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				return d
			}
		}
		if raw := detail.Get("metadata.retryDelay").String(); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				return d
			}
		}
	}

	for _, path := range []string{"retry_after", "retryAfter", "error.retry_after"} {
		if v := gjson.Get(body, path); v.Exists() {
			if secs := v.Float(); secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}

	return 0
}
