package upstream

import (
	"fmt"

	"github.com/pysugar/llm-relay/internal/util"
)

// Error carries a non-2xx upstream response. Body is kept verbatim for
// rate-limit classification; Error() truncates it for logs.
type Error struct {
	Provider   Provider
	Status     int
	Body       string
	RetryAfter string // raw Retry-After header value, empty when absent
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.Status, util.TruncateLog(e.Body, util.DefaultLogMaxLen))
}

// StatusCode returns the upstream HTTP status.
func (e *Error) StatusCode() int { return e.Status }

// RetryAfterHeader returns the raw Retry-After header value.
func (e *Error) RetryAfterHeader() string { return e.RetryAfter }
