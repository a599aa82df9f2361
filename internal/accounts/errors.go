package accounts

import (
	"fmt"
	"time"
)

// ExhaustedError reports that every account in a provider pool is
// rate-limited and live quota confirmed none has headroom. Wait is the
// best-known time until the earliest account frees up; zero when no
// estimate exists.
type ExhaustedError struct {
	Provider string
	Wait     time.Duration
}

func (e *ExhaustedError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("all %s accounts are rate-limited, retry in %s", e.Provider, e.Wait.Round(time.Second))
	}
	return fmt.Sprintf("all %s accounts are rate-limited", e.Provider)
}

// RetryAfter returns the wait estimate in whole seconds, minimum 1,
// suitable for a Retry-After header.
func (e *ExhaustedError) RetryAfter() int {
	secs := int(e.Wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
