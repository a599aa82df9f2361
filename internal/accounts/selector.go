// Package accounts owns the runtime pool state of upstream accounts:
// rate-limit bookkeeping, in-flight markers, sticky selection, token
// refresh, and live quota validation. Credentials persist in the store;
// everything here is per-process and resets on restart.
package accounts

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/ratelimit"
	"github.com/pysugar/llm-relay/internal/upstream"
)

// runtimeState is the volatile per-account bookkeeping. until is epoch
// milliseconds; zero means not rate-limited.
type runtimeState struct {
	until               int64
	reason              ratelimit.Reason
	consecutiveFailures int
	inFlight            bool
}

// namespace groups runtime state under one mutex per provider kind, so
// a stampede on one provider never contends with another.
type namespace struct {
	mu    sync.Mutex
	state map[string]*runtimeState
}

func (ns *namespace) get(accountID string) *runtimeState {
	st, ok := ns.state[accountID]
	if !ok {
		st = &runtimeState{}
		ns.state[accountID] = st
	}
	return st
}

// Selector tracks which accounts are usable right now. It is the single
// writer of rate-limit state; the store is only consulted for account
// existence and display metadata.
type Selector struct {
	store      *db.Store
	namespaces map[upstream.Provider]*namespace
}

// NewSelector builds a selector with one namespace per known provider.
func NewSelector(store *db.Store) *Selector {
	namespaces := make(map[upstream.Provider]*namespace, 3)
	for _, p := range []upstream.Provider{upstream.ProviderAntigravity, upstream.ProviderCodex, upstream.ProviderClaude} {
		namespaces[p] = &namespace{state: make(map[string]*runtimeState)}
	}
	return &Selector{store: store, namespaces: namespaces}
}

func (s *Selector) ns(provider upstream.Provider) *namespace {
	if ns, ok := s.namespaces[provider]; ok {
		return ns
	}
	// Unknown providers share a lazily created namespace slot so callers
	// never nil-panic; selection layers validate providers before here.
	ns := &namespace{state: make(map[string]*runtimeState)}
	s.namespaces[provider] = ns
	return ns
}

// IsRateLimited reports whether the account's backoff window is still open.
func (s *Selector) IsRateLimited(provider upstream.Provider, accountID string) bool {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st, ok := ns.state[accountID]
	return ok && st.until > time.Now().UnixMilli()
}

// IsInFlight reports whether a request currently holds the account's
// session lock. Only antigravity models single-session semantics; other
// providers always report false.
func (s *Selector) IsInFlight(provider upstream.Provider, accountID string) bool {
	if provider != upstream.ProviderAntigravity {
		return false
	}
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st, ok := ns.state[accountID]
	return ok && st.inFlight
}

// MarkRateLimited opens a backoff window of the given duration and counts
// the failure toward the account's streak. An already-open longer window
// stays: a late short classification (transport hiccup, bare 429 from a
// request that raced the lockout) must not erase an escalated quota
// window. Only MarkSuccess, ClearRateLimit and ResetAll shorten windows.
func (s *Selector) MarkRateLimited(provider upstream.Provider, accountID string, d time.Duration) {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st := ns.get(accountID)
	st.consecutiveFailures++
	if until := time.Now().Add(d).UnixMilli(); until > st.until {
		st.until = until
		st.reason = ratelimit.ReasonUnknown
	}
}

// MarkRateLimitedFromError classifies an upstream failure and opens the
// corresponding backoff window, extend-only like MarkRateLimited. model
// is a log hint only. The classification is returned for caller logging;
// nil means the account is unknown and nothing was recorded.
func (s *Selector) MarkRateLimitedFromError(provider upstream.Provider, accountID string, status int, body, retryAfterHeader, model string) *ratelimit.Classification {
	if !s.store.HasAccount(accountID) {
		return nil
	}
	ns := s.ns(provider)
	ns.mu.Lock()
	st := ns.get(accountID)
	st.consecutiveFailures++
	cls := ratelimit.Classify(status, body, retryAfterHeader, st.consecutiveFailures)
	if until := time.Now().Add(cls.Backoff).UnixMilli(); until > st.until {
		st.until = until
		st.reason = cls.Reason
	}
	streak := st.consecutiveFailures
	ns.mu.Unlock()

	log.Warnf("⛔ %s account %s rate-limited (%s, backoff %s, streak %d, model %s)",
		provider, s.AccountDisplay(accountID), cls.Reason, cls.Backoff, streak, model)
	return &cls
}

// MarkSuccess clears the backoff window and resets the failure streak.
func (s *Selector) MarkSuccess(provider upstream.Provider, accountID string) {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st, ok := ns.state[accountID]
	if !ok {
		return
	}
	st.until = 0
	st.reason = ""
	st.consecutiveFailures = 0
}

// AcquireLock marks the account in-flight and returns its release. The
// marker only exists for antigravity; other providers get a no-op pair.
// Release is idempotent because success and failure paths may both call it.
func (s *Selector) AcquireLock(provider upstream.Provider, accountID string) func() {
	if provider != upstream.ProviderAntigravity {
		return func() {}
	}
	ns := s.ns(provider)
	ns.mu.Lock()
	st := ns.get(accountID)
	st.inFlight = true
	ns.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ns.mu.Lock()
			if st, ok := ns.state[accountID]; ok {
				st.inFlight = false
			}
			ns.mu.Unlock()
		})
	}
}

// RateLimitedUntil returns the end of the account's backoff window and
// its reason. The zero time means the account is not rate-limited.
func (s *Selector) RateLimitedUntil(provider upstream.Provider, accountID string) (time.Time, ratelimit.Reason) {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st, ok := ns.state[accountID]
	if !ok || st.until == 0 {
		return time.Time{}, ""
	}
	return time.UnixMilli(st.until), st.reason
}

// ClearRateLimit drops the account's backoff window, keeping the failure
// streak. Used when live quota confirms the account is usable again.
func (s *Selector) ClearRateLimit(provider upstream.Provider, accountID string) {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if st, ok := ns.state[accountID]; ok {
		st.until = 0
		st.reason = ""
	}
}

// ResetAll clears every backoff window in the provider's namespace. This
// is the optimistic reset: when every account looks locked out within a
// couple of seconds of each other, the cause is almost always a sync race
// rather than real simultaneous exhaustion.
func (s *Selector) ResetAll(provider upstream.Provider) int {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n := 0
	for _, st := range ns.state {
		if st.until != 0 {
			st.until = 0
			st.reason = ""
			n++
		}
	}
	if n > 0 {
		log.Warnf("♻️ Optimistic reset cleared %d rate-limited %s accounts", n, provider)
	}
	return n
}

// TightenRateLimit extends the account's backoff window to until when the
// provider reports a later reset than our estimate. It never shortens a
// window: only an optimistic reset or a confirmed-available quota probe
// may do that.
func (s *Selector) TightenRateLimit(provider upstream.Provider, accountID string, until time.Time, reason ratelimit.Reason) bool {
	ns := s.ns(provider)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	st := ns.get(accountID)
	ms := until.UnixMilli()
	if ms <= st.until {
		return false
	}
	st.until = ms
	if reason != "" {
		st.reason = reason
	}
	return true
}

// HasAccount reports whether the account exists in the store.
func (s *Selector) HasAccount(accountID string) bool {
	return s.store.HasAccount(accountID)
}

// IsDisabled reports whether the account has been taken out of rotation.
// Unknown accounts count as disabled.
func (s *Selector) IsDisabled(accountID string) bool {
	acc, err := s.store.GetAccount(accountID)
	if err != nil {
		return true
	}
	return acc.Disabled
}

// AccountDisplay returns a human-readable handle for logs and status
// output: the email when known, otherwise the raw ID.
func (s *Selector) AccountDisplay(accountID string) string {
	acc, err := s.store.GetAccount(accountID)
	if err != nil || acc.Email == "" {
		return accountID
	}
	return acc.Email
}
