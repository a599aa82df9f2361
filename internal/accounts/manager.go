package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/upstream"
)

// ErrNoAccounts means the provider pool is empty or fully disabled. This
// is a configuration problem, not exhaustion.
var ErrNoAccounts = errors.New("no accounts configured")

// Policy holds the selection timing knobs. Durations are picked to keep
// account switching rare: upstream sessions are expensive to re-establish
// and rapid switching itself drives 429 rates up.
type Policy struct {
	// StickyWindow is how long a just-used account is reused before the
	// rotating scan resumes.
	StickyWindow time.Duration

	// SkewThreshold separates clock-skew lockouts from real exhaustion:
	// when every account is rate-limited but the nearest expiry is within
	// this bound, the lockout is treated as a sync race.
	SkewThreshold time.Duration

	// SkewRecheckDelay is how long to sleep before rechecking a suspected
	// race, and QuotaResetBuffer pads provider-reported reset times.
	SkewRecheckDelay time.Duration
	QuotaResetBuffer time.Duration
}

// DefaultPolicy returns the production timings.
func DefaultPolicy() Policy {
	return Policy{
		StickyWindow:     60 * time.Second,
		SkewThreshold:    2 * time.Second,
		SkewRecheckDelay: 500 * time.Millisecond,
		QuotaResetBuffer: 2 * time.Second,
	}
}

// Manager hands out usable accounts for one provider pool. Selection is
// sticky within a short window, then round-robin over non-rate-limited
// accounts; full lockouts go through skew recovery and live quota
// validation before the caller is told to back off.
type Manager struct {
	provider  upstream.Provider
	store     *db.Store
	selector  *Selector
	refresher *Refresher
	prober    *Prober
	registry  upstream.Registry
	policy    Policy

	mu       sync.Mutex
	cursor   int
	stickyID string
	stickyAt time.Time
}

// NewManager builds a manager for one provider pool.
func NewManager(provider upstream.Provider, store *db.Store, selector *Selector, refresher *Refresher, prober *Prober, registry upstream.Registry, policy Policy) *Manager {
	return &Manager{
		provider:  provider,
		store:     store,
		selector:  selector,
		refresher: refresher,
		prober:    prober,
		registry:  registry,
		policy:    policy,
	}
}

// Provider returns the pool this manager serves.
func (m *Manager) Provider() upstream.Provider { return m.provider }

// Selector exposes the shared runtime state tracker.
func (m *Manager) Selector() *Selector { return m.selector }

// NextAccount returns an enabled account that is ready to serve a request,
// with a fresh token. forceRotate skips the sticky window, for callers that
// just saw the sticky account fail.
//
// When every account is rate-limited: a lockout expiring within the skew
// threshold is retried once after a short sleep and then optimistically
// reset; a longer lockout is checked against live quota before giving up.
// The returned *ExhaustedError carries the best wait estimate.
func (m *Manager) NextAccount(ctx context.Context, forceRotate bool) (*models.Account, error) {
	if !forceRotate {
		if acc := m.trySticky(ctx); acc != nil {
			return acc, nil
		}
	}

	enabled, err := m.enabledAccounts()
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return nil, ErrNoAccounts
	}

	if acc := m.scan(ctx, enabled); acc != nil {
		return acc, nil
	}

	minWait := m.minWait(enabled)
	if minWait <= m.policy.SkewThreshold {
		return m.recoverFromSkew(ctx, enabled)
	}
	return m.validateQuota(ctx, enabled)
}

// trySticky reuses the last-selected account while the sticky window is
// open and the account is still usable.
func (m *Manager) trySticky(ctx context.Context) *models.Account {
	m.mu.Lock()
	id, at := m.stickyID, m.stickyAt
	m.mu.Unlock()

	if id == "" || time.Since(at) > m.policy.StickyWindow {
		return nil
	}
	if m.selector.IsRateLimited(m.provider, id) || m.selector.IsInFlight(m.provider, id) {
		return nil
	}
	acc, err := m.store.GetAccount(id)
	if err != nil || acc.Disabled {
		return nil
	}
	fresh, err := m.refresher.EnsureFresh(ctx, acc)
	if err != nil {
		m.degradeAfterRefreshFailure(acc)
		return nil
	}
	m.noteSticky(fresh.ID)
	return fresh
}

// scan walks the pool from the rotating cursor, skipping rate-limited
// and in-flight accounts, and returns the first one whose token could be
// made fresh. The in-flight skip serializes single-session providers:
// two concurrent requests must land on different accounts while one
// holds the session lock.
func (m *Manager) scan(ctx context.Context, enabled []models.Account) *models.Account {
	m.mu.Lock()
	start := m.cursor
	m.mu.Unlock()

	n := len(enabled)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		acc := enabled[idx]
		if m.selector.IsRateLimited(m.provider, acc.ID) || m.selector.IsInFlight(m.provider, acc.ID) {
			continue
		}
		fresh, err := m.refresher.EnsureFresh(ctx, &acc)
		if err != nil {
			m.degradeAfterRefreshFailure(&acc)
			continue
		}
		m.mu.Lock()
		m.cursor = (idx + 1) % n
		m.mu.Unlock()
		m.noteSticky(fresh.ID)
		return fresh
	}
	return nil
}

// recoverFromSkew handles a full lockout whose nearest expiry is within
// the skew threshold: sleep briefly, rescan, and if the pool still looks
// locked, clear every flag on the theory that a sync race caused it. The
// reset happens at most once per selection.
func (m *Manager) recoverFromSkew(ctx context.Context, enabled []models.Account) (*models.Account, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.policy.SkewRecheckDelay):
	}

	if acc := m.scan(ctx, enabled); acc != nil {
		return acc, nil
	}

	m.selector.ResetAll(m.provider)
	if acc := m.scan(ctx, enabled); acc != nil {
		return acc, nil
	}
	return nil, &ExhaustedError{Provider: string(m.provider), Wait: m.minWait(enabled)}
}

// validateQuota cross-checks a long lockout against live quota. Any
// account with confirmed headroom is cleared and used immediately; for
// the rest, a provider-reported reset later than our estimate extends
// the window so we stop rechecking an account that cannot recover yet.
func (m *Manager) validateQuota(ctx context.Context, enabled []models.Account) (*models.Account, error) {
	log.Infof("🔍 All %s accounts rate-limited, validating against live quota", m.provider)
	for i := range enabled {
		acc := enabled[i]
		snap, err := m.prober.Probe(ctx, m.provider, CredentialFrom(&acc))
		if err != nil {
			log.Debugf("quota probe for %s: %v", acc.Email, err)
			continue
		}
		if snap.HasRemaining() {
			log.Infof("✅ Live quota shows headroom for %s, clearing rate limit", acc.Email)
			m.selector.ClearRateLimit(m.provider, acc.ID)
			fresh, err := m.refresher.EnsureFresh(ctx, &acc)
			if err != nil {
				m.degradeAfterRefreshFailure(&acc)
				continue
			}
			m.noteSticky(fresh.ID)
			return fresh, nil
		}
		if reset := snap.EarliestReset(time.Now()); !reset.IsZero() {
			m.selector.TightenRateLimit(m.provider, acc.ID, reset.Add(m.policy.QuotaResetBuffer), "")
		}
	}
	return nil, &ExhaustedError{Provider: string(m.provider), Wait: m.minWait(enabled)}
}

// degradeAfterRefreshFailure puts a short backoff on an account whose
// refresh failed, so the next request tries a different account instead
// of failing outright.
func (m *Manager) degradeAfterRefreshFailure(acc *models.Account) {
	m.selector.MarkRateLimited(m.provider, acc.ID, time.Minute)
}

func (m *Manager) noteSticky(accountID string) {
	m.mu.Lock()
	m.stickyID = accountID
	m.stickyAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) enabledAccounts() ([]models.Account, error) {
	accounts, err := m.store.ListAccounts(string(m.provider))
	if err != nil {
		return nil, err
	}
	enabled := accounts[:0]
	for _, acc := range accounts {
		if !acc.Disabled {
			enabled = append(enabled, acc)
		}
	}
	return enabled, nil
}

// minWait is the smallest remaining backoff across the pool, zero floor.
func (m *Manager) minWait(enabled []models.Account) time.Duration {
	lowest := time.Duration(-1)
	now := time.Now()
	for _, acc := range enabled {
		until, _ := m.selector.RateLimitedUntil(m.provider, acc.ID)
		if until.IsZero() {
			return 0
		}
		wait := until.Sub(now)
		if wait < 0 {
			wait = 0
		}
		if lowest < 0 || wait < lowest {
			lowest = wait
		}
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}

// EnsureProjectID resolves the account's tenant project, persisting the
// discovered value. When discovery fails the request proceeds with a
// generated placeholder that is not persisted, so the next request
// retries discovery.
func (m *Manager) EnsureProjectID(ctx context.Context, acc *models.Account) string {
	if acc.ProjectID != "" {
		return acc.ProjectID
	}
	exec, ok := m.registry.Get(m.provider)
	if ok {
		if disc, ok := exec.(upstream.ProjectDiscoverer); ok {
			pid, err := disc.LoadProject(ctx, CredentialFrom(acc))
			if err == nil && pid != "" {
				if err := m.store.SetProjectID(acc.ID, pid); err != nil {
					log.Warnf("⚠️ Failed to persist project ID for %s: %v", acc.Email, err)
				}
				acc.ProjectID = pid
				log.Infof("✅ Discovered project %s for %s", pid, acc.Email)
				return pid
			}
			log.Warnf("⚠️ Project discovery failed for %s, continuing degraded: %v", acc.Email, err)
		}
	}
	placeholder := "proj-" + uuid.NewString()[:8]
	acc.ProjectID = placeholder
	return placeholder
}
