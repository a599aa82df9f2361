package accounts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/upstream"
)

const (
	// RefreshLead is the on-demand window: an account handed out with less
	// than this much token lifetime left is refreshed first.
	RefreshLead = 5 * time.Minute

	// The background sweep runs ahead of the on-demand window so request
	// paths rarely pay refresh latency themselves.
	sweepInterval = 15 * time.Minute
	sweepLead     = 20 * time.Minute

	maxConcurrentRefresh = 3
)

// Refresher keeps stored access tokens fresh, both on demand when an
// account is about to be handed out and in a background sweep. Refresh
// outcomes are persisted; permanent OAuth failures disable the account.
type Refresher struct {
	store      *db.Store
	registry   upstream.Registry
	sem        *semaphore.Weighted
	refreshing *stringSet
}

// NewRefresher wires the refresher over the store and executor registry.
func NewRefresher(store *db.Store, registry upstream.Registry) *Refresher {
	return &Refresher{
		store:      store,
		registry:   registry,
		sem:        semaphore.NewWeighted(maxConcurrentRefresh),
		refreshing: newStringSet(),
	}
}

// EnsureFresh returns the account with a token valid beyond RefreshLead,
// refreshing synchronously when needed.
func (r *Refresher) EnsureFresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	if !acc.ExpiresWithin(RefreshLead) {
		return acc, nil
	}
	log.Infof("⚠️ Token for %s is expiring, refreshing...", acc.Email)
	return r.Refresh(ctx, acc)
}

// Refresh exchanges the account's refresh token for a new access token
// and persists the result. A rotated refresh token replaces the stored
// one; permanent OAuth failures take the account out of rotation.
func (r *Refresher) Refresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	exec, ok := r.registry.Get(upstream.Provider(acc.Provider))
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", acc.Provider)
	}

	res, err := exec.Refresh(ctx, CredentialFrom(acc))
	if err != nil {
		log.Errorf("❌ Refresh token failed for %s: %v", acc.Email, err)
		if isPermanentRefreshError(err) {
			if dbErr := r.store.SetDisabled(acc.ID, true); dbErr != nil {
				log.Warnf("⚠️ Failed to disable account %s: %v", acc.Email, dbErr)
			}
			log.Warnf("🔒 Account %s disabled after permanent refresh failure. Please re-import.", acc.Email)
			return nil, err
		}
		log.Warnf("⏳ Transient refresh failure for %s, account remains active", acc.Email)
		return nil, err
	}

	if res.RefreshToken != "" && res.RefreshToken != acc.RefreshToken {
		log.Infof("🔄 Rotating refresh token for: %s", acc.Email)
	}
	if err := r.store.UpdateTokens(acc.ID, res.AccessToken, res.RefreshToken, res.ExpiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	fresh := *acc
	fresh.AccessToken = res.AccessToken
	fresh.ExpiresAt = res.ExpiresAt
	if res.RefreshToken != "" {
		fresh.RefreshToken = res.RefreshToken
	}
	log.Infof("✅ Refreshed token for: %s (expires: %s)", acc.Email, time.UnixMilli(res.ExpiresAt).Format(time.RFC3339))
	return &fresh, nil
}

// StartSweep launches the background refresh loop. It stops when ctx is
// cancelled.
func (r *Refresher) StartSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
	log.Infof("🔄 Token refresh loop started (interval: %s)", sweepInterval)
}

// sweep refreshes every enabled account expiring within the sweep lead.
// Concurrency is bounded; an account already being refreshed is skipped
// rather than queued twice.
func (r *Refresher) sweep(ctx context.Context) {
	expiring, err := r.store.ExpiringAccounts(sweepLead)
	if err != nil {
		log.Warnf("⚠️ Refresh sweep query failed: %v", err)
		return
	}
	for i := range expiring {
		acc := expiring[i]
		if !r.refreshing.add(acc.ID) {
			continue
		}
		if !r.sem.TryAcquire(1) {
			r.refreshing.remove(acc.ID)
			return
		}
		go func() {
			defer r.sem.Release(1)
			defer r.refreshing.remove(acc.ID)
			if _, err := r.Refresh(ctx, &acc); err != nil {
				log.Debugf("background refresh for %s: %v", acc.Email, err)
			}
		}()
	}
}

// RefreshAll synchronously refreshes every enabled account, bounded by the
// same concurrency limit as the sweep. Used by the management API.
func (r *Refresher) RefreshAll(ctx context.Context) (ok, failed int) {
	accounts, err := r.store.ListAccounts("")
	if err != nil {
		log.Warnf("⚠️ Refresh-all query failed: %v", err)
		return 0, 0
	}

	results := make(chan error, len(accounts))
	launched := 0
	for i := range accounts {
		acc := accounts[i]
		if acc.Disabled {
			continue
		}
		launched++
		go func() {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				results <- err
				return
			}
			defer r.sem.Release(1)
			_, err := r.Refresh(ctx, &acc)
			results <- err
		}()
	}
	for i := 0; i < launched; i++ {
		if err := <-results; err != nil {
			failed++
		} else {
			ok++
		}
	}
	log.Infof("🔄 Refreshed %d accounts (%d failed)", ok, failed)
	return ok, failed
}

// stringSet is a small concurrent membership set keyed by account ID.
type stringSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newStringSet() *stringSet {
	return &stringSet{m: make(map[string]struct{})}
}

// add reports whether the key was newly inserted.
func (s *stringSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

func (s *stringSet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// isPermanentRefreshError recognizes OAuth failures that no retry can fix;
// the account needs a fresh login.
func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
