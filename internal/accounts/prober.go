package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/pysugar/llm-relay/internal/upstream"
)

const (
	quotaProbeTimeout = 10 * time.Second

	// Probes consume real upstream calls, so results are cached briefly
	// and a breaker stops hammering a failing quota endpoint.
	quotaCacheTTL = 30 * time.Second
)

type probeEntry struct {
	snapshot  *upstream.QuotaSnapshot
	fetchedAt time.Time
}

// Prober fetches live per-model quota for an account, with a short TTL
// cache keyed by account and a circuit breaker per provider.
type Prober struct {
	registry upstream.Registry

	mu       sync.Mutex
	cache    map[string]*probeEntry
	breakers map[upstream.Provider]*gobreaker.CircuitBreaker
}

// NewProber wires a prober over the executor registry.
func NewProber(registry upstream.Registry) *Prober {
	return &Prober{
		registry: registry,
		cache:    make(map[string]*probeEntry),
		breakers: make(map[upstream.Provider]*gobreaker.CircuitBreaker),
	}
}

// Probe returns the account's quota snapshot, from cache when fresh.
// upstream.ErrQuotaUnsupported passes through untouched so callers can
// treat the account as unverifiable rather than exhausted.
func (p *Prober) Probe(ctx context.Context, provider upstream.Provider, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	if snap := p.cached(cred.AccountID); snap != nil {
		return snap, nil
	}

	exec, ok := p.registry.Get(provider)
	if !ok {
		return nil, errors.New("no executor registered for provider " + string(provider))
	}

	res, err := p.breaker(provider).Execute(func() (interface{}, error) {
		probeCtx, cancel := context.WithTimeout(ctx, quotaProbeTimeout)
		defer cancel()
		return exec.FetchModels(probeCtx, cred)
	})
	if err != nil {
		return nil, err
	}

	snap := res.(*upstream.QuotaSnapshot)
	p.mu.Lock()
	p.cache[cred.AccountID] = &probeEntry{snapshot: snap, fetchedAt: time.Now()}
	p.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for one account, forcing the next
// probe to hit the upstream.
func (p *Prober) Invalidate(accountID string) {
	p.mu.Lock()
	delete(p.cache, accountID)
	p.mu.Unlock()
}

func (p *Prober) cached(accountID string) *upstream.QuotaSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[accountID]
	if !ok || time.Since(entry.fetchedAt) > quotaCacheTTL {
		return nil
	}
	return entry.snapshot
}

func (p *Prober) breaker(provider upstream.Provider) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "quota:" + string(provider),
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, upstream.ErrQuotaUnsupported)
		},
	})
	p.breakers[provider] = cb
	return cb
}
