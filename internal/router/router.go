// Package router is the top of the relay stack: it resolves an inbound
// model identifier to a flow or an account route, walks the candidate
// chain with rate-limit-aware failover, and returns the first success or
// an aggregated failure. Only rate-limit-class upstream errors advance
// the chain; hard errors (403, 404, other non-rate 4xx) propagate on the
// first occurrence because they signal configuration problems, not
// capacity problems.
package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/accounts"
	"github.com/pysugar/llm-relay/internal/catalog"
	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/routing"
	"github.com/pysugar/llm-relay/internal/upstream"
)

// ActiveFlowAlias is the model identifier clients send to hit the flow
// designated active in the routing config.
const ActiveFlowAlias = "auto"

// FlowPrefix lets clients address a flow whose name collides with a real
// model id.
const FlowPrefix = "route:"

// transportBackoff is the cooldown for accounts behind a failed network
// call: long enough to rotate past a flapping upstream, short enough to
// recover quickly.
const transportBackoff = 20 * time.Second

const (
	RouteKindFlow    = "flow"
	RouteKindAccount = "account"
)

// Result is a completed routing decision plus its outcome.
type Result struct {
	Completion    *upstream.CompletionResult
	Provider      upstream.Provider
	AccountID     string
	AccountEmail  string
	UpstreamModel string
	RouteKind     string
	RouteName     string
	Attempts      int
}

// stickyCursor remembers the last successful chain position per flow so
// the next request skips entries that are known dead. Process-lifetime
// only; never persisted.
type stickyCursor struct {
	index     int
	accountID string
}

// candidate is one (provider, account, model) triple of a chain.
// accountRef is a concrete account id or routing.AutoAccount.
type candidate struct {
	provider   upstream.Provider
	accountRef string
	model      string
}

// Router executes routed completions. The routing config is swapped
// whole on management updates; flow sticky cursors reset on swap since
// entry order may have changed.
type Router struct {
	catalog   *catalog.Catalog
	store     *db.Store
	selector  *accounts.Selector
	refresher *accounts.Refresher
	managers  map[upstream.Provider]*accounts.Manager
	registry  upstream.Registry

	mu     sync.RWMutex
	config *routing.Config
	sticky map[string]stickyCursor
}

// New wires a router over the shared services.
func New(cat *catalog.Catalog, store *db.Store, selector *accounts.Selector, refresher *accounts.Refresher, managers map[upstream.Provider]*accounts.Manager, registry upstream.Registry, cfg *routing.Config) *Router {
	if cfg == nil {
		cfg = routing.DefaultConfig()
	}
	return &Router{
		catalog:   cat,
		store:     store,
		selector:  selector,
		refresher: refresher,
		managers:  managers,
		registry:  registry,
		config:    cfg,
		sticky:    make(map[string]stickyCursor),
	}
}

// Config returns the current routing document.
func (r *Router) Config() *routing.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// SetConfig swaps the routing document and drops every sticky cursor,
// since flow entries may have been reordered under the same name.
func (r *Router) SetConfig(cfg *routing.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
	r.sticky = make(map[string]stickyCursor)
}

// Execute resolves model and runs the candidate chain. Resolution order:
// flow name (with the route: prefix and the active-flow alias), then
// canonical model with account routing, then a client error. There is no
// default provider: an unroutable model always fails loudly.
func (r *Router) Execute(ctx context.Context, model string, req upstream.CompletionRequest) (*Result, error) {
	cfg := r.Config()

	flow := cfg.FlowByName(strings.TrimPrefix(model, FlowPrefix))
	if flow == nil && (model == "" || model == ActiveFlowAlias) {
		flow = cfg.ActiveFlow()
	}
	if flow != nil {
		return r.executeFlow(ctx, flow, req)
	}

	if provider, ok := r.catalog.ProviderFor(model); ok {
		cands := r.accountCandidates(cfg, model, provider)
		if len(cands) > 0 {
			order := make([]int, len(cands))
			for i := range order {
				order[i] = i
			}
			return r.runChain(ctx, RouteKindAccount, model, cands, order, "", req)
		}
	}

	return nil, &NoRouteError{Model: model}
}

// executeFlow walks the flow chain starting at the sticky index when its
// entry is not known-exhausted, wrapping around to retry the skipped head
// once before failing.
func (r *Router) executeFlow(ctx context.Context, flow *routing.Flow, req upstream.CompletionRequest) (*Result, error) {
	if len(flow.Entries) == 0 {
		return nil, &NoRouteError{Model: flow.Name}
	}

	cands := make([]candidate, len(flow.Entries))
	for i, entry := range flow.Entries {
		cands[i] = candidate{
			provider:   upstream.Provider(entry.Provider),
			accountRef: entry.AccountID,
			model:      entry.ModelID,
		}
	}

	start := 0
	if cur, ok := r.stickyFor(flow.Name); ok && cur.index < len(cands) {
		c := cands[cur.index]
		if c.accountRef == routing.AutoAccount || !r.selector.IsRateLimited(c.provider, c.accountRef) {
			start = cur.index
		}
	}

	order := make([]int, 0, len(cands))
	for i := start; i < len(cands); i++ {
		order = append(order, i)
	}
	for i := 0; i < start; i++ {
		order = append(order, i)
	}

	return r.runChain(ctx, RouteKindFlow, flow.Name, cands, order, flow.Name, req)
}

// accountCandidates returns the explicit route chain for a canonical
// model, or the smart-switch expansion over every account of the owning
// provider in creation order.
func (r *Router) accountCandidates(cfg *routing.Config, model string, provider upstream.Provider) []candidate {
	if route := cfg.RouteForModel(model); route != nil {
		cands := make([]candidate, len(route.Entries))
		for i, entry := range route.Entries {
			cands[i] = candidate{
				provider:   upstream.Provider(entry.Provider),
				accountRef: entry.AccountID,
				model:      model,
			}
		}
		return cands
	}

	if !cfg.AccountRouting.SmartSwitch {
		return nil
	}
	all, err := r.store.ListAccounts(string(provider))
	if err != nil {
		log.Warnf("⚠️ Smart-switch account listing failed for %s: %v", provider, err)
		return nil
	}
	var cands []candidate
	for _, acc := range all {
		if acc.Disabled {
			continue
		}
		cands = append(cands, candidate{provider: provider, accountRef: acc.ID, model: model})
	}
	return cands
}

// attemptFailure is one failed candidate: the attempt record, the raw
// upstream error when one was received, and a wait estimate when the
// whole pool was exhausted.
type attemptFailure struct {
	attempt Attempt
	up      *upstream.Error
	wait    time.Duration
	skipped bool // no upstream call was spent
}

// runChain tries candidates in the given order, strictly sequentially.
// The first success wins and updates the sticky cursor; rate-limit-class
// failures advance; hard errors return immediately.
func (r *Router) runChain(ctx context.Context, kind, name string, cands []candidate, order []int, stickyKey string, req upstream.CompletionRequest) (*Result, error) {
	var attempts []Attempt
	var last *upstream.Error
	var lastReason string
	var wait time.Duration
	spent := 0

	for _, idx := range order {
		res, failure, err := r.attempt(ctx, cands[idx], req, spent > 0)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.RouteKind = kind
			res.RouteName = name
			res.Attempts = spent + 1
			if stickyKey != "" {
				r.setSticky(stickyKey, idx, res.AccountID)
			}
			return res, nil
		}

		attempts = append(attempts, failure.attempt)
		if !failure.skipped {
			spent++
		}
		if failure.up != nil {
			last = failure.up
		}
		if failure.attempt.Reason != "" {
			lastReason = failure.attempt.Reason
		}
		if failure.wait > 0 && (wait == 0 || failure.wait < wait) {
			wait = failure.wait
		}
	}

	chainErr := &ChainError{
		RouteKind: kind,
		Name:      name,
		Attempts:  attempts,
		Last:      last,
		Reason:    lastReason,
		Wait:      wait,
	}
	log.Warnf("💥 %s %q exhausted: %d candidates failed (%s)", kind, name, len(attempts), lastReason)
	for i, att := range attempts {
		log.Debugf("  attempt %d: %s/%s model %s status %d reason %s", i+1, att.Provider, att.Account, att.Model, att.Status, att.Reason)
	}
	return nil, chainErr
}

// attempt runs one candidate end to end: account resolution, project
// fill-in, session lock, upstream call, outcome bookkeeping. The error
// return is terminal for the whole chain (context cancellation or a hard
// upstream error); a nil result with a failure means advance.
func (r *Router) attempt(ctx context.Context, cand candidate, req upstream.CompletionRequest, forceRotate bool) (*Result, *attemptFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	exec, ok := r.registry.Get(cand.provider)
	if !ok {
		return nil, r.skip(cand, "no_executor"), nil
	}

	acc, failure := r.resolveAccount(ctx, cand, forceRotate)
	if acc == nil {
		return nil, failure, nil
	}

	if acc.ProjectID == "" {
		if mgr, ok := r.managers[cand.provider]; ok {
			mgr.EnsureProjectID(ctx, acc)
		}
	}

	upReq := req
	upReq.Model = cand.model

	release := r.selector.AcquireLock(cand.provider, acc.ID)
	result, err := exec.Complete(ctx, accounts.CredentialFrom(acc), upReq)
	release()

	if err == nil {
		r.selector.MarkSuccess(cand.provider, acc.ID)
		return &Result{
			Completion:    result,
			Provider:      cand.provider,
			AccountID:     acc.ID,
			AccountEmail:  acc.Email,
			UpstreamModel: cand.model,
		}, nil, nil
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		if !isRateLimitClass(ue.Status) {
			// 403/404/other 4xx: misconfiguration or permission, never
			// account exhaustion. No bookkeeping, no rotation.
			log.Warnf("🚫 %s upstream hard error %d for %s, not rotating", cand.provider, ue.Status, acc.Email)
			return nil, nil, ue
		}
		att := Attempt{Provider: cand.provider, Account: acc.Email, Model: cand.model, Status: ue.Status}
		if cls := r.selector.MarkRateLimitedFromError(cand.provider, acc.ID, ue.Status, ue.Body, ue.RetryAfter, cand.model); cls != nil {
			att.Reason = string(cls.Reason)
		}
		return nil, &attemptFailure{attempt: att, up: ue}, nil
	}

	// Transport failure: cool the account briefly so the scan moves on.
	log.Warnf("🔌 %s network error for %s: %v", cand.provider, acc.Email, err)
	r.selector.MarkRateLimited(cand.provider, acc.ID, transportBackoff)
	return nil, &attemptFailure{
		attempt: Attempt{Provider: cand.provider, Account: acc.Email, Model: cand.model, Reason: "network_error"},
	}, nil
}

// resolveAccount turns a candidate's account reference into a usable
// credentialed account, or a failure explaining the skip. Auto entries
// defer to the provider's pool manager; explicit entries are checked
// against runtime state and refreshed here.
func (r *Router) resolveAccount(ctx context.Context, cand candidate, forceRotate bool) (*models.Account, *attemptFailure) {
	if cand.accountRef == routing.AutoAccount {
		mgr, ok := r.managers[cand.provider]
		if !ok {
			return nil, r.skip(cand, "no_pool")
		}
		acc, err := mgr.NextAccount(ctx, forceRotate)
		if err != nil {
			var exhausted *accounts.ExhaustedError
			if errors.As(err, &exhausted) {
				f := r.skip(cand, "all_accounts_exhausted")
				f.wait = exhausted.Wait
				return nil, f
			}
			if errors.Is(err, accounts.ErrNoAccounts) {
				return nil, r.skip(cand, "no_accounts")
			}
			log.Warnf("⚠️ %s account selection failed: %v", cand.provider, err)
			return nil, r.skip(cand, "selection_error")
		}
		return acc, nil
	}

	acc, err := r.store.GetAccount(cand.accountRef)
	if err != nil {
		return nil, r.skip(cand, "unknown_account")
	}
	if acc.Disabled {
		return nil, r.skip(cand, "disabled")
	}
	// Known-exhausted entries are skipped without spending an upstream call.
	if r.selector.IsRateLimited(cand.provider, acc.ID) {
		return nil, r.skip(cand, "cooldown")
	}
	if r.selector.IsInFlight(cand.provider, acc.ID) {
		return nil, r.skip(cand, "busy")
	}
	fresh, err := r.refresher.EnsureFresh(ctx, acc)
	if err != nil {
		r.selector.MarkRateLimited(cand.provider, acc.ID, time.Minute)
		return nil, r.skip(cand, "refresh_failed")
	}
	return fresh, nil
}

func (r *Router) skip(cand candidate, reason string) *attemptFailure {
	account := cand.accountRef
	if account != routing.AutoAccount {
		account = r.selector.AccountDisplay(cand.accountRef)
	}
	return &attemptFailure{
		attempt: Attempt{Provider: cand.provider, Account: account, Model: cand.model, Reason: reason},
		skipped: true,
	}
}

func (r *Router) stickyFor(key string) (stickyCursor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.sticky[key]
	return cur, ok
}

func (r *Router) setSticky(key string, index int, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky[key] = stickyCursor{index: index, accountID: accountID}
}

// isRateLimitClass gates chain advancement: 429 and 5xx are capacity
// signals; everything else is a hard error.
func isRateLimitClass(status int) bool {
	return status == 429 || status >= 500
}
