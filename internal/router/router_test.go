package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/llm-relay/internal/accounts"
	"github.com/pysugar/llm-relay/internal/catalog"
	"github.com/pysugar/llm-relay/internal/db"
	dbmodels "github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/routing"
	"github.com/pysugar/llm-relay/internal/upstream"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&dbmodels.Account{}, &dbmodels.Config{}, &dbmodels.RequestLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.NewStore(gdb)
}

var farFuture = time.Now().Add(24 * time.Hour).UnixMilli()

func seedAccount(t *testing.T, store *db.Store, provider, email string) *dbmodels.Account {
	t.Helper()
	acc := &dbmodels.Account{
		Email:        email,
		Provider:     provider,
		AccessToken:  "tok-" + email,
		RefreshToken: "ref-" + email,
		ExpiresAt:    farFuture,
		ProjectID:    "proj-" + email,
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	return acc
}

// scriptedExecutor records the email of every completion call and answers
// from a per-email script. Unscripted emails succeed.
type scriptedExecutor struct {
	provider upstream.Provider

	mu      sync.Mutex
	calls   []string
	scripts map[string]func(req upstream.CompletionRequest) (*upstream.CompletionResult, error)
}

func newScriptedExecutor(provider upstream.Provider) *scriptedExecutor {
	return &scriptedExecutor{
		provider: provider,
		scripts:  make(map[string]func(req upstream.CompletionRequest) (*upstream.CompletionResult, error)),
	}
}

func (s *scriptedExecutor) Identifier() upstream.Provider { return s.provider }

func (s *scriptedExecutor) Complete(ctx context.Context, cred upstream.Credential, req upstream.CompletionRequest) (*upstream.CompletionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cred.Email)
	script := s.scripts[cred.Email]
	s.mu.Unlock()

	if script != nil {
		return script(req)
	}
	return &upstream.CompletionResult{
		Content:    []upstream.ContentBlock{{Type: "text", Text: "ok from " + cred.Email}},
		StopReason: "stop",
	}, nil
}

func (s *scriptedExecutor) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error) {
	return &upstream.RefreshResult{
		AccessToken: cred.AccessToken,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (s *scriptedExecutor) FetchModels(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	return nil, upstream.ErrQuotaUnsupported
}

func (s *scriptedExecutor) failWith(email string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[email] = func(upstream.CompletionRequest) (*upstream.CompletionResult, error) {
		return nil, err
	}
}

func (s *scriptedExecutor) succeed(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, email)
}

func (s *scriptedExecutor) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func quotaErr(provider upstream.Provider, body string) *upstream.Error {
	return &upstream.Error{Provider: provider, Status: 429, Body: body}
}

const quotaBody = `{"error":{"code":429,"message":"quota","details":[{"reason":"QUOTA_EXHAUSTED"}]}}`

type fixture struct {
	router   *Router
	store    *db.Store
	selector *accounts.Selector
	exec     *scriptedExecutor
}

func newFixture(t *testing.T, provider upstream.Provider, cfg *routing.Config) *fixture {
	t.Helper()
	store := newTestStore(t)
	exec := newScriptedExecutor(provider)
	registry := upstream.Registry{provider: exec}
	selector := accounts.NewSelector(store)
	refresher := accounts.NewRefresher(store, registry)
	prober := accounts.NewProber(registry)
	managers := map[upstream.Provider]*accounts.Manager{
		provider: accounts.NewManager(provider, store, selector, refresher, prober, registry, accounts.DefaultPolicy()),
	}
	return &fixture{
		router:   New(catalog.Default(), store, selector, refresher, managers, registry, cfg),
		store:    store,
		selector: selector,
		exec:     exec,
	}
}

func flowConfig(name string, entries ...routing.FlowEntry) *routing.Config {
	cfg := routing.DefaultConfig()
	cfg.Flows = []routing.Flow{{ID: "flow-1", Name: name, Entries: entries}}
	cfg.Normalize()
	return cfg
}

func entry(provider upstream.Provider, accountID, model string) routing.FlowEntry {
	return routing.FlowEntry{Provider: string(provider), AccountID: accountID, ModelID: model}
}

func TestFlowStickySkipsKnownDeadHead(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")
	c := seedAccount(t, f.store, "claude", "c@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, c.ID, "claude-sonnet-4-5"),
	))
	f.exec.failWith("a@test", quotaErr(upstream.ProviderClaude, quotaBody))

	res, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if res.AccountEmail != "b@test" {
		t.Fatalf("first call landed on %s, want b@test", res.AccountEmail)
	}
	if got := f.exec.callLog(); len(got) != 2 || got[0] != "a@test" || got[1] != "b@test" {
		t.Fatalf("first call visited %v, want [a@test b@test]", got)
	}
	if res.Attempts != 2 {
		t.Fatalf("first call attempts = %d, want 2", res.Attempts)
	}

	res, err = f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.AccountEmail != "b@test" {
		t.Fatalf("second call landed on %s, want b@test", res.AccountEmail)
	}
	// Sticky start: the dead head is not re-probed.
	if got := f.exec.callLog(); len(got) != 3 || got[2] != "b@test" {
		t.Fatalf("second call visited %v, want exactly one more probe of b@test", got)
	}
}

func TestFlowProbesStickyOnceThenAdvances(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")
	c := seedAccount(t, f.store, "claude", "c@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, c.ID, "claude-sonnet-4-5"),
	))
	f.exec.failWith("a@test", quotaErr(upstream.ProviderClaude, quotaBody))

	if _, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{}); err != nil {
		t.Fatalf("warmup call: %v", err)
	}

	// The sticky entry goes dry. The next call probes it exactly once,
	// advances to c, and never revisits the known-dead a.
	f.exec.failWith("b@test", quotaErr(upstream.ProviderClaude, quotaBody))

	res, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("post-exhaustion call: %v", err)
	}
	if res.AccountEmail != "c@test" {
		t.Fatalf("landed on %s, want c@test", res.AccountEmail)
	}
	got := f.exec.callLog()
	want := []string{"a@test", "b@test", "b@test", "c@test"}
	if len(got) != len(want) {
		t.Fatalf("call log %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call log %v, want %v", got, want)
		}
	}

	// Stickiness moved to c.
	if _, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{}); err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	if got := f.exec.callLog(); got[len(got)-1] != "c@test" || len(got) != 5 {
		t.Fatalf("follow-up visited %v, want a single probe of c@test", got)
	}
}

func TestHardErrorPropagatesWithoutRotation(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
	))
	f.exec.failWith("a@test", &upstream.Error{Provider: upstream.ProviderClaude, Status: 404, Body: `{"error":"not found"}`})

	_, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if ue.Status != 404 {
		t.Fatalf("status = %d, want 404", ue.Status)
	}
	if got := f.exec.callLog(); len(got) != 1 || got[0] != "a@test" {
		t.Fatalf("visited %v, want exactly [a@test]", got)
	}
	// No rate-limit bookkeeping was spent on the hard error.
	if f.selector.IsRateLimited(upstream.ProviderClaude, a.ID) {
		t.Fatal("hard error must not mark the account rate-limited")
	}
}

func TestChainExhaustionPreservesLastUpstreamStatus(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
	))
	f.exec.failWith("a@test", quotaErr(upstream.ProviderClaude, quotaBody))
	f.exec.failWith("b@test", &upstream.Error{Provider: upstream.ProviderClaude, Status: 429, Body: `{"error":{"message":"rate limit hit"}}`})

	_, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected chain error, got %v", err)
	}
	if chainErr.StatusCode() != 429 {
		t.Fatalf("status = %d, want 429", chainErr.StatusCode())
	}
	if !strings.Contains(chainErr.UpstreamBody(), "rate limit hit") {
		t.Fatalf("body should come from the last attempt, got %q", chainErr.UpstreamBody())
	}
	if len(chainErr.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(chainErr.Attempts))
	}
	if chainErr.RetryAfter() < 1 {
		t.Fatalf("retry-after = %d, want >= 1", chainErr.RetryAfter())
	}
}

func TestChainSkipsCooldownEntriesWithoutProbing(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
	))
	f.selector.MarkRateLimited(upstream.ProviderClaude, a.ID, time.Hour)
	f.selector.MarkRateLimited(upstream.ProviderClaude, b.ID, time.Hour)

	_, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected chain error, got %v", err)
	}
	if got := f.exec.callLog(); len(got) != 0 {
		t.Fatalf("cooldown entries must not be probed, visited %v", got)
	}
	if chainErr.StatusCode() != 429 {
		t.Fatalf("status = %d, want synthetic 429", chainErr.StatusCode())
	}
}

func TestNoRouteForUnknownModel(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)

	_, err := f.router.Execute(context.Background(), "made-up-model", upstream.CompletionRequest{})
	var noRoute *NoRouteError
	if !errors.As(err, &noRoute) {
		t.Fatalf("expected no-route error, got %v", err)
	}
	if noRoute.StatusCode() != 400 {
		t.Fatalf("status = %d, want 400", noRoute.StatusCode())
	}
}

func TestSmartSwitchExpandsInCreationOrder(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	seedAccount(t, f.store, "claude", "first@test")
	seedAccount(t, f.store, "claude", "second@test")

	f.exec.failWith("first@test", quotaErr(upstream.ProviderClaude, quotaBody))

	res, err := f.router.Execute(context.Background(), "claude-sonnet-4-5", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.AccountEmail != "second@test" {
		t.Fatalf("landed on %s, want second@test", res.AccountEmail)
	}
	if res.RouteKind != RouteKindAccount {
		t.Fatalf("route kind = %s, want %s", res.RouteKind, RouteKindAccount)
	}
	if got := f.exec.callLog(); len(got) != 2 || got[0] != "first@test" {
		t.Fatalf("visited %v, want creation order starting at first@test", got)
	}
}

func TestSmartSwitchOffMeansNoRoute(t *testing.T) {
	cfg := routing.DefaultConfig()
	cfg.AccountRouting.SmartSwitch = false

	f := newFixture(t, upstream.ProviderClaude, cfg)
	seedAccount(t, f.store, "claude", "a@test")

	_, err := f.router.Execute(context.Background(), "claude-sonnet-4-5", upstream.CompletionRequest{})
	var noRoute *NoRouteError
	if !errors.As(err, &noRoute) {
		t.Fatalf("expected no-route error, got %v", err)
	}
}

func TestExplicitAccountRouteTriedStrictlyInOrder(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")

	cfg := routing.DefaultConfig()
	cfg.AccountRouting.Routes = []routing.AccountRoute{{
		ModelID: "claude-sonnet-4-5",
		Entries: []routing.RouteEntry{
			{Provider: "claude", AccountID: b.ID},
			{Provider: "claude", AccountID: a.ID},
		},
	}}
	f.router.SetConfig(cfg)
	f.exec.failWith("b@test", quotaErr(upstream.ProviderClaude, quotaBody))

	// Two calls: account routing has no sticky layer, so the full chain is
	// rescanned each time once b's cooldown is cleared.
	res, err := f.router.Execute(context.Background(), "claude-sonnet-4-5", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if res.AccountEmail != "a@test" {
		t.Fatalf("landed on %s, want a@test", res.AccountEmail)
	}
	f.selector.MarkSuccess(upstream.ProviderClaude, b.ID)
	f.exec.succeed("b@test")

	res, err = f.router.Execute(context.Background(), "claude-sonnet-4-5", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.AccountEmail != "b@test" {
		t.Fatalf("second call landed on %s, want head of chain b@test", res.AccountEmail)
	}
}

func TestActiveFlowAlias(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")

	cfg := flowConfig("main", entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"))
	cfg.ActiveFlowID = cfg.Flows[0].ID
	f.router.SetConfig(cfg)

	res, err := f.router.Execute(context.Background(), ActiveFlowAlias, upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.RouteName != "main" {
		t.Fatalf("route name = %s, want main", res.RouteName)
	}
}

func TestFlowPrefixAddressing(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")

	f.router.SetConfig(flowConfig("claude-sonnet-4-5",
		entry(upstream.ProviderClaude, a.ID, "claude-haiku-4-5"),
	))

	// The prefix forces flow resolution even when the name shadows a
	// canonical model.
	res, err := f.router.Execute(context.Background(), FlowPrefix+"claude-sonnet-4-5", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.RouteKind != RouteKindFlow {
		t.Fatalf("route kind = %s, want %s", res.RouteKind, RouteKindFlow)
	}
	if res.UpstreamModel != "claude-haiku-4-5" {
		t.Fatalf("upstream model = %s, want the flow entry's model", res.UpstreamModel)
	}
}

func TestConfigSwapResetsSticky(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	a := seedAccount(t, f.store, "claude", "a@test")
	b := seedAccount(t, f.store, "claude", "b@test")

	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
	))
	f.exec.failWith("a@test", quotaErr(upstream.ProviderClaude, quotaBody))
	if _, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{}); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	// Same name, reordered entries: the stale cursor must not survive.
	f.selector.MarkSuccess(upstream.ProviderClaude, a.ID)
	f.exec.succeed("a@test")
	f.router.SetConfig(flowConfig("work",
		entry(upstream.ProviderClaude, b.ID, "claude-sonnet-4-5"),
		entry(upstream.ProviderClaude, a.ID, "claude-sonnet-4-5"),
	))

	res, err := f.router.Execute(context.Background(), "work", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("post-swap call: %v", err)
	}
	if res.AccountEmail != "b@test" {
		t.Fatalf("post-swap call landed on %s, want new head b@test", res.AccountEmail)
	}
}

func TestAutoEntryUsesPoolManager(t *testing.T) {
	f := newFixture(t, upstream.ProviderClaude, nil)
	seedAccount(t, f.store, "claude", "pool-a@test")
	seedAccount(t, f.store, "claude", "pool-b@test")

	f.router.SetConfig(flowConfig("pooled",
		entry(upstream.ProviderClaude, routing.AutoAccount, "claude-sonnet-4-5"),
	))

	res, err := f.router.Execute(context.Background(), "pooled", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.AccountEmail == "" {
		t.Fatal("auto entry should resolve to a concrete pool account")
	}

	// Within the sticky window the pool hands back the same account.
	res2, err := f.router.Execute(context.Background(), "pooled", upstream.CompletionRequest{})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res2.AccountEmail != res.AccountEmail {
		t.Fatalf("pool switched from %s to %s inside the sticky window", res.AccountEmail, res2.AccountEmail)
	}
}
