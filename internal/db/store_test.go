package db

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/llm-relay/internal/db/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.Config{}, &models.RequestLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewStore(gdb)
}

func TestAccountRoundTrip(t *testing.T) {
	store := newTestStore(t)

	acc := &models.Account{
		Email:        "alice@example.com",
		Provider:     "antigravity",
		AccessToken:  "ya29.token",
		RefreshToken: "1//refresh",
		ExpiresAt:    1767225600000,
		ProjectID:    "proj-123",
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.ID == "" {
		t.Fatal("CreateAccount should assign an ID")
	}

	got, err := store.GetAccount(acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != acc.Email || got.Provider != acc.Provider ||
		got.AccessToken != acc.AccessToken || got.RefreshToken != acc.RefreshToken ||
		got.ExpiresAt != acc.ExpiresAt || got.ProjectID != acc.ProjectID {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
}

func TestListAccounts_CreationOrder(t *testing.T) {
	store := newTestStore(t)

	for _, email := range []string{"c@x.com", "a@x.com", "b@x.com"} {
		if err := store.CreateAccount(&models.Account{
			Email:       email,
			Provider:    "antigravity",
			AccessToken: "tok",
		}); err != nil {
			t.Fatalf("create %s: %v", email, err)
		}
	}

	accounts, err := store.ListAccounts("antigravity")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	// Insertion order, not lexicographic order.
	if accounts[0].Email != "c@x.com" || accounts[1].Email != "a@x.com" || accounts[2].Email != "b@x.com" {
		t.Fatalf("wrong order: %s, %s, %s", accounts[0].Email, accounts[1].Email, accounts[2].Email)
	}
}

func TestListAccounts_ProviderFilter(t *testing.T) {
	store := newTestStore(t)

	store.CreateAccount(&models.Account{Email: "a@x.com", Provider: "antigravity", AccessToken: "t"})
	store.CreateAccount(&models.Account{Email: "a@x.com", Provider: "codex", AccessToken: "t"})

	codexOnly, err := store.ListAccounts("codex")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(codexOnly) != 1 || codexOnly[0].Provider != "codex" {
		t.Fatalf("expected single codex account, got %+v", codexOnly)
	}

	all, err := store.ListAccounts("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(all))
	}
}

func TestUpdateTokens_KeepsRefreshTokenWhenEmpty(t *testing.T) {
	store := newTestStore(t)

	acc := &models.Account{Email: "a@x.com", Provider: "codex", AccessToken: "old", RefreshToken: "keep-me"}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.UpdateTokens(acc.ID, "new-access", "", 42); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetAccount(acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("access token = %q, want new-access", got.AccessToken)
	}
	if got.RefreshToken != "keep-me" {
		t.Errorf("refresh token = %q, want keep-me (empty update must not clear it)", got.RefreshToken)
	}
	if got.ExpiresAt != 42 {
		t.Errorf("expires = %d, want 42", got.ExpiresAt)
	}

	if err := store.UpdateTokens(acc.ID, "newer", "rotated", 43); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	got, _ = store.GetAccount(acc.ID)
	if got.RefreshToken != "rotated" {
		t.Errorf("refresh token = %q, want rotated", got.RefreshToken)
	}
}

func TestDeleteAccount(t *testing.T) {
	store := newTestStore(t)

	acc := &models.Account{Email: "a@x.com", Provider: "claude", AccessToken: "t"}
	store.CreateAccount(acc)
	if !store.HasAccount(acc.ID) {
		t.Fatal("expected HasAccount true after create")
	}

	if err := store.DeleteAccount(acc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.HasAccount(acc.ID) {
		t.Fatal("expected HasAccount false after delete")
	}
	if _, err := store.GetAccount(acc.ID); err == nil {
		t.Fatal("expected error fetching deleted account")
	}
}

func TestRequestLogStats(t *testing.T) {
	store := newTestStore(t)

	store.LogRequest(&models.RequestLog{Model: "gemini-3-pro", Status: 200, Attempts: 1})
	store.LogRequest(&models.RequestLog{Model: "gemini-3-pro", Status: 429, Attempts: 3, Reason: "quota_exhausted"})

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.SuccessCount != 1 || stats.ErrorCount != 1 {
		t.Fatalf("stats = %+v, want 2/1/1", stats)
	}

	recent, err := store.RecentRequests(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
}
