package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/upstream"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.Config{}, &models.RequestLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.NewStore(gdb)
}

// farFuture keeps test tokens outside every refresh window.
var farFuture = time.Now().Add(24 * time.Hour).UnixMilli()

func seedAccount(t *testing.T, store *db.Store, provider, email string) *models.Account {
	t.Helper()
	acc := &models.Account{
		Email:        email,
		Provider:     provider,
		AccessToken:  "tok-" + email,
		RefreshToken: "ref-" + email,
		ExpiresAt:    farFuture,
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	return acc
}

// fakeExecutor scripts upstream behavior per test. Unset hooks fall back
// to benign defaults: refresh echoes the credential, quota is unsupported,
// project discovery fails.
type fakeExecutor struct {
	provider upstream.Provider
	refresh  func(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error)
	fetch    func(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error)
	project  func(ctx context.Context, cred upstream.Credential) (string, error)
}

func (f *fakeExecutor) Identifier() upstream.Provider { return f.provider }

func (f *fakeExecutor) Complete(ctx context.Context, cred upstream.Credential, req upstream.CompletionRequest) (*upstream.CompletionResult, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeExecutor) Refresh(ctx context.Context, cred upstream.Credential) (*upstream.RefreshResult, error) {
	if f.refresh != nil {
		return f.refresh(ctx, cred)
	}
	return &upstream.RefreshResult{
		AccessToken: cred.AccessToken,
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (f *fakeExecutor) FetchModels(ctx context.Context, cred upstream.Credential) (*upstream.QuotaSnapshot, error) {
	if f.fetch != nil {
		return f.fetch(ctx, cred)
	}
	return nil, upstream.ErrQuotaUnsupported
}

func (f *fakeExecutor) LoadProject(ctx context.Context, cred upstream.Credential) (string, error) {
	if f.project != nil {
		return f.project(ctx, cred)
	}
	return "", errors.New("discovery not scripted")
}

func newTestRegistry(exec *fakeExecutor) upstream.Registry {
	return upstream.Registry{exec.provider: exec}
}

// fraction builds a one-model snapshot with the given remaining fraction.
func fraction(model string, remaining float64, reset time.Time) *upstream.QuotaSnapshot {
	return &upstream.QuotaSnapshot{
		Models: map[string]upstream.ModelQuota{
			model: {RemainingFraction: remaining, HasFraction: true, ResetTime: reset},
		},
		FetchedAt: time.Now(),
	}
}
