// Package upstream defines the provider-facing contracts of the relay:
// completion, token refresh, and quota probing, implemented once per
// provider kind. The relay core never parses provider wire bytes itself;
// executors normalize responses into the shared result types here.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider identifies one of the closed set of upstream provider kinds.
type Provider string

const (
	ProviderAntigravity Provider = "antigravity"
	ProviderCodex       Provider = "codex"
	ProviderClaude      Provider = "claude"
)

// Valid reports whether p is a known provider kind.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAntigravity, ProviderCodex, ProviderClaude:
		return true
	}
	return false
}

// ParseProvider validates a provider string from config or API input.
func ParseProvider(s string) (Provider, error) {
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// ErrQuotaUnsupported is returned by FetchModels for providers that have
// no live quota endpoint. Callers treat the account as unverifiable, not
// as exhausted.
var ErrQuotaUnsupported = errors.New("provider does not expose quota info")

// Credential is the live credential handed to an executor for one call.
// It is a snapshot of the account at selection time; executors never
// write back to the store.
type Credential struct {
	AccountID    string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
	ProjectID    string
}

// Message is one normalized chat turn. Content is plain text; multimodal
// payloads are a concern of the HTTP layer, not the relay core.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a normalized function declaration. Parameters holds the JSON
// schema verbatim; executors embed it where their upstream expects it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CompletionRequest is the provider-neutral request shape.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
}

// ContentBlock is one unit of model output, either text or a tool call.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" or "tool_use"
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage carries upstream-reported token counts, zero when unreported.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResult is the normalized outcome of a successful completion.
type CompletionResult struct {
	Content    []ContentBlock
	StopReason string
	Usage      Usage
}

// Text concatenates all text blocks, the common case for chat surfaces.
func (r *CompletionResult) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// RefreshResult is the outcome of a token refresh. RefreshToken is empty
// when the upstream did not rotate it; callers keep the stored one.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
}

// ModelQuota is one model's live quota as reported by a probe.
// HasFraction distinguishes a reported zero from an absent field;
// an absent fraction means the upstream gave no signal either way.
type ModelQuota struct {
	RemainingFraction float64
	HasFraction       bool
	ResetTime         time.Time // zero when unreported
}

// QuotaSnapshot is the result of a FetchModels probe. ProjectID is set
// when the upstream reports the account's tenant project alongside quota.
type QuotaSnapshot struct {
	Models    map[string]ModelQuota
	ProjectID string
	FetchedAt time.Time
}

// HasRemaining reports whether any model shows confirmed nonzero
// remaining quota. Models without a reported fraction do not count:
// clearing a rate limit takes positive evidence, not the absence of a
// signal.
func (s *QuotaSnapshot) HasRemaining() bool {
	for _, q := range s.Models {
		if q.HasFraction && q.RemainingFraction > 0 {
			return true
		}
	}
	return false
}

// EarliestReset returns the soonest future reset time across exhausted
// models, or the zero time when none is reported.
func (s *QuotaSnapshot) EarliestReset(now time.Time) time.Time {
	var earliest time.Time
	for _, q := range s.Models {
		if q.ResetTime.IsZero() || !q.ResetTime.After(now) {
			continue
		}
		if earliest.IsZero() || q.ResetTime.Before(earliest) {
			earliest = q.ResetTime
		}
	}
	return earliest
}

// Executor is implemented once per provider kind. Complete and
// FetchModels surface non-2xx upstream statuses as *Error so callers
// can classify them without touching wire formats.
type Executor interface {
	Identifier() Provider
	Complete(ctx context.Context, cred Credential, req CompletionRequest) (*CompletionResult, error)
	Refresh(ctx context.Context, cred Credential) (*RefreshResult, error)
	FetchModels(ctx context.Context, cred Credential) (*QuotaSnapshot, error)
}

// ProjectDiscoverer is implemented by providers whose accounts carry a
// tenant project that must be resolved before first use.
type ProjectDiscoverer interface {
	LoadProject(ctx context.Context, cred Credential) (string, error)
}

// Registry maps provider kinds to their executors.
type Registry map[Provider]Executor

// Get returns the executor for p, or nil and false when unregistered.
func (r Registry) Get(p Provider) (Executor, bool) {
	e, ok := r[p]
	return e, ok
}
