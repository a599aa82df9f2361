package models

import "time"

// Account stores credentials for one upstream account inside a provider pool.
// Rate-limit bookkeeping (rateLimitedUntil, consecutiveFailures, inFlight) is
// runtime-only state owned by accounts.Selector and is never persisted, so
// every process start begins with a neutral pool.
type Account struct {
	ID           string `gorm:"primaryKey"` // UUID
	Email        string `gorm:"uniqueIndex:idx_email_provider"`
	Provider     string `gorm:"uniqueIndex:idx_email_provider"` // "antigravity", "codex", "claude"
	Label        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64  // epoch milliseconds
	ProjectID    string // antigravity tenant project, discovered lazily
	Disabled     bool   `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the access token expires inside the lead window.
func (a *Account) ExpiresWithin(lead time.Duration) bool {
	if a.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(lead).UnixMilli() >= a.ExpiresAt
}
