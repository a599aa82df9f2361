package db

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pysugar/llm-relay/internal/db/models"
)

// Store provides account and request-log persistence on top of gorm.
// All credential mutations go through here; runtime rate-limit state does not.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an initialized gorm handle.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// CreateAccount inserts a new account, assigning a UUID when none is set.
func (s *Store) CreateAccount(acc *models.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	return s.db.Create(acc).Error
}

// GetAccount fetches one account by ID.
func (s *Store) GetAccount(id string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.First(&acc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccountByEmail fetches one account by (provider, email).
func (s *Store) GetAccountByEmail(provider, email string) (*models.Account, error) {
	var acc models.Account
	if err := s.db.First(&acc, "provider = ? AND email = ?", provider, email).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// ListAccounts returns accounts for a provider in creation order.
// An empty provider returns every account. Creation order matters: it is the
// expansion order for smart-switch account routing.
func (s *Store) ListAccounts(provider string) ([]models.Account, error) {
	var accounts []models.Account
	q := s.db.Order("created_at ASC, id ASC")
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ExpiringAccounts returns enabled accounts whose access token expires
// inside the lead window, the working set of the background refresh sweep.
func (s *Store) ExpiringAccounts(lead time.Duration) ([]models.Account, error) {
	threshold := time.Now().Add(lead).UnixMilli()
	var accounts []models.Account
	err := s.db.Where("disabled = ? AND expires_at > 0 AND expires_at < ?", false, threshold).
		Order("expires_at ASC").Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccount persists every field of the given account.
func (s *Store) UpdateAccount(acc *models.Account) error {
	return s.db.Save(acc).Error
}

// UpdateTokens stores refreshed credentials. An empty refresh token keeps the
// stored one, since providers only rotate it occasionally.
func (s *Store) UpdateTokens(id, accessToken, refreshToken string, expiresAtMs int64) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAtMs,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return s.db.Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error
}

// SetProjectID caches a discovered tenant project on the account row.
func (s *Store) SetProjectID(id, projectID string) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Update("project_id", projectID).Error
}

// SetDisabled toggles an account out of (or back into) rotation.
func (s *Store) SetDisabled(id string, disabled bool) error {
	return s.db.Model(&models.Account{}).Where("id = ?", id).Update("disabled", disabled).Error
}

// DeleteAccount removes an account permanently.
func (s *Store) DeleteAccount(id string) error {
	return s.db.Delete(&models.Account{}, "id = ?", id).Error
}

// HasAccount reports whether an account row exists.
func (s *Store) HasAccount(id string) bool {
	var count int64
	s.db.Model(&models.Account{}).Where("id = ?", id).Count(&count)
	return count > 0
}

// APIKey returns the proxy API key generated on first boot.
func (s *Store) APIKey() string {
	return GetAPIKey(s.db)
}

// RegenerateAPIKey replaces the stored key and returns the new value.
func (s *Store) RegenerateAPIKey() string {
	return RegenerateAPIKey(s.db)
}

// LogRequest records one proxied request. Best effort: a failed insert is
// logged and swallowed, never surfaced to the caller.
func (s *Store) LogRequest(entry *models.RequestLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if err := s.db.Create(entry).Error; err != nil {
		log.Warnf("request log insert failed: %v", err)
	}
}

// RecentRequests returns the newest request logs, capped at limit.
func (s *Store) RecentRequests(limit int) ([]models.RequestLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.RequestLog
	if err := s.db.Order("timestamp DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Stats aggregates request counts for the status endpoint.
func (s *Store) Stats() (*models.RequestStats, error) {
	var stats models.RequestStats
	if err := s.db.Model(&models.RequestLog{}).Count(&stats.TotalRequests).Error; err != nil {
		return nil, err
	}
	s.db.Model(&models.RequestLog{}).Where("status >= 200 AND status < 400").Count(&stats.SuccessCount)
	stats.ErrorCount = stats.TotalRequests - stats.SuccessCount
	return &stats, nil
}
