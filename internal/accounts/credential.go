package accounts

import (
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/upstream"
)

// CredentialFrom snapshots a stored account into the shape executors
// consume. Executors never see the store.
func CredentialFrom(acc *models.Account) upstream.Credential {
	return upstream.Credential{
		AccountID:    acc.ID,
		Email:        acc.Email,
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		ExpiresAt:    acc.ExpiresAt,
		ProjectID:    acc.ProjectID,
	}
}
