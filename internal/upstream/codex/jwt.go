package codex

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// AccountClaims is the claims section of a ChatGPT OAuth access token.
// Tokens are parsed unverified: the relay is the token's audience, not
// its issuer, and only needs the routing metadata inside.
type AccountClaims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email"`
	AuthInfo AuthInfo `json:"https://api.openai.com/auth"`
}

// AuthInfo carries the ChatGPT account details embedded in the token.
type AuthInfo struct {
	ChatgptAccountID string `json:"chatgpt_account_id"`
	ChatgptPlanType  string `json:"chatgpt_plan_type"` // plus, pro, team
	ChatgptUserID    string `json:"chatgpt_user_id"`
}

// ParseAccountClaims extracts claims from an access or id token without
// signature verification.
func ParseAccountClaims(token string) (*AccountClaims, error) {
	claims := &AccountClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse chatgpt token: %w", err)
	}
	return claims, nil
}
