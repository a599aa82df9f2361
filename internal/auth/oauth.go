// Package auth holds the OAuth client configurations used to refresh
// provider credentials. Interactive login happens outside the relay;
// accounts arrive through the management API with tokens already issued
// and only ever need refreshing here.
package auth

import (
	"os"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// Antigravity's OAuth client (shared by the IDE). Overridable by env for
// bring-your-own-app deployments.
const (
	defaultGoogleClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	defaultGoogleClientSecret = "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"
)

// googleScopes covers the cloudcode API plus identity lookup.
var googleScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// GoogleConfig returns the OAuth2 config used to refresh antigravity
// account tokens.
func GoogleConfig() *oauth2.Config {
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	if clientID == "" {
		clientID = defaultGoogleClientID
	}
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientSecret == "" {
		clientSecret = defaultGoogleClientSecret
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       googleScopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}
