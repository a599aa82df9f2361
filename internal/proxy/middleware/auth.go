// Package middleware holds the HTTP middlewares of the proxy surfaces.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/llm-relay/internal/db"
)

// APIKeyAuth validates the proxy API key. Clients of different SDKs send
// it in different places, so Bearer, x-api-key, x-goog-api-key and the
// ?key= query parameter are all accepted.
func APIKeyAuth(store *db.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			expected := store.APIKey()
			if expected == "" {
				// No key configured yet; first-run scenario.
				next.ServeHTTP(w, r)
				return
			}

			for _, candidate := range candidateKeys(r) {
				if subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func candidateKeys(r *http.Request) []string {
	var keys []string
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		keys = append(keys, strings.TrimPrefix(auth, "Bearer "))
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		keys = append(keys, v)
	}
	if v := r.Header.Get("x-goog-api-key"); v != "" {
		keys = append(keys, v)
	}
	if v := r.URL.Query().Get("key"); v != "" {
		keys = append(keys, v)
	}
	return keys
}

// AdminAuth protects the management API with HTTP basic auth when a
// password is configured; an empty password leaves it open, matching
// local single-user deployments.
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="LLM Relay Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
