package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/accounts"
	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/db/models"
	"github.com/pysugar/llm-relay/internal/router"
	"github.com/pysugar/llm-relay/internal/routing"
	"github.com/pysugar/llm-relay/internal/upstream"
	"github.com/pysugar/llm-relay/internal/version"
)

// accountView is the management API's projection of an account: identity
// and runtime state, never credentials.
type accountView struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Provider         string `json:"provider"`
	Label            string `json:"label,omitempty"`
	ProjectID        string `json:"project_id,omitempty"`
	Disabled         bool   `json:"disabled"`
	ExpiresAt        int64  `json:"expires_at"`
	RateLimited      bool   `json:"rate_limited"`
	RateLimitedUntil int64  `json:"rate_limited_until,omitempty"`
	RateLimitReason  string `json:"rate_limit_reason,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

func viewOf(acc *models.Account, selector *accounts.Selector) accountView {
	view := accountView{
		ID:        acc.ID,
		Email:     acc.Email,
		Provider:  acc.Provider,
		Label:     acc.Label,
		ProjectID: acc.ProjectID,
		Disabled:  acc.Disabled,
		ExpiresAt: acc.ExpiresAt,
		CreatedAt: acc.CreatedAt.UnixMilli(),
	}
	until, reason := selector.RateLimitedUntil(upstream.Provider(acc.Provider), acc.ID)
	if !until.IsZero() && until.After(time.Now()) {
		view.RateLimited = true
		view.RateLimitedUntil = until.UnixMilli()
		view.RateLimitReason = string(reason)
	}
	return view
}

// AccountsListHandler handles GET /api/accounts.
func AccountsListHandler(store *db.Store, selector *accounts.Selector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := store.ListAccounts(r.URL.Query().Get("provider"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		views := []accountView{}
		for i := range all {
			views = append(views, viewOf(&all[i], selector))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
	}
}

type importAccountRequest struct {
	Provider     string `json:"provider"`
	Email        string `json:"email"`
	Label        string `json:"label"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ProjectID    string `json:"project_id"`
}

// AccountImportHandler handles POST /api/accounts: import or update the
// credentials of one account. Existing (provider, email) rows are
// updated in place so re-imports after token revocation just work.
func AccountImportHandler(store *db.Store, selector *accounts.Selector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		provider, err := upstream.ParseProvider(req.Provider)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if req.Email == "" || req.RefreshToken == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and refresh_token are required"})
			return
		}

		if existing, err := store.GetAccountByEmail(string(provider), req.Email); err == nil {
			existing.AccessToken = req.AccessToken
			existing.RefreshToken = req.RefreshToken
			existing.ExpiresAt = req.ExpiresAt
			if req.ProjectID != "" {
				existing.ProjectID = req.ProjectID
			}
			if req.Label != "" {
				existing.Label = req.Label
			}
			existing.Disabled = false
			if err := store.UpdateAccount(existing); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			selector.MarkSuccess(provider, existing.ID)
			log.Infof("📥 Updated %s account %s", provider, req.Email)
			writeJSON(w, http.StatusOK, viewOf(existing, selector))
			return
		}

		acc := &models.Account{
			Email:        req.Email,
			Provider:     string(provider),
			Label:        req.Label,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
			ProjectID:    req.ProjectID,
		}
		if err := store.CreateAccount(acc); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		log.Infof("📥 Imported %s account %s", provider, req.Email)
		writeJSON(w, http.StatusCreated, viewOf(acc, selector))
	}
}

// AccountDeleteHandler handles DELETE /api/accounts/{id}.
func AccountDeleteHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !store.HasAccount(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		if err := store.DeleteAccount(id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// AccountDisableHandler handles POST /api/accounts/{id}/disable with a
// body of {"disabled": bool}.
func AccountDisableHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Disabled bool `json:"disabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		if !store.HasAccount(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		if err := store.SetDisabled(id, req.Disabled); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "disabled": req.Disabled})
	}
}

// AccountRefreshHandler handles POST /api/accounts/{id}/refresh.
func AccountRefreshHandler(store *db.Store, refresher *accounts.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := store.GetAccount(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
			return
		}
		fresh, err := refresher.Refresh(r.Context(), acc)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "refreshed",
			"email":      fresh.Email,
			"expires_at": fresh.ExpiresAt,
		})
	}
}

// RefreshAllHandler handles POST /api/refresh: refresh every enabled
// account, bounded by the refresher's concurrency limit.
func RefreshAllHandler(refresher *accounts.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, failed := refresher.RefreshAll(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"refreshed": ok, "failed": failed})
	}
}

// RoutingGetHandler handles GET /api/routing.
func RoutingGetHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rt.Config())
	}
}

// RoutingPutHandler handles PUT /api/routing: validate the document
// against the account store, persist it atomically, then swap it into
// the live router.
func RoutingPutHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg routing.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		cfg.Normalize()
		if err := cfg.Validate(store.HasAccount); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := fileStore.Save(&cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		rt.SetConfig(&cfg)
		log.Infof("🧭 Routing config updated: %d flows, %d routes", len(cfg.Flows), len(cfg.AccountRouting.Routes))
		writeJSON(w, http.StatusOK, &cfg)
	}
}

// RoutingCleanupHandler handles POST /api/routing/cleanup: the explicit
// stale-reference prune. Load never prunes on its own; this endpoint is
// the only place dangling account references are removed.
func RoutingCleanupHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := fileStore.Load()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		result := cfg.CleanupStaleRefs(store.HasAccount)
		if err := fileStore.Save(cfg); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		rt.SetConfig(cfg)
		log.Infof("🧹 Routing cleanup: %d flow entries, %d route entries, %d routes removed",
			result.FlowEntriesRemoved, result.RouteEntriesRemoved, result.RoutesRemoved)
		writeJSON(w, http.StatusOK, result)
	}
}

// poolStatus summarizes one provider pool for the status endpoint.
type poolStatus struct {
	Accounts    int   `json:"accounts"`
	Disabled    int   `json:"disabled"`
	RateLimited int   `json:"rate_limited"`
	MinWaitMs   int64 `json:"min_wait_ms,omitempty"`
}

// StatusHandler handles GET /api/status: pool availability per provider
// plus aggregate request statistics.
func StatusHandler(store *db.Store, selector *accounts.Selector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools := map[string]*poolStatus{}
		for _, provider := range []upstream.Provider{upstream.ProviderAntigravity, upstream.ProviderCodex, upstream.ProviderClaude} {
			all, err := store.ListAccounts(string(provider))
			if err != nil {
				continue
			}
			status := &poolStatus{Accounts: len(all)}
			now := time.Now()
			var minWait time.Duration = -1
			for _, acc := range all {
				if acc.Disabled {
					status.Disabled++
					continue
				}
				until, _ := selector.RateLimitedUntil(provider, acc.ID)
				if until.After(now) {
					status.RateLimited++
					if wait := until.Sub(now); minWait < 0 || wait < minWait {
						minWait = wait
					}
				}
			}
			if status.RateLimited == status.Accounts-status.Disabled && minWait > 0 {
				status.MinWaitMs = minWait.Milliseconds()
			}
			pools[string(provider)] = status
		}

		payload := map[string]interface{}{
			"version": version.Version,
			"pools":   pools,
		}
		if stats, err := store.Stats(); err == nil {
			payload["requests"] = stats
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// RecentRequestsHandler handles GET /api/requests.
func RecentRequestsHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := store.RecentRequests(limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"requests": entries})
	}
}

// GetAPIKeyHandler handles GET /api/config/apikey.
func GetAPIKeyHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": store.APIKey()})
	}
}

// RegenerateAPIKeyHandler handles POST /api/config/apikey/regenerate.
func RegenerateAPIKeyHandler(store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": store.RegenerateAPIKey()})
	}
}
