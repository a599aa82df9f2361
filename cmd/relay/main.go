package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/accounts"
	"github.com/pysugar/llm-relay/internal/catalog"
	"github.com/pysugar/llm-relay/internal/config"
	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/logging"
	"github.com/pysugar/llm-relay/internal/proxy/handlers"
	"github.com/pysugar/llm-relay/internal/proxy/middleware"
	"github.com/pysugar/llm-relay/internal/router"
	"github.com/pysugar/llm-relay/internal/routing"
	"github.com/pysugar/llm-relay/internal/upstream"
	"github.com/pysugar/llm-relay/internal/upstream/antigravity"
	"github.com/pysugar/llm-relay/internal/upstream/claude"
	"github.com/pysugar/llm-relay/internal/upstream/codex"
	"github.com/pysugar/llm-relay/internal/version"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.Verbose)

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	store := db.NewStore(database)

	cat, err := catalog.Load(cfg.ModelsFile)
	if err != nil {
		log.Warnf("⚠️ Model catalog load: %v (continuing with defaults)", err)
	}

	httpClient := upstream.NewHTTPClient(5 * time.Minute)
	registry := upstream.Registry{
		upstream.ProviderAntigravity: antigravity.New(httpClient),
		upstream.ProviderCodex:       codex.New(httpClient),
		upstream.ProviderClaude:      claude.New(httpClient),
	}

	selector := accounts.NewSelector(store)
	refresher := accounts.NewRefresher(store, registry)
	prober := accounts.NewProber(registry)

	policy := accounts.Policy{
		StickyWindow:     cfg.Selection.StickyWindow,
		SkewThreshold:    cfg.Selection.SkewThreshold,
		SkewRecheckDelay: cfg.Selection.SkewRecheckDelay,
		QuotaResetBuffer: cfg.Selection.QuotaResetBuffer,
	}
	managers := make(map[upstream.Provider]*accounts.Manager, len(registry))
	for provider := range registry {
		managers[provider] = accounts.NewManager(provider, store, selector, refresher, prober, registry, policy)
	}

	routingStore := routing.NewFileStore(cfg.RoutingConfig)
	routingCfg, err := routingStore.Load()
	if err != nil {
		log.Fatalf("Failed to load routing config: %v", err)
	}
	if err := routingCfg.Validate(store.HasAccount); err != nil {
		// Stale references are never pruned silently; the relay starts and
		// the operator fixes the document or runs the cleanup endpoint.
		log.Warnf("⚠️ Routing config has stale references: %v", err)
	}

	relay := router.New(cat, store, selector, refresher, managers, registry, routingCfg)

	refresher.StartSweep(context.Background())

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(handlers.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminPassword))
		r.Get("/accounts", handlers.AccountsListHandler(store, selector))
		r.Post("/accounts", handlers.AccountImportHandler(store, selector))
		r.Delete("/accounts/{id}", handlers.AccountDeleteHandler(store))
		r.Post("/accounts/{id}/disable", handlers.AccountDisableHandler(store))
		r.Post("/accounts/{id}/refresh", handlers.AccountRefreshHandler(store, refresher))
		r.Post("/refresh", handlers.RefreshAllHandler(refresher))

		r.Get("/routing", handlers.RoutingGetHandler(relay))
		r.Put("/routing", handlers.RoutingPutHandler(relay, routingStore, store))
		r.Post("/routing/cleanup", handlers.RoutingCleanupHandler(relay, routingStore, store))

		r.Get("/flows", handlers.FlowsListHandler(relay))
		r.Post("/flows", handlers.FlowCreateHandler(relay, routingStore, store))
		r.Put("/flows/{id}", handlers.FlowUpdateHandler(relay, routingStore, store))
		r.Delete("/flows/{id}", handlers.FlowDeleteHandler(relay, routingStore, store))
		r.Post("/flows/{id}/activate", handlers.FlowActivateHandler(relay, routingStore, store))

		r.Get("/status", handlers.StatusHandler(store, selector))
		r.Get("/requests", handlers.RecentRequestsHandler(store))
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(store))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(store))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(store))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(relay, store))
		r.Get("/models", handlers.OpenAIModelsHandler(cat, relay.Config))
	})

	r.Route("/anthropic", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(store))
		r.Post("/v1/messages", handlers.AnthropicMessagesHandler(relay, store))
	})

	addr := cfg.Addr()
	log.Infof("🚀 LLM Relay %s starting on http://%s", version.Version, addr)
	log.Infof("🔌 OpenAI API: http://%s/v1", addr)
	log.Infof("🔌 Anthropic API: http://%s/anthropic/v1", addr)
	log.Infof("🛠️ Management API: http://%s/api", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
