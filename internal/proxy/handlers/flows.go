package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pysugar/llm-relay/internal/db"
	"github.com/pysugar/llm-relay/internal/router"
	"github.com/pysugar/llm-relay/internal/routing"
)

var errFlowNotFound = errors.New("flow not found")

// Flow convenience endpoints. Each one rewrites the persisted routing
// document as a whole so PUT /api/routing and the per-flow handlers can
// never diverge: load, mutate, validate, save, swap.

func mutateRouting(rt *router.Router, fileStore *routing.FileStore, store *db.Store,
	w http.ResponseWriter, mutate func(cfg *routing.Config) (int, error)) (*routing.Config, bool) {
	cfg, err := fileStore.Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return nil, false
	}
	status, err := mutate(cfg)
	if err != nil {
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return nil, false
	}
	cfg.Normalize()
	if err := cfg.Validate(store.HasAccount); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	if err := fileStore.Save(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return nil, false
	}
	rt.SetConfig(cfg)
	return cfg, true
}

// FlowsListHandler handles GET /api/flows.
func FlowsListHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := rt.Config()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"flows":        cfg.Flows,
			"activeFlowId": cfg.ActiveFlowID,
		})
	}
}

// FlowCreateHandler handles POST /api/flows.
func FlowCreateHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var flow routing.Flow
		if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		if flow.ID == "" {
			flow.ID = uuid.NewString()
		}
		cfg, ok := mutateRouting(rt, fileStore, store, w, func(cfg *routing.Config) (int, error) {
			cfg.Flows = append(cfg.Flows, flow)
			return 0, nil
		})
		if !ok {
			return
		}
		log.Infof("🧭 Flow %q created (%d entries)", flow.Name, len(flow.Entries))
		writeJSON(w, http.StatusCreated, cfg.FlowByID(flow.ID))
	}
}

// FlowUpdateHandler handles PUT /api/flows/{id}: replace one flow's name
// and entries, keeping its id.
func FlowUpdateHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var flow routing.Flow
		if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
		flow.ID = id
		cfg, ok := mutateRouting(rt, fileStore, store, w, func(cfg *routing.Config) (int, error) {
			for i := range cfg.Flows {
				if cfg.Flows[i].ID == id {
					cfg.Flows[i] = flow
					return 0, nil
				}
			}
			return http.StatusNotFound, errFlowNotFound
		})
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, cfg.FlowByID(id))
	}
}

// FlowDeleteHandler handles DELETE /api/flows/{id}. Deleting the active
// flow clears the active selection.
func FlowDeleteHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		_, ok := mutateRouting(rt, fileStore, store, w, func(cfg *routing.Config) (int, error) {
			for i := range cfg.Flows {
				if cfg.Flows[i].ID == id {
					cfg.Flows = append(cfg.Flows[:i], cfg.Flows[i+1:]...)
					if cfg.ActiveFlowID == id {
						cfg.ActiveFlowID = ""
					}
					return 0, nil
				}
			}
			return http.StatusNotFound, errFlowNotFound
		})
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// FlowActivateHandler handles POST /api/flows/{id}/activate: point the
// "auto" alias at this flow. The id "none" clears the selection.
func FlowActivateHandler(rt *router.Router, fileStore *routing.FileStore, store *db.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		cfg, ok := mutateRouting(rt, fileStore, store, w, func(cfg *routing.Config) (int, error) {
			if id == "none" {
				cfg.ActiveFlowID = ""
				return 0, nil
			}
			if cfg.FlowByID(id) == nil {
				return http.StatusNotFound, errFlowNotFound
			}
			cfg.ActiveFlowID = id
			return 0, nil
		})
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"activeFlowId": cfg.ActiveFlowID})
	}
}
