package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"mapcache/internal/offline"
)

type ambientView struct {
	Size                  uint64 `json:"size"`
	MaximumSize           uint64 `json:"maximum_size"`
	BudgetOverruns        uint64 `json:"budget_overruns"`
	OfflineTileCount      uint64 `json:"offline_tile_count"`
	OfflineTileCountLimit uint64 `json:"offline_tile_count_limit"`
	ReadOnly              bool   `json:"read_only"`
}

// HandleAmbient reports the ambient cache and tile quota counters.
func (h *Handlers) HandleAmbient(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	var view ambientView
	err := h.store.Do(ctx, func(db *offline.Database) error {
		var err error
		if view.Size, err = db.AmbientCacheSize(ctx); err != nil {
			return err
		}
		if view.OfflineTileCount, err = db.OfflineTileCount(ctx); err != nil {
			return err
		}
		view.MaximumSize = db.MaximumAmbientCacheSize()
		view.OfflineTileCountLimit = db.OfflineTileCountLimit()
		view.BudgetOverruns = db.BudgetOverruns()
		view.ReadOnly = db.ReadOnly()
		return nil
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) HandleAmbientRoutes(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/ambient/"), "/")
	ctx := r.Context()

	switch {
	case action == "max-size" && r.Method == http.MethodPut:
		var req struct {
			Bytes *uint64 `json:"bytes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bytes == nil {
			http.Error(w, "Invalid size request", http.StatusBadRequest)
			return
		}
		h.runStore(w, r, func(db *offline.Database) error {
			return db.SetMaximumAmbientCacheSize(ctx, *req.Bytes)
		})
	case action == "invalidate" && r.Method == http.MethodPost:
		h.runStore(w, r, func(db *offline.Database) error {
			return db.InvalidateAmbientCache(ctx)
		})
	case action == "clear" && r.Method == http.MethodPost:
		if err := h.cache.Clear(ctx); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "max-size" || action == "invalidate" || action == "clear":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

// HandlePack compacts the store file.
func (h *Handlers) HandlePack(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	h.runStore(w, r, func(db *offline.Database) error {
		return db.Pack(ctx)
	})
}

// runStore runs fn on the store and answers 204 on success.
func (h *Handlers) runStore(w http.ResponseWriter, r *http.Request, fn func(db *offline.Database) error) {
	if err := h.store.Do(r.Context(), fn); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
