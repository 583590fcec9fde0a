package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mapcache/internal/offline"
)

type regionView struct {
	ID         int64                    `json:"id"`
	Definition offline.RegionDefinition `json:"definition"`
	Metadata   string                   `json:"metadata"`
	CreatedAt  time.Time                `json:"created_at"`
}

type regionRequest struct {
	Definition *offline.RegionDefinition `json:"definition"`
	Metadata   *string                   `json:"metadata"`
}

type statusView struct {
	State                          string `json:"state"`
	CompletedResourceCount         uint64 `json:"completed_resource_count"`
	CompletedResourceSize          uint64 `json:"completed_resource_size"`
	CompletedTileCount             uint64 `json:"completed_tile_count"`
	CompletedTileSize              uint64 `json:"completed_tile_size"`
	RequiredResourceCount          uint64 `json:"required_resource_count"`
	RequiredTileCount              uint64 `json:"required_tile_count"`
	RequiredResourceCountIsPrecise bool   `json:"required_resource_count_is_precise"`
	Complete                       bool   `json:"complete"`
}

func newRegionView(r offline.Region) regionView {
	return regionView{ID: r.ID, Definition: r.Definition, Metadata: string(r.Metadata), CreatedAt: r.CreatedAt}
}

func newStatusView(s offline.RegionStatus) statusView {
	state := "inactive"
	if s.DownloadState == offline.DownloadActive {
		state = "active"
	}
	return statusView{
		State:                          state,
		CompletedResourceCount:         s.CompletedResourceCount,
		CompletedResourceSize:          s.CompletedResourceSize,
		CompletedTileCount:             s.CompletedTileCount,
		CompletedTileSize:              s.CompletedTileSize,
		RequiredResourceCount:          s.RequiredResourceCount,
		RequiredTileCount:              s.RequiredTileCount,
		RequiredResourceCountIsPrecise: s.RequiredResourceCountIsPrecise,
		Complete:                       s.RequiredResourceCount > 0 && s.Complete(),
	}
}

// HandleRegions lists (GET) or creates (POST) offline regions.
func (h *Handlers) HandleRegions(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.listRegions(w, r)
	case http.MethodPost:
		h.createRegion(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) HandleRegionRoutes(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/regions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] == "merge" {
		h.handleMerge(w, r)
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid region id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		h.handleRegion(w, r, id)
	case len(parts) == 2 && parts[1] == "status":
		h.handleRegionStatus(w, r, id)
	case len(parts) == 2 && parts[1] == "invalidate":
		h.handleRegionInvalidate(w, r, id)
	case len(parts) == 2 && parts[1] == "download":
		h.handleRegionDownload(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) listRegions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var regions []offline.Region
	err := h.store.Do(ctx, func(db *offline.Database) error {
		var err error
		regions, err = db.ListRegions(ctx)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]regionView, 0, len(regions))
	for _, region := range regions {
		views = append(views, newRegionView(region))
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) createRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Definition == nil {
		http.Error(w, "Invalid region request", http.StatusBadRequest)
		return
	}
	var metadata []byte
	if req.Metadata != nil {
		metadata = []byte(*req.Metadata)
	}

	ctx := r.Context()
	var region offline.Region
	err := h.store.Do(ctx, func(db *offline.Database) error {
		var err error
		region, err = db.CreateRegion(ctx, *req.Definition, metadata)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newRegionView(region))
}

func (h *Handlers) handleRegion(w http.ResponseWriter, r *http.Request, id int64) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		var region offline.Region
		err := h.store.Do(ctx, func(db *offline.Database) error {
			var err error
			region, err = db.GetRegion(ctx, id)
			return err
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newRegionView(region))

	case http.MethodPatch:
		var req regionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Metadata == nil {
			http.Error(w, "Invalid metadata request", http.StatusBadRequest)
			return
		}
		var metadata []byte
		err := h.store.Do(ctx, func(db *offline.Database) error {
			var err error
			metadata, err = db.UpdateMetadata(ctx, id, []byte(*req.Metadata))
			return err
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"metadata": string(metadata)})

	case http.MethodDelete:
		h.downloader.Forget(id)
		err := h.store.Do(ctx, func(db *offline.Database) error {
			return db.DeleteRegion(ctx, id)
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleRegionStatus(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := h.downloader.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newStatusView(status))
}

func (h *Handlers) handleRegionInvalidate(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	err := h.store.Do(ctx, func(db *offline.Database) error {
		return db.InvalidateRegion(ctx, id)
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleRegionDownload(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodPost:
		if err := h.downloader.Start(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		h.downloader.Stop(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMerge imports the regions of another store file on this host.
func (h *Handlers) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "Invalid merge request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var regions []offline.Region
	err := h.store.Do(ctx, func(db *offline.Database) error {
		var err error
		regions, err = db.MergeDatabase(ctx, req.Path)
		return err
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]regionView, 0, len(regions))
	for _, region := range regions {
		views = append(views, newRegionView(region))
	}
	h.writeJSON(w, http.StatusOK, views)
}
