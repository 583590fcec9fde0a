package http

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mapcache/internal/cache"
	"mapcache/internal/offline"
	"mapcache/internal/upstream"
)

const (
	cacheHit   = "HIT"
	cacheStale = "STALE"
	cacheMiss  = "MISS"
)

var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".pbf":  "application/x-protobuf",
	".mvt":  "application/vnd.mapbox-vector-tile",
	".json": "application/json",
}

// HandleTile proxies /tiles/{source}/{z}/{x}/{y}[@2x].{ext}.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ext, err := parseTilePath(strings.TrimPrefix(r.URL.Path, "/tiles/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	template, ok := h.config.TileSources[key.Source]
	if !ok {
		http.Error(w, "Unknown tile source", http.StatusNotFound)
		return
	}
	key.Template = template
	h.logger.Debug("Tile request", zap.Stringer("tile", key))

	tile := offline.TileData{
		URLTemplate: template,
		PixelRatio:  uint8(key.PixelRatio),
		Z:           uint8(key.Z),
		X:           int32(key.X),
		Y:           int32(key.Y),
	}
	res := key.Resource(upstream.ExpandTile(template, tile))
	h.serve(w, r, res, contentTypes[ext])
}

// HandleResource proxies a non-tile resource: /resource?url=...&kind=style.
func (h *Handlers) HandleResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	url := r.URL.Query().Get("url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		http.Error(w, "url must be an absolute http(s) URL", http.StatusBadRequest)
		return
	}
	kind, ok := parseKind(r.URL.Query().Get("kind"))
	if !ok {
		http.Error(w, "Unknown resource kind", http.StatusBadRequest)
		return
	}
	h.serve(w, r, offline.NewResource(kind, url), "")
}

// serve answers from the cache when the stored copy is usable. A stale copy
// that does not require revalidation is served immediately and refreshed in
// the background; everything else goes upstream.
func (h *Handlers) serve(w http.ResponseWriter, r *http.Request, res offline.Resource, contentType string) {
	ctx := r.Context()
	cached, ok := h.cache.Get(ctx, res)
	if ok && cached.IsUsable(h.now()) {
		h.writeResponse(w, r, cached, contentType, cacheHit)
		return
	}
	if ok && !cached.MustRevalidate && !cached.Expires.IsZero() {
		h.revalidate(res, cached)
		h.writeResponse(w, r, cached, contentType, cacheStale)
		return
	}

	resp, err := h.fetch(ctx, res, cached)
	if err != nil {
		if upstream.IsCanceled(err) {
			return
		}
		h.writeError(w, err)
		return
	}
	if resp.Error != nil {
		if cached != nil && resp.Error.Reason != offline.ReasonNotFound {
			h.logger.Warn("Upstream failed, serving stale copy",
				zap.Stringer("resource", res), zap.String("error", resp.Error.Message))
			h.writeResponse(w, r, cached, contentType, cacheStale)
			return
		}
		writeUpstreamError(w, resp.Error)
		return
	}
	if resp.NotModified && cached != nil {
		refreshed := *cached
		refreshed.Expires = resp.Expires
		refreshed.MustRevalidate = resp.MustRevalidate
		h.writeResponse(w, r, &refreshed, contentType, cacheHit)
		return
	}
	h.writeResponse(w, r, resp, contentType, cacheMiss)
}

// fetch collapses concurrent misses for the same resource into one upstream
// request and stores the result.
func (h *Handlers) fetch(ctx context.Context, res offline.Resource, prior *offline.Response) (*offline.Response, error) {
	ch := h.fetches.DoChan(res.String(), func() (any, error) {
		shared := context.WithoutCancel(ctx)
		resp, err := h.fetcher.Fetch(shared, res, prior)
		if err != nil {
			return nil, err
		}
		if resp.Error == nil && (!resp.NotModified || prior != nil) {
			h.cache.Set(shared, res, *resp)
		}
		return resp, nil
	})
	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*offline.Response), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate refreshes res in the background. At most one revalidation per
// resource is in flight; its result is stored on the store's sequence.
func (h *Handlers) revalidate(res offline.Resource, prior *offline.Response) {
	if h.store == nil {
		return
	}
	key := res.String()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.revalidating[key]; ok {
		return
	}
	h.revalidating[key] = h.fetcher.Request(res, prior, h.store.Sequence(), func(resp *offline.Response, err error) {
		h.mu.Lock()
		delete(h.revalidating, key)
		h.mu.Unlock()

		if err != nil || resp.Error != nil {
			h.logger.Debug("Revalidation failed", zap.String("resource", key), zap.Error(err))
			return
		}
		h.store.Post(func(db *offline.Database) error {
			if db.ReadOnly() {
				return nil
			}
			_, _, err := db.Put(context.Background(), res, *resp)
			return err
		})
	})
}

func (h *Handlers) writeResponse(w http.ResponseWriter, r *http.Request, resp *offline.Response, contentType string, cacheStatus string) {
	header := w.Header()
	header.Set("X-Cache", cacheStatus)
	if resp.ETag != "" {
		header.Set("ETag", resp.ETag)
	}
	if !resp.Modified.IsZero() {
		header.Set("Last-Modified", resp.Modified.UTC().Format(http.TimeFormat))
	}
	header.Set("Cache-Control", cacheControl(resp, h.now()))

	if resp.NoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if resp.ETag != "" && r.Header.Get("If-None-Match") == resp.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(resp.Data)
	}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(resp.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(resp.Data)
}

func cacheControl(resp *offline.Response, now time.Time) string {
	if resp.MustRevalidate {
		return "no-cache"
	}
	if resp.Expires.IsZero() {
		return "public, max-age=0"
	}
	maxAge := int64(resp.Expires.Sub(now) / time.Second)
	if maxAge < 0 {
		maxAge = 0
	}
	return fmt.Sprintf("public, max-age=%d", maxAge)
}

func writeUpstreamError(w http.ResponseWriter, e *offline.ResponseError) {
	switch e.Reason {
	case offline.ReasonNotFound:
		http.Error(w, e.Message, http.StatusNotFound)
	case offline.ReasonRateLimit:
		if !e.RetryAfter.IsZero() {
			w.Header().Set("Retry-After", e.RetryAfter.UTC().Format(http.TimeFormat))
		}
		http.Error(w, e.Message, http.StatusTooManyRequests)
	case offline.ReasonConnection:
		http.Error(w, e.Message, http.StatusGatewayTimeout)
	default:
		http.Error(w, e.Message, http.StatusBadGateway)
	}
}

// parseTilePath splits "{source}/{z}/{x}/{y}[@2x].{ext}".
func parseTilePath(p string) (cache.TileKey, string, error) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 || parts[0] == "" {
		return cache.TileKey{}, "", fmt.Errorf("invalid tile path")
	}

	ext := path.Ext(parts[3])
	last := strings.TrimSuffix(parts[3], ext)
	key := cache.TileKey{Source: parts[0], PixelRatio: 1}
	if strings.HasSuffix(last, "@2x") {
		key.PixelRatio = 2
		last = strings.TrimSuffix(last, "@2x")
	}

	if _, err := fmt.Sscanf(parts[1], "%d", &key.Z); err != nil {
		return cache.TileKey{}, "", fmt.Errorf("invalid zoom level")
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &key.X); err != nil {
		return cache.TileKey{}, "", fmt.Errorf("invalid x coordinate")
	}
	if _, err := fmt.Sscanf(last, "%d", &key.Y); err != nil {
		return cache.TileKey{}, "", fmt.Errorf("invalid y coordinate")
	}
	if key.Z < 0 || key.Z > 30 {
		return cache.TileKey{}, "", fmt.Errorf("invalid zoom level")
	}
	limit := 1 << key.Z
	if key.X < 0 || key.X >= limit || key.Y < 0 || key.Y >= limit {
		return cache.TileKey{}, "", fmt.Errorf("tile coordinates out of range")
	}
	return key, ext, nil
}

func parseKind(name string) (offline.Kind, bool) {
	switch name {
	case "", "unknown":
		return offline.KindUnknown, true
	case "style":
		return offline.KindStyle, true
	case "source":
		return offline.KindSource, true
	case "glyphs":
		return offline.KindGlyphs, true
	case "sprite-image":
		return offline.KindSpriteImage, true
	case "sprite-json":
		return offline.KindSpriteJSON, true
	case "image":
		return offline.KindImage, true
	default:
		return offline.KindUnknown, false
	}
}
