package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mapcache/internal/cache"
	"mapcache/internal/config"
	"mapcache/internal/download"
	"mapcache/internal/offline"
	"mapcache/internal/upstream"
)

type Handlers struct {
	config     *config.Config
	logger     *zap.Logger
	cache      cache.Cache
	store      *cache.Store
	fetcher    *upstream.Fetcher
	downloader *download.Downloader
	now        func() time.Time

	fetches singleflight.Group

	mu           sync.Mutex
	revalidating map[string]*upstream.Request
}

// New wires the handlers. store and downloader are nil when the offline
// store is disabled; the region and ambient APIs then answer 503.
func New(config *config.Config, logger *zap.Logger, c cache.Cache, store *cache.Store, fetcher *upstream.Fetcher, downloader *download.Downloader) *Handlers {
	return &Handlers{
		config:       config,
		logger:       logger,
		cache:        c,
		store:        store,
		fetcher:      fetcher,
		downloader:   downloader,
		now:          time.Now,
		revalidating: make(map[string]*upstream.Request),
	}
}

// Register mounts every route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/tiles/", h.HandleTile)
	mux.HandleFunc("/resource", h.HandleResource)
	mux.HandleFunc("/api/regions", h.HandleRegions)
	mux.HandleFunc("/api/regions/", h.HandleRegionRoutes)
	mux.HandleFunc("/api/ambient", h.HandleAmbient)
	mux.HandleFunc("/api/ambient/", h.HandleAmbientRoutes)
	mux.HandleFunc("/api/pack", h.HandlePack)
}

// Close cancels background revalidations.
func (h *Handlers) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, req := range h.revalidating {
		req.Cancel()
		delete(h.revalidating, key)
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requireStore answers 503 when the offline store is disabled.
func (h *Handlers) requireStore(w http.ResponseWriter) bool {
	if h.store == nil {
		http.Error(w, "Offline store disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError maps store error kinds to HTTP statuses.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	if errors.Is(err, cache.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch offline.CodeOf(err) {
	case offline.CodeNotFound:
		return http.StatusNotFound
	case offline.CodeReadOnly:
		return http.StatusConflict
	case offline.CodeTileLimitExceeded:
		return http.StatusTooManyRequests
	case offline.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
