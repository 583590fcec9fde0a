package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mapcache/internal/cache"
	"mapcache/internal/config"
	"mapcache/internal/download"
	httphandlers "mapcache/internal/http"
	"mapcache/internal/logger"
	"mapcache/internal/offline"
	"mapcache/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting mapcache server",
		zap.Int("port", cfg.Port),
		zap.String("cache", cfg.CacheType),
		zap.Int("tile_sources", len(cfg.TileSources)),
	)

	fetcher := upstream.New(
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithUserAgent(cfg.UpstreamUserAgent),
		upstream.WithLogger(log.Named("upstream")),
	)

	var (
		store      *cache.Store
		downloader *download.Downloader
	)
	if cfg.OfflineEnabled() {
		store, err = openStore(cfg, log)
		if err != nil {
			log.Fatal("Failed to open offline store", zap.Error(err))
		}
		downloader = download.New(store, fetcher,
			download.WithWorkers(cfg.DownloadWorkers),
			download.WithBatchSize(cfg.DownloadBatchSize),
			download.WithLogger(log.Named("download")),
		)
	}

	tileCache, err := cache.NewCache(cfg.CacheType, store, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	handlers := httphandlers.New(cfg, log, tileCache, store, fetcher, downloader)

	mux := http.NewServeMux()
	handlers.Register(mux)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	handlers.Close()
	if downloader != nil {
		downloader.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error("Failed to close offline store", zap.Error(err))
		}
	}

	log.Info("Server stopped")
}

func openStore(cfg *config.Config, log *zap.Logger) (*cache.Store, error) {
	codec, err := offline.CodecByName(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := offline.Open(cfg.DatabasePath,
		offline.WithLogger(log.Named("offline")),
		offline.WithCodec(codec),
		offline.WithMaximumAmbientCacheSize(cfg.MaxAmbientCacheSize),
		offline.WithOfflineTileCountLimit(cfg.OfflineTileCountLimit),
		offline.WithTileQuotaPrefix(cfg.TileQuotaPrefix),
		offline.WithReadOnly(cfg.ReadOnly),
		offline.WithAutoPack(cfg.AutoPack),
	)
	if err != nil {
		return nil, err
	}

	log.Info("Offline store opened",
		zap.String("path", db.Path()),
		zap.Bool("read_only", db.ReadOnly()),
		zap.Uint64("max_ambient_cache_size", cfg.MaxAmbientCacheSize),
	)
	return cache.NewStore(db, log.Named("store")), nil
}
