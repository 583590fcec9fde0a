package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port                  int               `env:"PORT" envDefault:"8080"`
	DataDir               string            `env:"DATA_DIR" envDefault:"/data"`
	DatabasePath          string            `env:"DATABASE_PATH"`
	CacheType             string            `env:"CACHE" envDefault:"offline"`
	MaxAmbientCacheSize   uint64            `env:"MAX_AMBIENT_CACHE_SIZE" envDefault:"52428800"`
	OfflineTileCountLimit uint64            `env:"OFFLINE_TILE_COUNT_LIMIT" envDefault:"6000"`
	TileQuotaPrefix       string            `env:"TILE_QUOTA_PREFIX"`
	ReadOnly              bool              `env:"READ_ONLY" envDefault:"false"`
	AutoPack              bool              `env:"AUTO_PACK" envDefault:"true"`
	Compression           string            `env:"COMPRESSION" envDefault:"zstd"`
	UpstreamTimeout       time.Duration     `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UpstreamUserAgent     string            `env:"UPSTREAM_USER_AGENT" envDefault:"mapcache/1.0"`
	TileSources           map[string]string `env:"TILE_SOURCES" envSeparator:"," envKeyValSeparator:"="`
	DownloadWorkers       int               `env:"DOWNLOAD_WORKERS" envDefault:"4"`
	DownloadBatchSize     int               `env:"DOWNLOAD_BATCH_SIZE" envDefault:"64"`
	LogLevel              string            `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding           string            `env:"LOG_ENCODING" envDefault:"json"`
	AllowedOrigin         string            `env:"ALLOWED_ORIGIN"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "offline.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.CacheType {
	case "offline", "disabled":
	default:
		return fmt.Errorf("unknown cache type: %s (supported: offline, disabled)", c.CacheType)
	}
	switch c.Compression {
	case "zstd", "zlib", "none":
	default:
		return fmt.Errorf("unknown compression: %s (supported: zstd, zlib, none)", c.Compression)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	for name, template := range c.TileSources {
		if !strings.Contains(template, "{z}") || !strings.Contains(template, "{x}") || !strings.Contains(template, "{y}") {
			return fmt.Errorf("tile source %q: template must contain {z}, {x} and {y}", name)
		}
	}
	return nil
}

// OfflineEnabled reports whether the store is opened at all.
func (c *Config) OfflineEnabled() bool {
	return c.CacheType == "offline"
}
