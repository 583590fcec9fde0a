package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates a cache instance based on the cache type
func NewCache(cacheType string, store *Store, log *zap.Logger) (Cache, error) {
	switch cacheType {
	case "offline":
		if store == nil {
			return nil, fmt.Errorf("offline cache requires a store")
		}
		log.Info("Using offline cache", zap.String("path", store.db.Path()))
		return NewOfflineCache(store, log), nil
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: offline, disabled)", cacheType)
	}
}
