package cache

import (
	"context"

	"go.uber.org/zap"

	"mapcache/internal/offline"
)

// OfflineCache serves the ambient cache of a Store. Failures are logged and
// reported as misses so the proxy can fall back to upstream.
type OfflineCache struct {
	store *Store
	log   *zap.Logger
}

func NewOfflineCache(store *Store, log *zap.Logger) *OfflineCache {
	return &OfflineCache{store: store, log: log}
}

func (c *OfflineCache) Get(ctx context.Context, res offline.Resource) (*offline.Response, bool) {
	var resp *offline.Response
	err := c.store.Do(ctx, func(db *offline.Database) error {
		var err error
		resp, err = db.Get(ctx, res)
		return err
	})
	if err != nil {
		c.log.Warn("Cache read failed", zap.Stringer("resource", res), zap.Error(err))
		return nil, false
	}
	return resp, resp != nil
}

func (c *OfflineCache) Set(ctx context.Context, res offline.Resource, resp offline.Response) {
	err := c.store.Do(ctx, func(db *offline.Database) error {
		if db.ReadOnly() {
			return nil
		}
		_, _, err := db.Put(ctx, res, resp)
		return err
	})
	if err != nil {
		c.log.Warn("Cache write failed", zap.Stringer("resource", res), zap.Error(err))
	}
}

func (c *OfflineCache) Has(ctx context.Context, res offline.Resource) bool {
	var ok bool
	err := c.store.Do(ctx, func(db *offline.Database) error {
		var err error
		_, ok, err = db.Has(ctx, res)
		return err
	})
	return err == nil && ok
}

// Clear drops the ambient cache. Offline regions are kept.
func (c *OfflineCache) Clear(ctx context.Context) error {
	return c.store.Do(ctx, func(db *offline.Database) error {
		return db.ClearAmbientCache(ctx)
	})
}
