package cache

import (
	"context"

	"mapcache/internal/offline"
)

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(ctx context.Context, res offline.Resource) (*offline.Response, bool) {
	return nil, false
}

func (c *NoopCache) Set(ctx context.Context, res offline.Resource, resp offline.Response) {
}

func (c *NoopCache) Has(ctx context.Context, res offline.Resource) bool {
	return false
}

func (c *NoopCache) Clear(ctx context.Context) error {
	return nil
}
