// Package memory provides an in-process snapshot cache for single-instance
// deployments where Redis is not available.
package memory

import (
	"context"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrycache "github.com/chirino/dbhealth-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const defaultTTL = 2 * time.Minute

const latestKey = "snapshot:latest"

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.SnapshotCache, error) {
			cfg := config.FromContext(ctx)
			maxEntries := int64(1024)
			ttl := defaultTTL
			if cfg != nil {
				if cfg.CacheMaxEntries > 0 {
					maxEntries = int64(cfg.CacheMaxEntries)
				}
				if cfg.CacheSnapshotTTL > 0 {
					ttl = cfg.CacheSnapshotTTL
				}
			}
			inner, err := ristretto.NewCache(&ristretto.Config[string, model.Snapshot]{
				NumCounters: maxEntries * 10,
				MaxCost:     maxEntries,
				BufferItems: 64,
			})
			if err != nil {
				return nil, err
			}
			return &memorySnapshotCache{cache: inner, ttl: ttl}, nil
		},
	})
}

type memorySnapshotCache struct {
	cache *ristretto.Cache[string, model.Snapshot]
	ttl   time.Duration
}

func (c *memorySnapshotCache) Available() bool { return true }

func (c *memorySnapshotCache) PutLatest(_ context.Context, snap model.Snapshot) error {
	c.cache.SetWithTTL(latestKey, snap, 1, c.ttl)
	// Make the write visible to immediate readers.
	c.cache.Wait()
	return nil
}

func (c *memorySnapshotCache) Latest(_ context.Context) (*model.Snapshot, error) {
	snap, ok := c.cache.Get(latestKey)
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

var _ registrycache.SnapshotCache = (*memorySnapshotCache)(nil)
