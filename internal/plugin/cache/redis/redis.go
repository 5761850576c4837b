package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrycache "github.com/chirino/dbhealth-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 2 * time.Minute

const latestKey = "dbhealth:snapshot:latest"

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: DBHEALTH_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheSnapshotTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a snapshot cache with an explicit TTL. Exported so
// the redis notifier can reuse the connection setup.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.SnapshotCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisSnapshotCache{client: client, ttl: ttl}, nil
}

type redisSnapshotCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *redisSnapshotCache) Available() bool {
	return true
}

func (c *redisSnapshotCache) PutLatest(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, latestKey, data, c.ttl).Err()
}

func (c *redisSnapshotCache) Latest(ctx context.Context) (*model.Snapshot, error) {
	data, err := c.client.Get(ctx, latestKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

var _ registrycache.SnapshotCache = (*redisSnapshotCache)(nil)
