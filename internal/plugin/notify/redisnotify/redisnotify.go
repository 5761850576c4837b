// Package redisnotify publishes alert transitions to a Redis pub/sub topic so
// other services can react to database health changes.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTopic = "dbhealth.alerts"

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RedisURL == "" {
				return nil, fmt.Errorf("redis notifier: DBHEALTH_SERVICE_REDIS_URL is required")
			}
			opts, err := goredis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
			}
			client := goredis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("redis notifier: ping failed: %w", err)
			}
			topic := cfg.RedisAlertTopic
			if topic == "" {
				topic = defaultTopic
			}
			return &redisNotifier{client: client, topic: topic}, nil
		},
	})
}

type redisNotifier struct {
	client *goredis.Client
	topic  string
}

func (n *redisNotifier) Name() string { return "redis" }

func (n *redisNotifier) Notify(ctx context.Context, event model.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.topic, data).Err()
}

var _ registrynotify.Notifier = (*redisNotifier)(nil)
