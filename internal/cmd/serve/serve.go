package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/config"
	registrycache "github.com/chirino/dbhealth-service/internal/registry/cache"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/dbhealth-service/internal/plugin/cache/memory"
	_ "github.com/chirino/dbhealth-service/internal/plugin/cache/noop"
	_ "github.com/chirino/dbhealth-service/internal/plugin/cache/redis"
	_ "github.com/chirino/dbhealth-service/internal/plugin/notify/lognotify"
	_ "github.com/chirino/dbhealth-service/internal/plugin/notify/redisnotify"
	_ "github.com/chirino/dbhealth-service/internal/plugin/notify/webhook"
	_ "github.com/chirino/dbhealth-service/internal/plugin/route/system"
	_ "github.com/chirino/dbhealth-service/internal/plugin/store/postgres"
	_ "github.com/chirino/dbhealth-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the connection health monitor",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.LoadAPIKeysFromEnv()
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Monitored Database ────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Monitored Database:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Connection URL of the PostgreSQL database to monitor",
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "probe-max-conns",
			Category:    "Monitored Database:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PROBE_MAX_CONNS"),
			Destination: &cfg.ProbeMaxConns,
			Value:       cfg.ProbeMaxConns,
			Usage:       "Maximum probe pool connections; kept small so the monitor does not add connection pressure",
		},
		&cli.DurationFlag{
			Name:        "probe-timeout",
			Category:    "Monitored Database:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PROBE_TIMEOUT"),
			Destination: &cfg.ProbeTimeout,
			Value:       cfg.ProbeTimeout,
			Usage:       "Timeout for one complete sample",
		},
		&cli.DurationFlag{
			Name:        "statement-timeout",
			Category:    "Monitored Database:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_STATEMENT_TIMEOUT"),
			Destination: &cfg.StatementTimeout,
			Value:       cfg.StatementTimeout,
			Usage:       "statement_timeout applied to probe sessions",
		},

		// ── Sampler ───────────────────────────────────────────────
		&cli.DurationFlag{
			Name:        "sample-interval",
			Category:    "Sampler:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_SAMPLE_INTERVAL"),
			Destination: &cfg.SampleInterval,
			Value:       cfg.SampleInterval,
			Usage:       "Time between samples",
		},
		&cli.DurationFlag{
			Name:        "sample-jitter",
			Category:    "Sampler:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_SAMPLE_JITTER"),
			Destination: &cfg.SampleJitter,
			Value:       cfg.SampleJitter,
			Usage:       "Random jitter added to each sampling interval",
		},
		&cli.IntFlag{
			Name:        "ring-capacity",
			Category:    "Sampler:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_RING_CAPACITY"),
			Destination: &cfg.RingCapacity,
			Value:       cfg.RingCapacity,
			Usage:       "Number of snapshots retained in the in-memory history ring",
		},
		&cli.StringFlag{
			Name:        "agent-classes",
			Category:    "Sampler:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_AGENT_CLASSES"),
			Destination: &cfg.AgentClasses,
			Value:       cfg.AgentClasses,
			Usage:       "Comma-separated class=prefix pairs mapping application_name prefixes to agent classes",
		},
		&cli.StringFlag{
			Name:        "pooler-marker",
			Category:    "Sampler:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_POOLER_MARKER"),
			Destination: &cfg.PoolerMarker,
			Value:       cfg.PoolerMarker,
			Usage:       "Substring of application_name or usename identifying pooler-routed backends",
		},

		// ── Alerting ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "thresholds",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_THRESHOLDS"),
			Destination: &cfg.ThresholdOverrides,
			Usage:       "Comma-separated check=warning:critical threshold overrides",
		},
		&cli.IntFlag{
			Name:        "raise-after",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_RAISE_AFTER"),
			Destination: &cfg.RaiseAfter,
			Value:       cfg.RaiseAfter,
			Usage:       "Consecutive samples above a threshold before a level is raised",
		},
		&cli.IntFlag{
			Name:        "clear-after",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_CLEAR_AFTER"),
			Destination: &cfg.ClearAfter,
			Value:       cfg.ClearAfter,
			Usage:       "Consecutive samples below a threshold before a level is cleared",
		},
		&cli.IntFlag{
			Name:        "failure-limit",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_FAILURE_LIMIT"),
			Destination: &cfg.FailureLimit,
			Value:       cfg.FailureLimit,
			Usage:       "Consecutive probe failures before database_reachable goes CRITICAL",
		},
		&cli.StringFlag{
			Name:        "notify",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_NOTIFY"),
			Destination: &cfg.NotifyTypes,
			Value:       cfg.NotifyTypes,
			Usage:       "Comma-separated notifiers (" + strings.Join(registrynotify.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-alert-topic",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_REDIS_ALERT_TOPIC"),
			Destination: &cfg.RedisAlertTopic,
			Value:       cfg.RedisAlertTopic,
			Usage:       "Redis pub/sub channel for the redis notifier",
		},
		&cli.StringFlag{
			Name:        "webhook-url",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_WEBHOOK_URL"),
			Destination: &cfg.WebhookURL,
			Usage:       "Endpoint for the webhook notifier",
		},
		&cli.DurationFlag{
			Name:        "webhook-timeout",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_WEBHOOK_TIMEOUT"),
			Destination: &cfg.WebhookTimeout,
			Value:       cfg.WebhookTimeout,
			Usage:       "HTTP timeout for the webhook notifier",
		},
		&cli.StringFlag{
			Name:        "webhook-auth-token",
			Category:    "Alerting:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_WEBHOOK_AUTH_TOKEN"),
			Destination: &cfg.WebhookAuthToken,
			Usage:       "Bearer token sent with webhook notifications",
		},

		// ── Alert Event Store ─────────────────────────────────────
		&cli.StringFlag{
			Name:        "store-kind",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_STORE_KIND"),
			Destination: &cfg.StoreType,
			Value:       cfg.StoreType,
			Usage:       "Alert event store (none|" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "store-url",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_STORE_URL"),
			Destination: &cfg.StoreURL,
			Usage:       "Alert store URL or path; defaults to --db-url for the postgres store",
		},
		&cli.BoolFlag{
			Name:        "store-migrate-at-start",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_STORE_MIGRATE_AT_START"),
			Destination: &cfg.StoreMigrateAtStart,
			Value:       cfg.StoreMigrateAtStart,
			Usage:       "Run store schema migrations at startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open alert-store connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle alert-store connections",
		},
		&cli.DurationFlag{
			Name:        "event-retention",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_EVENT_RETENTION"),
			Destination: &cfg.EventRetention,
			Value:       cfg.EventRetention,
			Usage:       "How long alert events are retained before pruning",
		},
		&cli.IntFlag{
			Name:        "prune-batch-size",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PRUNE_BATCH_SIZE"),
			Destination: &cfg.PruneBatchSize,
			Value:       cfg.PruneBatchSize,
			Usage:       "Events deleted per prune batch",
		},
		&cli.IntFlag{
			Name:        "prune-batch-delay-ms",
			Category:    "Alert Event Store:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PRUNE_BATCH_DELAY_MS"),
			Destination: &cfg.PruneBatchDelay,
			Value:       cfg.PruneBatchDelay,
			Usage:       "Delay between prune batches in milliseconds",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Snapshot cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-hosts",
			Category:    "Cache:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_REDIS_URL", "DBHEALTH_SERVICE_REDIS_HOSTS"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "cache-snapshot-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_CACHE_SNAPSHOT_TTL"),
			Destination: &cfg.CacheSnapshotTTL,
			Value:       cfg.CacheSnapshotTTL,
			Usage:       "TTL for the published latest snapshot",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "roles-admin-oidc-role",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_ROLES_ADMIN_OIDC_ROLE"),
			Destination: &cfg.AdminOIDCRole,
			Value:       cfg.AdminOIDCRole,
			Usage:       "OIDC role name that maps to admin permissions",
		},
		&cli.StringFlag{
			Name:        "roles-admin-users",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_ROLES_ADMIN_USERS"),
			Destination: &cfg.AdminUsers,
			Usage:       "Comma-separated user IDs with admin permissions",
		},
		&cli.StringFlag{
			Name:        "roles-admin-clients",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_ROLES_ADMIN_CLIENTS"),
			Destination: &cfg.AdminClients,
			Usage:       "Comma-separated API client IDs with admin permissions",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "prometheus-url",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_PROMETHEUS_URL"),
			Destination: &cfg.PrometheusURL,
			Usage:       "Prometheus base URL for admin stats (e.g. http://prometheus:9090)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("DBHEALTH_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=dbhealth-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
