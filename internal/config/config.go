package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the health monitor.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, X-Client-ID header is accepted without an API key.
	Mode string

	// Monitored database (the probe target).
	DBURL string

	// Probe connection pool. Kept small so the monitor never contributes
	// to the connection pressure it is measuring.
	ProbeMaxConns    int
	ProbeTimeout     time.Duration
	StatementTimeout time.Duration

	// Sampler
	SampleInterval time.Duration
	SampleJitter   time.Duration
	// FailureLimit is the consecutive-failure count at which the
	// database_reachable check goes CRITICAL.
	FailureLimit int

	// Ring buffer capacity (number of retained snapshots).
	RingCapacity int

	// AgentClasses maps agent class names to application_name prefixes,
	// as a comma-separated list of class=prefix pairs.
	AgentClasses string

	// PoolerMarker is a case-insensitive substring of application_name or
	// usename that identifies backends arriving through the pooler.
	PoolerMarker string

	// Alert engine
	// ThresholdOverrides is a comma-separated list of check=warning:critical pairs.
	ThresholdOverrides string
	RaiseAfter         int
	ClearAfter         int

	// Alert-event store
	StoreType           string // "postgres", "sqlite", or "none"
	StoreURL            string // defaults to DBURL for the postgres store
	StoreMigrateAtStart bool
	DBMaxOpenConns      int
	DBMaxIdleConns      int

	// Alert-event retention
	EventRetention  time.Duration
	PruneBatchSize  int
	PruneBatchDelay int // milliseconds

	// Snapshot cache
	CacheType        string // "redis", "memory", or "none"
	RedisURL         string
	CacheSnapshotTTL time.Duration
	CacheMaxEntries  int64

	// Notifiers, comma-separated: "log", "redis", "webhook".
	NotifyTypes      string
	RedisAlertTopic  string
	WebhookURL       string
	WebhookTimeout   time.Duration
	WebhookAuthToken string

	// Prometheus
	PrometheusURL string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or
	// DBHEALTH_SERVICE_MANAGEMENT_PORT) was explicitly provided. When false,
	// management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and
	// /metrics. Disabled by default to suppress probe noise in the access log.
	ManagementAccessLog bool

	// Security
	// APIKeys maps API key values to client IDs (DBHEALTH_SERVICE_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys          map[string]string
	OIDCIssuer       string
	OIDCDiscoveryURL string
	AdminOIDCRole    string
	AdminUsers       string
	AdminClients     string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeProd,
		ProbeMaxConns:       2,
		ProbeTimeout:        10 * time.Second,
		StatementTimeout:    5 * time.Second,
		SampleInterval:      30 * time.Second,
		SampleJitter:        2 * time.Second,
		FailureLimit:        3,
		RingCapacity:        2880, // 24h at the default 30s interval
		AgentClasses:        "ai=supabase_ai_,edge=edge_function_",
		PoolerMarker:        "supavisor",
		RaiseAfter:          1,
		ClearAfter:          3,
		StoreType:           "postgres",
		StoreMigrateAtStart: true,
		DBMaxOpenConns:      5,
		DBMaxIdleConns:      2,
		EventRetention:      30 * 24 * time.Hour,
		PruneBatchSize:      1000,
		PruneBatchDelay:     100,
		CacheType:           "none",
		CacheSnapshotTTL:    5 * time.Minute,
		CacheMaxEntries:     1024,
		NotifyTypes:         "log",
		RedisAlertTopic:     "dbhealth.alerts",
		WebhookTimeout:      5 * time.Second,
		AdminOIDCRole:       "admin",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		DrainTimeout: 30,
	}
}

// ResolvedStoreURL returns the alert-store URL, falling back to the monitored
// database URL for the postgres backend.
func (c *Config) ResolvedStoreURL() string {
	if c == nil {
		return ""
	}
	if c.StoreURL != "" {
		return c.StoreURL
	}
	if c.StoreType == "postgres" {
		return c.DBURL
	}
	return ""
}
