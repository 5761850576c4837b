package serve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/alert"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/history"
	"github.com/chirino/dbhealth-service/internal/plugin/route/admin"
	"github.com/chirino/dbhealth-service/internal/plugin/route/health"
	routesystem "github.com/chirino/dbhealth-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/dbhealth-service/internal/plugin/store/metrics"
	"github.com/chirino/dbhealth-service/internal/probe"
	registrycache "github.com/chirino/dbhealth-service/internal/registry/cache"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
	registryroute "github.com/chirino/dbhealth-service/internal/registry/route"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/chirino/dbhealth-service/internal/security"
	"github.com/chirino/dbhealth-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.AlertStore
	Sampler         *service.Sampler
	Prober          probe.Prober
	Router          *gin.Engine
	Running         *RunningServer
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	s.Prober.Close()
	return err
}

// StartServer initializes all subsystems, starts the sampling loop, and serves
// the HTTP API. Use cfg.Listener.Port=0 for a random port; the actual port is
// Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting connection health monitor",
		"httpPort", cfg.Listener.Port,
		"sampleInterval", cfg.SampleInterval,
		"store", cfg.StoreType,
		"cache", cfg.CacheType,
		"notify", cfg.NotifyTypes,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize alert event store (optional).
	var store registrystore.AlertStore
	if cfg.StoreType != "" && cfg.StoreType != "none" {
		storeLoader, err := registrystore.Select(cfg.StoreType)
		if err != nil {
			return nil, err
		}
		store, err = storeLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alert store: %w", err)
		}
		store = storemetrics.Wrap(store)
	}

	// Initialize snapshot cache (optional).
	var snapshotCache registrycache.SnapshotCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if snapshotCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		snapshotCache = nil
	}

	// Initialize notifiers.
	var notifiers []registrynotify.Notifier
	for _, name := range strings.Split(cfg.NotifyTypes, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == "none" {
			continue
		}
		notifyLoader, err := registrynotify.Select(name)
		if err != nil {
			return nil, err
		}
		notifier, err := notifyLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize notifier %q: %w", name, err)
		}
		notifiers = append(notifiers, notifier)
	}

	// Initialize the probe against the monitored database.
	prober, err := probe.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to monitored database: %w", err)
	}

	// Build the alert engine with any configured threshold overrides.
	checks := alert.DefaultChecks(cfg.FailureLimit)
	overrides, err := alert.ParseThresholdOverrides(cfg.ThresholdOverrides)
	if err != nil {
		return nil, fmt.Errorf("invalid --thresholds: %w", err)
	}
	checks, err = alert.ApplyOverrides(checks, overrides)
	if err != nil {
		return nil, fmt.Errorf("invalid --thresholds: %w", err)
	}
	engine := alert.NewEngine(checks, cfg.RaiseAfter, cfg.ClearAfter)

	ring := history.NewRing(cfg.RingCapacity)
	sampler := service.NewSampler(cfg, prober, engine, ring, store, snapshotCache, notifiers)
	go sampler.Run(ctx)

	if store != nil {
		retention := service.NewRetentionService(store, cfg.EventRetention, cfg.PruneBatchSize,
			time.Duration(cfg.PruneBatchDelay)*time.Millisecond)
		go retention.Start(ctx)
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware())

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	health.MountRoutes(router, sampler, store, auth)
	admin.MountRoutes(router, sampler, cfg, auth)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management listener. Otherwise,
	// mount them on the main router so single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		mgmt, err := StartHTTPListener("management", mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", mgmt.Addr)
		closeManagement = mgmt.Close
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartHTTPListener("main", cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Sampler:         sampler,
		Prober:          prober,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
