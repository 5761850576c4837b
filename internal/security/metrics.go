package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	// ProbeDuration records how long each sample of the monitored database took.
	ProbeDuration prometheus.Histogram

	// ProbeFailuresTotal counts failed samples.
	ProbeFailuresTotal prometheus.Counter

	// ConnectionsByState exports the latest census per backend state.
	ConnectionsByState *prometheus.GaugeVec

	// ConnectionUtilization exports the latest utilization percent.
	ConnectionUtilization prometheus.Gauge

	// AgentConnections exports the latest per-class agent connection counts.
	AgentConnections *prometheus.GaugeVec

	// AlertLevelGauge exports each check's current level as its severity rank.
	AlertLevelGauge *prometheus.GaugeVec

	// AlertTransitionsTotal counts alert state-machine transitions.
	AlertTransitionsTotal *prometheus.CounterVec

	// DBPoolOpenConnections tracks the number of open alert-store connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum alert-store connections.
	DBPoolMaxConnections prometheus.Gauge
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or the sampler. Safe to call
// multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbhealth_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbhealth_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbhealth_service_store_latency_seconds",
			Help:    "Alert store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ProbeDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbhealth_service_probe_duration_seconds",
		Help:    "Duration of one sample of the monitored database",
		Buckets: prometheus.DefBuckets,
	})

	ProbeFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "dbhealth_service_probe_failures_total",
		Help: "Total failed samples of the monitored database",
	})

	ConnectionsByState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbhealth_service_connections",
			Help: "Latest backend count by pg_stat_activity state",
		},
		[]string{"state"},
	)

	ConnectionUtilization = f.NewGauge(prometheus.GaugeOpts{
		Name: "dbhealth_service_connection_utilization_percent",
		Help: "Latest connection-slot utilization percent",
	})

	AgentConnections = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbhealth_service_agent_connections",
			Help: "Latest connection count per configured agent class",
		},
		[]string{"class"},
	)

	AlertLevelGauge = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbhealth_service_alert_level",
			Help: "Current alert level per check (0=OK, 1=WARNING, 2=CRITICAL)",
		},
		[]string{"check"},
	)

	AlertTransitionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbhealth_service_alert_transitions_total",
			Help: "Total alert state-machine transitions",
		},
		[]string{"check", "to_level"},
	)

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "dbhealth_service_db_pool_open_connections",
		Help: "Number of open alert-store database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "dbhealth_service_db_pool_max_connections",
		Help: "Maximum number of alert-store database connections",
	})
}

// RecordSnapshot exports the latest snapshot through the Prometheus gauges.
// No-op before InitMetrics.
func RecordSnapshot(s *model.Snapshot) {
	if ConnectionsByState == nil {
		return
	}
	ProbeDuration.Observe(s.ProbeDuration.Seconds())
	if s.Failed() {
		ProbeFailuresTotal.Inc()
		return
	}
	ConnectionsByState.WithLabelValues("total").Set(float64(s.Census.Total))
	ConnectionsByState.WithLabelValues("active").Set(float64(s.Census.Active))
	ConnectionsByState.WithLabelValues("idle").Set(float64(s.Census.Idle))
	ConnectionsByState.WithLabelValues("idle_in_transaction").Set(float64(s.Census.IdleInTransaction + s.Census.IdleInTransactionAborted))
	ConnectionsByState.WithLabelValues("waiting").Set(float64(s.Census.Waiting))
	ConnectionUtilization.Set(s.Capacity.UtilizationPercent)
	for _, a := range s.Agents {
		AgentConnections.WithLabelValues(a.Class).Set(float64(a.Connections))
	}
}

// RecordCheckStates exports the current alert level of every check.
// No-op before InitMetrics.
func RecordCheckStates(states []model.CheckState) {
	if AlertLevelGauge == nil {
		return
	}
	for _, s := range states {
		AlertLevelGauge.WithLabelValues(s.Check).Set(float64(s.Level.Severity()))
	}
}

// RecordTransition counts one alert transition. No-op before InitMetrics.
func RecordTransition(event model.AlertEvent) {
	if AlertTransitionsTotal == nil {
		return
	}
	AlertTransitionsTotal.WithLabelValues(event.Check, string(event.ToLevel)).Inc()
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
