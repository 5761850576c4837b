package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/gin-gonic/gin"
)

// statDef describes one Prometheus-backed stat endpoint. A stat with a GroupBy
// label returns one series per label value, the rest return a single series.
type statDef struct {
	Route   string
	Metric  string
	Unit    string
	PromQL  string
	GroupBy string
}

// The ring buffer covers short horizons; anything longer is answered from
// Prometheus with these canned range queries over the service's own metrics.
var statDefs = []statDef{
	{Route: "request-rate", Metric: "request_rate", Unit: "requests/sec",
		PromQL: `sum(rate(dbhealth_service_requests_total[5m]))`},
	{Route: "error-rate", Metric: "error_rate", Unit: "percent",
		PromQL: `sum(rate(dbhealth_service_requests_total{status=~"5.."}[5m])) / sum(rate(dbhealth_service_requests_total[5m])) * 100`},
	{Route: "latency-p95", Metric: "latency_p95", Unit: "seconds",
		PromQL: `histogram_quantile(0.95, sum(rate(dbhealth_service_request_duration_seconds_bucket[5m])) by (le))`},
	{Route: "probe-duration-p95", Metric: "probe_duration_p95", Unit: "seconds",
		PromQL: `histogram_quantile(0.95, sum(rate(dbhealth_service_probe_duration_seconds_bucket[5m])) by (le))`},
	{Route: "connection-utilization", Metric: "connection_utilization", Unit: "percent",
		PromQL: `avg_over_time(dbhealth_service_connection_utilization_percent[5m])`},
	{Route: "alert-transitions", Metric: "alert_transitions", Unit: "transitions/sec",
		PromQL: `sum(rate(dbhealth_service_alert_transitions_total[5m])) by (check)`, GroupBy: "check"},
	{Route: "store-latency-p95", Metric: "store_latency_p95", Unit: "seconds",
		PromQL: `histogram_quantile(0.95, sum(rate(dbhealth_service_store_latency_seconds_bucket[5m])) by (le, operation))`, GroupBy: "operation"},
}

var errPrometheusNotConfigured = errors.New("prometheus not configured")

type prometheusStatsHandler struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func newPrometheusStatsHandler(cfg *config.Config) *prometheusStatsHandler {
	baseURL := ""
	if cfg != nil {
		baseURL = strings.TrimSpace(cfg.PrometheusURL)
	}
	return &prometheusStatsHandler{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
}

type statPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

type statSeries struct {
	Label string      `json:"label"`
	Data  []statPoint `json:"data"`
}

type promRangeResult struct {
	Metric map[string]string `json:"metric"`
	Values [][]any           `json:"values"`
}

type promRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []promRangeResult `json:"result"`
	} `json:"data"`
	Error string `json:"error"`
}

func (h *prometheusStatsHandler) handler(def statDef) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, end, step := h.resolveRange(c)
		resp, err := h.queryRange(c.Request.Context(), def.PromQL, start, end, step)
		if err != nil {
			h.writePrometheusError(c, err)
			return
		}
		if def.GroupBy != "" {
			c.JSON(http.StatusOK, gin.H{
				"metric": def.Metric,
				"unit":   def.Unit,
				"series": groupedSeries(resp, def.GroupBy),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"metric": def.Metric,
			"unit":   def.Unit,
			"data":   singleSeries(resp),
		})
	}
}

// resolveRange defaults to the last hour at 60s resolution.
func (h *prometheusStatsHandler) resolveRange(c *gin.Context) (string, string, string) {
	start := strings.TrimSpace(c.Query("start"))
	end := strings.TrimSpace(c.Query("end"))
	step := strings.TrimSpace(c.DefaultQuery("step", "60s"))
	now := h.now().UTC()
	if start == "" {
		start = now.Add(-1 * time.Hour).Format(time.RFC3339)
	}
	if end == "" {
		end = now.Format(time.RFC3339)
	}
	if step == "" {
		step = "60s"
	}
	return start, end, step
}

func (h *prometheusStatsHandler) queryRange(ctx context.Context, promQL, start, end, step string) (*promRangeResponse, error) {
	if h.baseURL == "" {
		return nil, errPrometheusNotConfigured
	}
	endpoint, err := url.Parse(strings.TrimRight(h.baseURL, "/") + "/api/v1/query_range")
	if err != nil {
		return nil, fmt.Errorf("invalid Prometheus URL: %w", err)
	}
	values := endpoint.Query()
	values.Set("query", promQL)
	values.Set("start", start)
	values.Set("end", end)
	values.Set("step", step)
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build Prometheus request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not connect to Prometheus server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("prometheus query failed with status %d", resp.StatusCode)
	}

	var payload promRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode Prometheus response: %w", err)
	}
	if !strings.EqualFold(payload.Status, "success") {
		msg := strings.TrimSpace(payload.Error)
		if msg == "" {
			msg = "prometheus query failed"
		}
		return nil, errors.New(msg)
	}
	return &payload, nil
}

func (h *prometheusStatsHandler) writePrometheusError(c *gin.Context, err error) {
	if errors.Is(err, errPrometheusNotConfigured) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Prometheus not configured",
			"code":  "prometheus_not_configured",
			"details": gin.H{
				"message": "Prometheus is not configured. Set DBHEALTH_SERVICE_PROMETHEUS_URL to enable admin stats.",
			},
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "Prometheus unavailable",
		"code":  "prometheus_unavailable",
		"details": gin.H{
			"message": err.Error(),
		},
	})
}

// singleSeries flattens the first result of an ungrouped query.
func singleSeries(resp *promRangeResponse) []statPoint {
	if resp == nil || len(resp.Data.Result) == 0 {
		return []statPoint{}
	}
	return pointsFrom(resp.Data.Result[0].Values)
}

// groupedSeries emits one labeled series per result row, keyed by labelKey.
func groupedSeries(resp *promRangeResponse, labelKey string) []statSeries {
	series := []statSeries{}
	if resp == nil {
		return series
	}
	for _, result := range resp.Data.Result {
		label := result.Metric[labelKey]
		if strings.TrimSpace(label) == "" {
			label = "unknown"
		}
		series = append(series, statSeries{Label: label, Data: pointsFrom(result.Values)})
	}
	return series
}

func pointsFrom(values [][]any) []statPoint {
	points := make([]statPoint, 0, len(values))
	for _, raw := range values {
		if len(raw) < 2 {
			continue
		}
		ts, ok := unixSeconds(raw[0])
		if !ok {
			continue
		}
		value, ok := sampleValue(raw[1])
		if !ok {
			continue
		}
		points = append(points, statPoint{
			Timestamp: ts.UTC().Format(time.RFC3339),
			Value:     value,
		})
	}
	return points
}

// unixSeconds accepts the timestamp encodings Prometheus emits: a float in the
// range API, a json.Number under UseNumber decoding, or an RFC3339 string.
func unixSeconds(v any) (time.Time, bool) {
	var seconds float64
	switch value := v.(type) {
	case float64:
		seconds = value
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return time.Time{}, false
		}
		seconds = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			parsed, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return time.Time{}, false
			}
			return parsed.UTC(), true
		}
		seconds = f
	default:
		return time.Time{}, false
	}
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), true
}

// sampleValue returns a nil value (not a failure) for NaN and infinities so
// gaps survive JSON serialization.
func sampleValue(v any) (*float64, bool) {
	var f float64
	switch value := v.(type) {
	case float64:
		f = value
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return nil, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(value)
		switch s {
		case "NaN", "+Inf", "-Inf":
			return nil, true
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		f = parsed
	default:
		return nil, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, true
	}
	return &f, true
}
