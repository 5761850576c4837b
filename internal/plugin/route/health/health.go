// Package health exposes the read-side API: the latest snapshot, agent
// accounting, current alert states, persisted transitions, and ring-buffer
// history.
package health

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// Monitor is the read surface of the sampling loop.
type Monitor interface {
	Latest() *model.Snapshot
	Last(k int) []model.Snapshot
	Range(from, to time.Time) []model.Snapshot
	States() []model.CheckState
	OverallLevel() model.AlertLevel
}

// MountRoutes mounts the health read endpoints. store may be nil when alert
// persistence is disabled; the events endpoint then returns 503.
func MountRoutes(r *gin.Engine, monitor Monitor, store registrystore.AlertStore, auth gin.HandlerFunc) {
	g := r.Group("/v1/health", auth)

	g.GET("/connections", func(c *gin.Context) {
		getConnections(c, monitor)
	})
	g.GET("/agents", func(c *gin.Context) {
		getAgents(c, monitor)
	})
	g.GET("/alerts", func(c *gin.Context) {
		getAlerts(c, monitor)
	})
	g.GET("/alerts/events", func(c *gin.Context) {
		listEvents(c, store)
	})
	g.GET("/history", func(c *gin.Context) {
		getHistory(c, monitor)
	})
}

func getConnections(c *gin.Context, monitor Monitor) {
	snap := monitor.Latest()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "no_sample", "error": "no sample taken yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   monitor.OverallLevel(),
		"snapshot": snap,
	})
}

func getAgents(c *gin.Context, monitor Monitor) {
	snap := monitor.Latest()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "no_sample", "error": "no sample taken yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sampledAt": snap.SampledAt,
		"total":     snap.AgentConnectionsTotal(),
		"agents":    snap.Agents,
	})
}

func getAlerts(c *gin.Context, monitor Monitor) {
	c.JSON(http.StatusOK, gin.H{
		"status": monitor.OverallLevel(),
		"checks": monitor.States(),
	})
}

func listEvents(c *gin.Context, store registrystore.AlertStore) {
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "store_disabled", "error": "alert event persistence is disabled"})
		return
	}

	query := registrystore.EventQuery{
		Check:       queryPtr(c, "check"),
		AfterCursor: queryPtr(c, "afterCursor"),
		Limit:       queryInt(c, "limit", 50),
	}
	if raw := c.Query("level"); raw != "" {
		level := model.ParseAlertLevel(raw)
		query.Level = &level
	}
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	query.Since = since
	until, ok := queryTime(c, "until")
	if !ok {
		return
	}
	query.Until = until

	events, cursor, err := store.ListEvents(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []model.AlertEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":        events,
		"afterCursor": cursor,
	})
}

func getHistory(c *gin.Context, monitor Monitor) {
	if raw := c.Query("last"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last parameter"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": monitor.Last(k)})
		return
	}

	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}

	now := time.Now().UTC()
	fromTime := now.Add(-1 * time.Hour)
	toTime := now.Add(time.Second)
	if from != nil {
		fromTime = *from
	}
	if to != nil {
		toTime = *to
	}
	c.JSON(http.StatusOK, gin.H{"data": monitor.Range(fromTime, toTime)})
}

func queryPtr(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// queryTime parses an RFC 3339 query parameter. On a malformed value it writes
// a 400 response and returns ok=false.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " parameter; expected RFC 3339 timestamp"})
		return nil, false
	}
	return &t, true
}
