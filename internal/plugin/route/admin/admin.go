// Package admin exposes operator endpoints: runtime threshold tuning and
// Prometheus-backed long-horizon stats.
package admin

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/security"
	"github.com/gin-gonic/gin"
)

// CheckAdmin is the admin-facing surface of the sampling loop.
type CheckAdmin interface {
	States() []model.CheckState
	UpdateThresholds(check string, warning, critical float64) error
}

// MountRoutes mounts admin API routes.
func MountRoutes(r *gin.Engine, admin CheckAdmin, cfg *config.Config, auth gin.HandlerFunc) {
	requireAdmin := security.RequireAdminRole()

	g := r.Group("/v1/admin", auth, requireAdmin)

	g.GET("/checks", func(c *gin.Context) {
		listChecks(c, admin)
	})
	g.PUT("/checks/:check", func(c *gin.Context) {
		updateCheck(c, admin)
	})

	// Stats (Prometheus-backed long-horizon trends)
	stats := newPrometheusStatsHandler(cfg)
	for _, def := range statDefs {
		g.GET("/stats/"+def.Route, stats.handler(def))
	}
}

func listChecks(c *gin.Context, admin CheckAdmin) {
	c.JSON(http.StatusOK, gin.H{"checks": admin.States()})
}

type updateCheckRequest struct {
	Warning  *float64 `json:"warning" binding:"required"`
	Critical *float64 `json:"critical" binding:"required"`
}

func updateCheck(c *gin.Context, admin CheckAdmin) {
	check := c.Param("check")

	var req updateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "warning and critical thresholds are required"})
		return
	}

	if err := admin.UpdateThresholds(check, *req.Warning, *req.Critical); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Info("Thresholds updated",
		"check", check,
		"warning", *req.Warning,
		"critical", *req.Critical,
		"by", security.GetUserID(c),
	)

	for _, state := range admin.States() {
		if state.Check == check {
			c.JSON(http.StatusOK, state)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"check": check, "warning": *req.Warning, "critical": *req.Critical})
}
