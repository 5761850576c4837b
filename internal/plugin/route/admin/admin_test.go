package admin_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/plugin/route/admin"
	"github.com/chirino/dbhealth-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fakeCheckAdmin struct {
	states  []model.CheckState
	updated map[string][2]float64
}

func (f *fakeCheckAdmin) States() []model.CheckState { return f.states }

func (f *fakeCheckAdmin) UpdateThresholds(check string, warning, critical float64) error {
	for _, s := range f.states {
		if s.Check == check {
			if f.updated == nil {
				f.updated = map[string][2]float64{}
			}
			f.updated[check] = [2]float64{warning, critical}
			return nil
		}
	}
	return fmt.Errorf("unknown check %q", check)
}

func setupAdminRouter(t *testing.T, checkAdmin admin.CheckAdmin, isAdmin bool) *gin.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	return setupAdminRouterWithConfig(t, checkAdmin, isAdmin, &cfg)
}

func setupAdminRouterWithConfig(t *testing.T, checkAdmin admin.CheckAdmin, isAdmin bool, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, "test-user")
		roles := map[string]bool{}
		if isAdmin {
			roles[security.RoleAdmin] = true
		}
		c.Set(security.ContextKeyRoles, roles)
		c.Set(security.ContextKeyIsAdmin, isAdmin)
		c.Next()
	}
	admin.MountRoutes(router, checkAdmin, cfg, auth)
	return router
}

func testStates() []model.CheckState {
	return []model.CheckState{
		{Check: "connection_utilization", Level: model.LevelOK, Warning: 80, Critical: 90, UpdatedAt: time.Now().UTC()},
		{Check: "waiting_backends", Level: model.LevelOK, Warning: 10, Critical: 50, UpdatedAt: time.Now().UTC()},
	}
}

func TestListChecks(t *testing.T) {
	router := setupAdminRouter(t, &fakeCheckAdmin{states: testStates()}, true)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/checks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Checks []model.CheckState `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Checks, 2)
}

func TestUpdateCheck(t *testing.T) {
	checkAdmin := &fakeCheckAdmin{states: testStates()}
	router := setupAdminRouter(t, checkAdmin, true)

	payload, _ := json.Marshal(map[string]float64{"warning": 70, "critical": 85})
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/checks/connection_utilization", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, [2]float64{70, 85}, checkAdmin.updated["connection_utilization"])
}

func TestUpdateCheckUnknown(t *testing.T) {
	router := setupAdminRouter(t, &fakeCheckAdmin{states: testStates()}, true)

	payload, _ := json.Marshal(map[string]float64{"warning": 1, "critical": 2})
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/checks/no_such_check", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateCheckMissingBody(t *testing.T) {
	router := setupAdminRouter(t, &fakeCheckAdmin{states: testStates()}, true)

	req := httptest.NewRequest(http.MethodPut, "/v1/admin/checks/waiting_backends", bytes.NewReader([]byte(`{"warning": 5}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRequiresAdminRole(t *testing.T) {
	router := setupAdminRouter(t, &fakeCheckAdmin{states: testStates()}, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/checks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestStatsNotConfigured(t *testing.T) {
	router := setupAdminRouter(t, &fakeCheckAdmin{states: testStates()}, true)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats/request-rate", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func statsRouter(t *testing.T, promResponse string) *gin.Engine {
	t.Helper()
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/query_range", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("query"))
		require.NotEmpty(t, r.URL.Query().Get("start"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(promResponse))
	}))
	t.Cleanup(prom.Close)

	cfg := config.DefaultConfig()
	cfg.PrometheusURL = prom.URL
	return setupAdminRouterWithConfig(t, &fakeCheckAdmin{states: testStates()}, true, &cfg)
}

func TestStatsRangeQuery(t *testing.T) {
	router := statsRouter(t, `{"status":"success","data":{"result":[
		{"metric":{},"values":[[1700000000,"42.5"],[1700000060,"NaN"]]}
	]}}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats/connection-utilization", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Metric string `json:"metric"`
		Unit   string `json:"unit"`
		Data   []struct {
			Timestamp string   `json:"timestamp"`
			Value     *float64 `json:"value"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "connection_utilization", body.Metric)
	require.Equal(t, "percent", body.Unit)
	require.Len(t, body.Data, 2)
	require.NotNil(t, body.Data[0].Value)
	require.Equal(t, 42.5, *body.Data[0].Value)
	require.Nil(t, body.Data[1].Value) // NaN becomes a gap, not an error
}

func TestStatsGroupedQuery(t *testing.T) {
	router := statsRouter(t, `{"status":"success","data":{"result":[
		{"metric":{"check":"waiting_backends"},"values":[[1700000000,"0.2"]]},
		{"metric":{},"values":[[1700000000,"0.1"]]}
	]}}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats/alert-transitions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Metric string `json:"metric"`
		Series []struct {
			Label string `json:"label"`
			Data  []struct {
				Value *float64 `json:"value"`
			} `json:"data"`
		} `json:"series"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "alert_transitions", body.Metric)
	require.Len(t, body.Series, 2)
	require.Equal(t, "waiting_backends", body.Series[0].Label)
	require.Equal(t, "unknown", body.Series[1].Label)
}

func TestStatsUpstreamError(t *testing.T) {
	router := statsRouter(t, `{"status":"error","error":"query timed out"}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats/latency-p95", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
