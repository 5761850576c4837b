package health_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/plugin/route/health"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	latest *model.Snapshot
	states []model.CheckState
	level  model.AlertLevel
	snaps  []model.Snapshot
}

func (f *fakeMonitor) Latest() *model.Snapshot { return f.latest }
func (f *fakeMonitor) Last(k int) []model.Snapshot {
	if k > len(f.snaps) {
		k = len(f.snaps)
	}
	return f.snaps[len(f.snaps)-k:]
}
func (f *fakeMonitor) Range(from, to time.Time) []model.Snapshot {
	var out []model.Snapshot
	for _, s := range f.snaps {
		if !s.SampledAt.Before(from) && s.SampledAt.Before(to) {
			out = append(out, s)
		}
	}
	return out
}
func (f *fakeMonitor) States() []model.CheckState     { return f.states }
func (f *fakeMonitor) OverallLevel() model.AlertLevel { return f.level }

type fakeEventStore struct {
	events  []model.AlertEvent
	gotQry  registrystore.EventQuery
	cursor  *string
	listErr error
}

func (f *fakeEventStore) InsertEvent(_ context.Context, _ model.AlertEvent) error { return nil }
func (f *fakeEventStore) ListEvents(_ context.Context, q registrystore.EventQuery) ([]model.AlertEvent, *string, error) {
	f.gotQry = q
	return f.events, f.cursor, f.listErr
}
func (f *fakeEventStore) CountPrunableEvents(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeEventStore) PruneEvents(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}

func setupRouter(monitor health.Monitor, store registrystore.AlertStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) { c.Set("userID", "test-user"); c.Next() }
	health.MountRoutes(router, monitor, store, auth)
	return router
}

func doGet(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer test-user")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sampleSnapshot(at time.Time) model.Snapshot {
	return model.Snapshot{
		SampledAt: at,
		Census:    model.ConnectionCensus{Total: 12, Active: 3, Idle: 9},
		Capacity:  model.Capacity{MaxConnections: 100, ReservedSlots: 3, Used: 12, UtilizationPercent: 12.4},
		Agents: []model.AgentClassUsage{
			{Class: "ai", Connections: 4, IdleInTransaction: 1, Agents: []string{"supabase_ai_worker_1"}},
		},
	}
}

func TestGetConnections(t *testing.T) {
	snap := sampleSnapshot(time.Now().UTC())
	router := setupRouter(&fakeMonitor{latest: &snap, level: model.LevelWarning}, nil)

	w := doGet(t, router, "/v1/health/connections")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   model.AlertLevel `json:"status"`
		Snapshot model.Snapshot   `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, model.LevelWarning, body.Status)
	require.Equal(t, 12, body.Snapshot.Census.Total)
}

func TestGetConnectionsBeforeFirstSample(t *testing.T) {
	router := setupRouter(&fakeMonitor{}, nil)
	w := doGet(t, router, "/v1/health/connections")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetAgents(t *testing.T) {
	snap := sampleSnapshot(time.Now().UTC())
	router := setupRouter(&fakeMonitor{latest: &snap}, nil)

	w := doGet(t, router, "/v1/health/agents")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total  int                     `json:"total"`
		Agents []model.AgentClassUsage `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 4, body.Total)
	require.Len(t, body.Agents, 1)
	require.Equal(t, "ai", body.Agents[0].Class)
}

func TestGetAlerts(t *testing.T) {
	monitor := &fakeMonitor{
		level: model.LevelCritical,
		states: []model.CheckState{
			{Check: "connection_utilization", Level: model.LevelCritical, Value: 95, Warning: 80, Critical: 90},
			{Check: "waiting_backends", Level: model.LevelOK, Value: 0, Warning: 10, Critical: 50},
		},
	}
	router := setupRouter(monitor, nil)

	w := doGet(t, router, "/v1/health/alerts")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status model.AlertLevel   `json:"status"`
		Checks []model.CheckState `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, model.LevelCritical, body.Status)
	require.Len(t, body.Checks, 2)
}

func TestListEvents(t *testing.T) {
	store := &fakeEventStore{
		events: []model.AlertEvent{
			{ID: uuid.New(), Check: "waiting_backends", FromLevel: model.LevelOK, ToLevel: model.LevelWarning, Value: 12, Threshold: 10, OccurredAt: time.Now().UTC()},
		},
	}
	router := setupRouter(&fakeMonitor{}, store)

	w := doGet(t, router, "/v1/health/alerts/events?check=waiting_backends&level=WARNING&limit=10")
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, store.gotQry.Check)
	require.Equal(t, "waiting_backends", *store.gotQry.Check)
	require.NotNil(t, store.gotQry.Level)
	require.Equal(t, model.LevelWarning, *store.gotQry.Level)
	require.Equal(t, 10, store.gotQry.Limit)

	var body struct {
		Data []model.AlertEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
}

func TestListEventsStoreDisabled(t *testing.T) {
	router := setupRouter(&fakeMonitor{}, nil)
	w := doGet(t, router, "/v1/health/alerts/events")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListEventsBadSince(t *testing.T) {
	router := setupRouter(&fakeMonitor{}, &fakeEventStore{})
	w := doGet(t, router, "/v1/health/alerts/events?since=yesterday")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetHistoryLast(t *testing.T) {
	now := time.Now().UTC()
	monitor := &fakeMonitor{snaps: []model.Snapshot{
		sampleSnapshot(now.Add(-2 * time.Minute)),
		sampleSnapshot(now.Add(-1 * time.Minute)),
		sampleSnapshot(now),
	}}
	router := setupRouter(monitor, nil)

	w := doGet(t, router, "/v1/health/history?last=2")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []model.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
}

func TestGetHistoryRange(t *testing.T) {
	now := time.Now().UTC()
	monitor := &fakeMonitor{snaps: []model.Snapshot{
		sampleSnapshot(now.Add(-10 * time.Minute)),
		sampleSnapshot(now.Add(-5 * time.Minute)),
		sampleSnapshot(now),
	}}
	router := setupRouter(monitor, nil)

	from := now.Add(-6 * time.Minute).Format(time.RFC3339)
	w := doGet(t, router, "/v1/health/history?from="+from)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []model.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
}

func TestGetHistoryBadLast(t *testing.T) {
	router := setupRouter(&fakeMonitor{}, nil)
	w := doGet(t, router, "/v1/health/history?last=zero")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
