package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/alert"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/history"
	"github.com/chirino/dbhealth-service/internal/model"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu    sync.Mutex
	snaps []*model.Snapshot
	errs  []error
	calls int
}

func (f *fakeProber) Sample(_ context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.snaps) {
		return f.snaps[i], nil
	}
	return &model.Snapshot{SampledAt: time.Now().UTC()}, nil
}

func (f *fakeProber) Close() {}

type recordingStore struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (r *recordingStore) InsertEvent(_ context.Context, event model.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingStore) ListEvents(_ context.Context, _ registrystore.EventQuery) ([]model.AlertEvent, *string, error) {
	return nil, nil, nil
}

func (r *recordingStore) CountPrunableEvents(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *recordingStore) PruneEvents(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.AlertEvent
	err    error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, event model.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func newTestSamplerWith(prober *fakeProber, store *recordingStore, notifier *recordingNotifier) *Sampler {
	cfg := config.DefaultConfig()
	engine := alert.NewEngine(alert.DefaultChecks(cfg.FailureLimit), cfg.RaiseAfter, cfg.ClearAfter)
	ring := history.NewRing(16)
	var alertStore registrystore.AlertStore
	if store != nil {
		alertStore = store
	}
	var notifiers []registrynotify.Notifier
	if notifier != nil {
		notifiers = append(notifiers, notifier)
	}
	return NewSampler(&cfg, prober, engine, ring, alertStore, nil, notifiers)
}

func healthySnapshot() *model.Snapshot {
	return &model.Snapshot{
		SampledAt: time.Now().UTC(),
		Census:    model.ConnectionCensus{Total: 10, Active: 2, Idle: 8},
		Capacity:  model.Capacity{MaxConnections: 100, ReservedSlots: 3, Used: 10, UtilizationPercent: 10.3},
	}
}

func warningSnapshot() *model.Snapshot {
	s := healthySnapshot()
	s.Capacity.UtilizationPercent = 85
	return s
}

func TestSampleOnceAppendsToRing(t *testing.T) {
	prober := &fakeProber{snaps: []*model.Snapshot{healthySnapshot()}}
	s := newTestSamplerWith(prober, nil, nil)

	require.Nil(t, s.Latest())
	s.SampleOnce(context.Background())
	latest := s.Latest()
	require.NotNil(t, latest)
	require.Equal(t, 10, latest.Census.Total)
	require.Equal(t, model.LevelOK, s.OverallLevel())
}

func TestSampleOncePersistsAndNotifiesTransitions(t *testing.T) {
	prober := &fakeProber{snaps: []*model.Snapshot{warningSnapshot()}}
	store := &recordingStore{}
	notifier := &recordingNotifier{}
	s := newTestSamplerWith(prober, store, notifier)

	s.SampleOnce(context.Background())

	require.Equal(t, model.LevelWarning, s.OverallLevel())
	require.Len(t, store.events, 1)
	require.Equal(t, alert.CheckConnectionUtilization, store.events[0].Check)
	require.Equal(t, model.LevelWarning, store.events[0].ToLevel)
	require.Len(t, notifier.events, 1)
}

func TestSampleOnceNotifierFailureIsNotFatal(t *testing.T) {
	prober := &fakeProber{snaps: []*model.Snapshot{warningSnapshot(), healthySnapshot()}}
	notifier := &recordingNotifier{err: errors.New("sink down")}
	s := newTestSamplerWith(prober, nil, notifier)

	s.SampleOnce(context.Background())
	s.SampleOnce(context.Background())
	require.Equal(t, 2, s.ring.Len())
}

func TestSampleOnceSynthesizesFailureSnapshot(t *testing.T) {
	prober := &fakeProber{errs: []error{errors.New("connection refused")}}
	s := newTestSamplerWith(prober, nil, nil)

	s.SampleOnce(context.Background())

	latest := s.Latest()
	require.NotNil(t, latest)
	require.True(t, latest.Failed())
	require.Contains(t, latest.Err, "connection refused")

	// One failure raises the reachability check to WARNING.
	for _, st := range s.States() {
		if st.Check == alert.CheckDatabaseReachable {
			require.Equal(t, model.LevelWarning, st.Level)
		}
	}
}

func TestUpdateThresholds(t *testing.T) {
	prober := &fakeProber{snaps: []*model.Snapshot{warningSnapshot(), warningSnapshot()}}
	s := newTestSamplerWith(prober, nil, nil)

	require.NoError(t, s.UpdateThresholds(alert.CheckConnectionUtilization, 90, 95))
	s.SampleOnce(context.Background())
	require.Equal(t, model.LevelOK, s.OverallLevel())

	require.Error(t, s.UpdateThresholds("no_such_check", 1, 2))
}
