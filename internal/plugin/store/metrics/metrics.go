package metrics

import (
	"context"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/chirino/dbhealth-service/internal/security"
)

// Wrap returns an AlertStore that records StoreLatency for every operation.
func Wrap(inner store.AlertStore) store.AlertStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.AlertStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) InsertEvent(ctx context.Context, event model.AlertEvent) error {
	defer observe("insert_event", time.Now())
	return m.inner.InsertEvent(ctx, event)
}

func (m *metricsStore) ListEvents(ctx context.Context, query store.EventQuery) ([]model.AlertEvent, *string, error) {
	defer observe("list_events", time.Now())
	return m.inner.ListEvents(ctx, query)
}

func (m *metricsStore) CountPrunableEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("count_prunable_events", time.Now())
	return m.inner.CountPrunableEvents(ctx, cutoff)
}

func (m *metricsStore) PruneEvents(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	defer observe("prune_events", time.Now())
	return m.inner.PruneEvents(ctx, cutoff, limit)
}
