package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/dbhealth-service/internal/plugin/store/sqlite"
)

func setupStore(t *testing.T) (context.Context, registrystore.AlertStore) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StoreType = "sqlite"
	cfg.StoreURL = filepath.Join(t.TempDir(), "alerts.db")
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	return ctx, store
}

func event(check string, to model.AlertLevel, at time.Time) model.AlertEvent {
	return model.AlertEvent{
		ID:         uuid.New(),
		Check:      check,
		FromLevel:  model.LevelOK,
		ToLevel:    to,
		Value:      42,
		Threshold:  40,
		OccurredAt: at,
	}
}

func TestInsertAndListEvents(t *testing.T) {
	ctx, store := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.InsertEvent(ctx, event("connection_utilization", model.LevelWarning, now.Add(-2*time.Minute))))
	require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelCritical, now.Add(-1*time.Minute))))
	require.NoError(t, store.InsertEvent(ctx, event("connection_utilization", model.LevelOK, now)))

	events, cursor, err := store.ListEvents(ctx, registrystore.EventQuery{})
	require.NoError(t, err)
	require.Nil(t, cursor)
	require.Len(t, events, 3)
	require.Equal(t, model.LevelOK, events[0].ToLevel)

	check := "waiting_backends"
	events, _, err = store.ListEvents(ctx, registrystore.EventQuery{Check: &check})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.LevelCritical, events[0].ToLevel)
}

func TestListEventsCursor(t *testing.T) {
	ctx, store := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelWarning, now.Add(time.Duration(i)*time.Second))))
	}

	var seen []uuid.UUID
	var cursor *string
	for {
		events, next, err := store.ListEvents(ctx, registrystore.EventQuery{Limit: 2, AfterCursor: cursor})
		require.NoError(t, err)
		for _, e := range events {
			seen = append(seen, e.ID)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	require.Len(t, seen, 5)
}

func TestListEventsCursorTiedTimestamps(t *testing.T) {
	ctx, store := setupStore(t)
	at := time.Now().UTC().Truncate(time.Second)

	inserted := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		e := event("waiting_backends", model.LevelWarning, at)
		inserted[e.ID] = true
		require.NoError(t, store.InsertEvent(ctx, e))
	}

	events, cursor, err := store.ListEvents(ctx, registrystore.EventQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, cursor)

	// The shared timestamp must not hide the remaining event on the next page.
	events, next, err := store.ListEvents(ctx, registrystore.EventQuery{Limit: 2, AfterCursor: cursor})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Nil(t, next)

	for _, e := range events {
		require.True(t, inserted[e.ID])
	}
}

func TestPruneEvents(t *testing.T) {
	ctx, store := setupStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelWarning, now.Add(-48*time.Hour))))
	}
	require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelOK, now)))

	cutoff := now.Add(-24 * time.Hour)
	count, err := store.CountPrunableEvents(ctx, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	n, err := store.PruneEvents(ctx, cutoff, 10)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	events, _, err := store.ListEvents(ctx, registrystore.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.LevelOK, events[0].ToLevel)
}
