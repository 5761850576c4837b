package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/chirino/dbhealth-service/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/dbhealth-service/internal/plugin/store/postgres"
)

func setupStore(t *testing.T) (context.Context, registrystore.AlertStore) {
	t.Helper()
	dsn := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dsn
	cfg.StoreType = "postgres"
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
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
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.InsertEvent(ctx, event("connection_utilization", model.LevelWarning, now.Add(-2*time.Minute))))
	require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelCritical, now.Add(-1*time.Minute))))
	require.NoError(t, store.InsertEvent(ctx, event("connection_utilization", model.LevelOK, now)))

	events, cursor, err := store.ListEvents(ctx, registrystore.EventQuery{})
	require.NoError(t, err)
	require.Nil(t, cursor)
	require.Len(t, events, 3)
	// Newest first.
	require.True(t, now.Equal(events[0].OccurredAt))
	require.Equal(t, model.LevelOK, events[0].ToLevel)

	check := "waiting_backends"
	events, _, err = store.ListEvents(ctx, registrystore.EventQuery{Check: &check})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.LevelCritical, events[0].ToLevel)

	level := model.LevelWarning
	events, _, err = store.ListEvents(ctx, registrystore.EventQuery{Level: &level})
	require.NoError(t, err)
	require.Len(t, events, 1)

	since := now.Add(-90 * time.Second)
	events, _, err = store.ListEvents(ctx, registrystore.EventQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestListEventsCursor(t *testing.T) {
	ctx, store := setupStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelWarning, now.Add(time.Duration(i)*time.Second))))
	}

	var seen []time.Time
	var cursor *string
	for {
		events, next, err := store.ListEvents(ctx, registrystore.EventQuery{Limit: 2, AfterCursor: cursor})
		require.NoError(t, err)
		for _, e := range events {
			seen = append(seen, e.OccurredAt)
		}
		if next == nil {
			break
		}
		cursor = next
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i].Before(seen[i-1]), "expected strictly descending order")
	}
}

func TestListEventsCursorTiedTimestamps(t *testing.T) {
	ctx, store := setupStore(t)
	at := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelWarning, at)))
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
}

func TestPruneEvents(t *testing.T) {
	ctx, store := setupStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelWarning, now.Add(-48*time.Hour))))
	}
	require.NoError(t, store.InsertEvent(ctx, event("waiting_backends", model.LevelOK, now)))

	cutoff := now.Add(-24 * time.Hour)
	count, err := store.CountPrunableEvents(ctx, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 4, count)

	// Batched deletion stops once nothing old remains.
	var total int64
	for {
		n, err := store.PruneEvents(ctx, cutoff, 3)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.EqualValues(t, 4, total)

	events, _, err := store.ListEvents(ctx, registrystore.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.LevelOK, events[0].ToLevel)
}

func TestInsertEventGeneratesID(t *testing.T) {
	ctx, store := setupStore(t)

	e := event("database_reachable", model.LevelCritical, time.Now().UTC())
	e.ID = uuid.Nil
	require.NoError(t, store.InsertEvent(ctx, e))

	events, _, err := store.ListEvents(ctx, registrystore.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEqual(t, uuid.Nil, events[0].ID)
}
