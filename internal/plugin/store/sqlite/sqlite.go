// Package sqlite provides a single-file AlertStore for deployments without a
// second Postgres database to hold alert history.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS alert_events (
    id          TEXT PRIMARY KEY,
    check_name  TEXT NOT NULL,
    from_level  TEXT NOT NULL,
    to_level    TEXT NOT NULL,
    value       REAL NOT NULL,
    threshold   REAL NOT NULL,
    occurred_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_events_occurred_at ON alert_events (occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_alert_events_check ON alert_events (check_name, occurred_at DESC);
`

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.AlertStore, error) {
			cfg := config.FromContext(ctx)
			db, err := openDB(cfg)
			if err != nil {
				return nil, err
			}
			return &SqliteStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	path := cfg.StoreURL
	if path == "" {
		path = "dbhealth.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	// SQLite handles one writer at a time.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.StoreMigrateAtStart {
		return nil
	}
	if cfg.StoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("SQLite schema migration complete")
	return nil
}

// SqliteStore implements AlertStore using GORM + SQLite.
type SqliteStore struct {
	db *gorm.DB
}

type alertEventRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	CheckName  string    `gorm:"column:check_name"`
	FromLevel  string    `gorm:"column:from_level"`
	ToLevel    string    `gorm:"column:to_level"`
	Value      float64   `gorm:"column:value"`
	Threshold  float64   `gorm:"column:threshold"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (alertEventRow) TableName() string { return "alert_events" }

func (s *SqliteStore) InsertEvent(ctx context.Context, event model.AlertEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	row := alertEventRow{
		ID:         event.ID.String(),
		CheckName:  event.Check,
		FromLevel:  string(event.FromLevel),
		ToLevel:    string(event.ToLevel),
		Value:      event.Value,
		Threshold:  event.Threshold,
		OccurredAt: event.OccurredAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

func (s *SqliteStore) ListEvents(ctx context.Context, query registrystore.EventQuery) ([]model.AlertEvent, *string, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	tx := s.db.WithContext(ctx).Model(&alertEventRow{})
	if query.Check != nil {
		tx = tx.Where("check_name = ?", *query.Check)
	}
	if query.Level != nil {
		tx = tx.Where("to_level = ?", string(*query.Level))
	}
	if query.Since != nil {
		tx = tx.Where("occurred_at >= ?", query.Since.UTC())
	}
	if query.Until != nil {
		tx = tx.Where("occurred_at < ?", query.Until.UTC())
	}
	if query.AfterCursor != nil {
		tx = tx.Where("(occurred_at, id) < (SELECT occurred_at, id FROM alert_events WHERE id = ?)", *query.AfterCursor)
	}

	var rows []alertEventRow
	if err := tx.Order("occurred_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list alert events: %w", err)
	}

	var cursor *string
	if len(rows) > limit {
		rows = rows[:limit]
		c := rows[len(rows)-1].ID
		cursor = &c
	}

	events := make([]model.AlertEvent, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt alert event id %q: %w", r.ID, err)
		}
		events = append(events, model.AlertEvent{
			ID:         id,
			Check:      r.CheckName,
			FromLevel:  model.AlertLevel(r.FromLevel),
			ToLevel:    model.AlertLevel(r.ToLevel),
			Value:      r.Value,
			Threshold:  r.Threshold,
			OccurredAt: r.OccurredAt.UTC(),
		})
	}
	return events, cursor, nil
}

func (s *SqliteStore) CountPrunableEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&alertEventRow{}).
		Where("occurred_at < ?", cutoff.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count prunable events: %w", err)
	}
	return count, nil
}

func (s *SqliteStore) PruneEvents(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM alert_events WHERE id IN (
			SELECT id FROM alert_events WHERE occurred_at < ? ORDER BY occurred_at ASC LIMIT ?
		)`, cutoff.UTC(), limit)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune alert events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ registrystore.AlertStore = (*SqliteStore)(nil)
