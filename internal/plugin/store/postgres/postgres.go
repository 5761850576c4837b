package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrymigrate "github.com/chirino/dbhealth-service/internal/registry/migrate"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/chirino/dbhealth-service/internal/security"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.AlertStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.ResolvedStoreURL()), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.StoreMigrateAtStart {
		return nil
	}
	if cfg.StoreType != "" && cfg.StoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.ResolvedStoreURL()), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements AlertStore using GORM + PostgreSQL.
type PostgresStore struct {
	db *gorm.DB
}

type alertEventRow struct {
	ID         uuid.UUID `gorm:"column:id;primaryKey"`
	CheckName  string    `gorm:"column:check_name"`
	FromLevel  string    `gorm:"column:from_level"`
	ToLevel    string    `gorm:"column:to_level"`
	Value      float64   `gorm:"column:value"`
	Threshold  float64   `gorm:"column:threshold"`
	OccurredAt time.Time `gorm:"column:occurred_at"`
}

func (alertEventRow) TableName() string { return "alert_events" }

func rowFromEvent(e model.AlertEvent) alertEventRow {
	return alertEventRow{
		ID:         e.ID,
		CheckName:  e.Check,
		FromLevel:  string(e.FromLevel),
		ToLevel:    string(e.ToLevel),
		Value:      e.Value,
		Threshold:  e.Threshold,
		OccurredAt: e.OccurredAt.UTC(),
	}
}

func eventFromRow(r alertEventRow) model.AlertEvent {
	return model.AlertEvent{
		ID:         r.ID,
		Check:      r.CheckName,
		FromLevel:  model.AlertLevel(r.FromLevel),
		ToLevel:    model.AlertLevel(r.ToLevel),
		Value:      r.Value,
		Threshold:  r.Threshold,
		OccurredAt: r.OccurredAt.UTC(),
	}
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event model.AlertEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(rowFromEvent(event)).Error; err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, query registrystore.EventQuery) ([]model.AlertEvent, *string, error) {
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
		c := rows[len(rows)-1].ID.String()
		cursor = &c
	}

	events := make([]model.AlertEvent, len(rows))
	for i, r := range rows {
		events[i] = eventFromRow(r)
	}
	return events, cursor, nil
}

func (s *PostgresStore) CountPrunableEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&alertEventRow{}).
		Where("occurred_at < ?", cutoff.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count prunable events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) PruneEvents(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM alert_events WHERE id IN (
			SELECT id FROM alert_events WHERE occurred_at < ? ORDER BY occurred_at ASC LIMIT ?
		)`, cutoff.UTC(), limit)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune alert events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ registrystore.AlertStore = (*PostgresStore)(nil)
