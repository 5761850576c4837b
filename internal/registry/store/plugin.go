package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventQuery holds parameters for listing alert events.
type EventQuery struct {
	Check       *string
	Level       *model.AlertLevel
	Since       *time.Time
	Until       *time.Time
	AfterCursor *string
	Limit       int
}

// AlertStore persists alert transition events.
type AlertStore interface {
	// InsertEvent records one alert transition.
	InsertEvent(ctx context.Context, event model.AlertEvent) error

	// ListEvents returns events newest first, with an opaque cursor for the
	// next page.
	ListEvents(ctx context.Context, query EventQuery) ([]model.AlertEvent, *string, error)

	// CountPrunableEvents counts events older than the cutoff.
	CountPrunableEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneEvents deletes up to limit events older than the cutoff and
	// returns how many were removed.
	PruneEvents(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Loader creates an AlertStore from config carried in the context.
type Loader func(ctx context.Context) (AlertStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
