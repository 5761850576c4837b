package cache

import (
	"context"
	"fmt"

	"github.com/chirino/dbhealth-service/internal/model"
)

// SnapshotCache publishes the latest snapshot for cheap out-of-process reads.
// The sampler writes through on every sample; the HTTP API reads from the
// in-process ring, so the cache is a publication surface, not a dependency.
type SnapshotCache interface {
	Available() bool
	PutLatest(ctx context.Context, snap model.Snapshot) error
	Latest(ctx context.Context) (*model.Snapshot, error)
}

// Loader creates a SnapshotCache from config carried in the context.
type Loader func(ctx context.Context) (SnapshotCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
