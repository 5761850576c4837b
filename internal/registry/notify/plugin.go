package notify

import (
	"context"
	"fmt"

	"github.com/chirino/dbhealth-service/internal/model"
)

// Notifier delivers alert transitions to an external sink. Delivery failures
// are logged by the sampler, never fatal.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event model.AlertEvent) error
}

// Loader creates a Notifier from config carried in the context.
type Loader func(ctx context.Context) (Notifier, error)

// Plugin represents a notifier plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notifier plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notifier plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notifier plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
