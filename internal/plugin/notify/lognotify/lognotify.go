// Package lognotify emits alert transitions to the service log. It is the
// default notifier and always succeeds.
package lognotify

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/model"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "log",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			return &logNotifier{}, nil
		},
	})
}

type logNotifier struct{}

func (n *logNotifier) Name() string { return "log" }

func (n *logNotifier) Notify(_ context.Context, event model.AlertEvent) error {
	logFn := log.Info
	switch event.ToLevel {
	case model.LevelWarning:
		logFn = log.Warn
	case model.LevelCritical:
		logFn = log.Error
	}
	logFn("Alert transition",
		"check", event.Check,
		"from", event.FromLevel,
		"to", event.ToLevel,
		"value", event.Value,
		"threshold", event.Threshold,
	)
	return nil
}

var _ registrynotify.Notifier = (*logNotifier)(nil)
