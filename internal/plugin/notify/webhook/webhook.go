// Package webhook POSTs alert transitions as JSON to a configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
)

const defaultTimeout = 10 * time.Second

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "webhook",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.WebhookURL == "" {
				return nil, fmt.Errorf("webhook notifier: DBHEALTH_SERVICE_WEBHOOK_URL is required")
			}
			timeout := cfg.WebhookTimeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			return &webhookNotifier{
				url:       cfg.WebhookURL,
				authToken: cfg.WebhookAuthToken,
				client:    &http.Client{Timeout: timeout},
			}, nil
		},
	})
}

type webhookNotifier struct {
	url       string
	authToken string
	client    *http.Client
}

func (n *webhookNotifier) Name() string { return "webhook" }

func (n *webhookNotifier) Notify(ctx context.Context, event model.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook notifier: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: unexpected status %d", resp.StatusCode)
	}
	return nil
}

var _ registrynotify.Notifier = (*webhookNotifier)(nil)
