// Package probe collects connection statistics from the monitored Postgres
// instance. It is strictly read-only: every sample is a handful of catalog
// queries over a deliberately tiny connection pool.
package probe

import (
	"context"

	"github.com/chirino/dbhealth-service/internal/model"
)

// Prober produces snapshots of the monitored database.
type Prober interface {
	Sample(ctx context.Context) (*model.Snapshot, error)
	Close()
}
