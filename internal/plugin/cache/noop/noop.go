package noop

import (
	"context"

	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.SnapshotCache, error) {
			return &noopSnapshotCache{}, nil
		},
	})
}

type noopSnapshotCache struct{}

func (n *noopSnapshotCache) Available() bool { return false }
func (n *noopSnapshotCache) PutLatest(_ context.Context, _ model.Snapshot) error {
	return nil
}
func (n *noopSnapshotCache) Latest(_ context.Context) (*model.Snapshot, error) {
	return nil, nil
}

var _ cache.SnapshotCache = (*noopSnapshotCache)(nil)
