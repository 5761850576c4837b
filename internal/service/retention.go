package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
)

// RetentionService periodically prunes alert events past the retention window.
type RetentionService struct {
	store     registrystore.AlertStore
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
}

// NewRetentionService creates a new retention service.
func NewRetentionService(store registrystore.AlertStore, retention time.Duration, batchSize int, delay time.Duration) *RetentionService {
	return &RetentionService{
		store:     store,
		interval:  1 * time.Hour,
		retention: retention,
		batchSize: batchSize,
		delay:     delay,
	}
}

// Start begins the periodic prune loop. Returns when ctx is cancelled.
func (r *RetentionService) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runPrune(ctx)
		}
	}
}

func (r *RetentionService) runPrune(ctx context.Context) {
	cutoff := time.Now().Add(-r.retention)
	total, err := r.store.CountPrunableEvents(ctx, cutoff)
	if err != nil {
		log.Error("Retention: count failed", "err", err)
		return
	}
	if total == 0 {
		return
	}

	log.Info("Retention: starting", "total", total, "cutoff", cutoff)
	var pruned int64
	for {
		n, err := r.store.PruneEvents(ctx, cutoff, r.batchSize)
		if err != nil {
			log.Error("Retention: prune failed", "err", err)
			return
		}
		if n == 0 {
			break
		}
		pruned += n

		if r.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.delay):
			}
		}
	}
	log.Info("Retention: completed", "pruned", pruned)
}
