package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/dbhealth-service/internal/alert"
	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/history"
	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/chirino/dbhealth-service/internal/probe"
	registrycache "github.com/chirino/dbhealth-service/internal/registry/cache"
	registrynotify "github.com/chirino/dbhealth-service/internal/registry/notify"
	registrystore "github.com/chirino/dbhealth-service/internal/registry/store"
	"github.com/chirino/dbhealth-service/internal/security"
)

// Sampler drives the monitoring loop: probe the target database, append the
// snapshot to the ring buffer, evaluate alert checks, and fan transitions out
// to the store and notifiers. It is also the read surface for the HTTP API.
type Sampler struct {
	prober    probe.Prober
	ring      *history.Ring
	store     registrystore.AlertStore
	cache     registrycache.SnapshotCache
	notifiers []registrynotify.Notifier
	interval  time.Duration
	jitter    time.Duration

	mu     sync.RWMutex
	engine *alert.Engine
}

// NewSampler creates a sampler. store and cache may be nil when persistence or
// snapshot publication is disabled.
func NewSampler(
	cfg *config.Config,
	prober probe.Prober,
	engine *alert.Engine,
	ring *history.Ring,
	store registrystore.AlertStore,
	cache registrycache.SnapshotCache,
	notifiers []registrynotify.Notifier,
) *Sampler {
	return &Sampler{
		prober:    prober,
		engine:    engine,
		ring:      ring,
		store:     store,
		cache:     cache,
		notifiers: notifiers,
		interval:  cfg.SampleInterval,
		jitter:    cfg.SampleJitter,
	}
}

// Run executes the sampling loop until ctx is cancelled. The first sample is
// taken immediately so the API has data as soon as the service reports ready.
func (s *Sampler) Run(ctx context.Context) {
	s.SampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.nextDelay()):
			s.SampleOnce(ctx)
		}
	}
}

// nextDelay returns the sampling interval with jitter applied. Jitter spreads
// probe load when many monitor instances watch the same database cluster.
func (s *Sampler) nextDelay() time.Duration {
	d := s.interval
	if s.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.jitter)))
	}
	return d
}

// SampleOnce takes one sample and runs the full pipeline. Exported for the
// one-shot CLI check command.
func (s *Sampler) SampleOnce(ctx context.Context) {
	start := time.Now()
	snap, err := s.prober.Sample(ctx)
	if err != nil {
		log.Error("Probe failed", "err", err)
		snap = &model.Snapshot{
			SampledAt:     start.UTC(),
			ProbeDuration: time.Since(start),
			Err:           err.Error(),
		}
	}

	s.ring.Append(*snap)

	s.mu.Lock()
	events := s.engine.Evaluate(snap)
	states := s.engine.States()
	s.mu.Unlock()

	security.RecordSnapshot(snap)
	security.RecordCheckStates(states)

	for _, event := range events {
		security.RecordTransition(event)
		if s.store != nil {
			if err := s.store.InsertEvent(ctx, event); err != nil {
				log.Error("Failed to persist alert event", "check", event.Check, "err", err)
			}
		}
		for _, n := range s.notifiers {
			if err := n.Notify(ctx, event); err != nil {
				log.Error("Notifier failed", "notifier", n.Name(), "check", event.Check, "err", err)
			}
		}
	}

	if s.cache != nil && s.cache.Available() {
		if err := s.cache.PutLatest(ctx, *snap); err != nil {
			log.Error("Failed to publish snapshot to cache", "err", err)
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first sample.
func (s *Sampler) Latest() *model.Snapshot {
	return s.ring.Latest()
}

// Last returns up to k most recent snapshots, oldest first.
func (s *Sampler) Last(k int) []model.Snapshot {
	return s.ring.Last(k)
}

// Range returns snapshots sampled in [from, to), oldest first.
func (s *Sampler) Range(from, to time.Time) []model.Snapshot {
	return s.ring.Range(from, to)
}

// States returns the current state of every check.
func (s *Sampler) States() []model.CheckState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.States()
}

// OverallLevel returns the worst level across all checks.
func (s *Sampler) OverallLevel() model.AlertLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.OverallLevel()
}

// UpdateThresholds changes a check's thresholds at runtime. The new thresholds
// apply from the next sample.
func (s *Sampler) UpdateThresholds(check string, warning, critical float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.UpdateThresholds(check, warning, critical)
}
