// Package history keeps the most recent snapshots in a fixed-capacity ring
// buffer. The sampler is the only writer; HTTP handlers read concurrently.
package history

import (
	"sync"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
)

// Ring is a fixed-capacity snapshot buffer. Appends overwrite the oldest
// entry once the buffer is full and never block.
type Ring struct {
	mu   sync.RWMutex
	buf  []model.Snapshot
	next int
	size int
}

// NewRing creates a ring with the given capacity. Capacity must be positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Snapshot, capacity)}
}

// Append adds a snapshot, overwriting the oldest when full.
func (r *Ring) Append(s model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Latest returns the most recent snapshot, or nil when empty.
func (r *Ring) Latest() *model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return nil
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	s := r.buf[idx]
	return &s
}

// Last returns up to k of the most recent snapshots, oldest first.
func (r *Ring) Last(k int) []model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k > r.size {
		k = r.size
	}
	if k <= 0 {
		return nil
	}
	out := make([]model.Snapshot, 0, k)
	start := (r.next - k + len(r.buf)) % len(r.buf)
	for i := 0; i < k; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Range returns snapshots with from <= SampledAt < to, oldest first.
func (r *Ring) Range(from, to time.Time) []model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return nil
	}
	var out []model.Snapshot
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if s.SampledAt.Before(from) {
			continue
		}
		if !s.SampledAt.Before(to) {
			break
		}
		out = append(out, s)
	}
	return out
}

// Len returns the number of stored snapshots.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}
