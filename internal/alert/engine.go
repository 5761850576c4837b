// Package alert evaluates snapshots against thresholds and runs the
// per-check alerting state machine.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/google/uuid"
)

type checkState struct {
	spec      CheckSpec
	level     model.AlertLevel
	value     float64
	since     time.Time
	updatedAt time.Time

	// pendingLevel/pendingCount track the streak of samples that disagree
	// with the current level. A flapping sample resets the streak.
	pendingLevel model.AlertLevel
	pendingCount int
}

// Engine is the alerting state machine. A transition to a higher severity
// requires raiseAfter consecutive qualifying samples; a transition to a lower
// severity requires clearAfter. Thresholds may be updated at runtime.
type Engine struct {
	mu         sync.RWMutex
	checks     map[string]*checkState
	order      []string
	raiseAfter int
	clearAfter int
	failures   int

	now func() time.Time
}

// NewEngine creates an engine over the given check specs.
func NewEngine(specs []CheckSpec, raiseAfter, clearAfter int) *Engine {
	if raiseAfter < 1 {
		raiseAfter = 1
	}
	if clearAfter < 1 {
		clearAfter = 1
	}
	e := &Engine{
		checks:     make(map[string]*checkState, len(specs)),
		raiseAfter: raiseAfter,
		clearAfter: clearAfter,
		now:        time.Now,
	}
	start := e.now().UTC()
	for _, spec := range specs {
		e.checks[spec.Name] = &checkState{
			spec:         spec,
			level:        model.LevelOK,
			since:        start,
			updatedAt:    start,
			pendingLevel: model.LevelOK,
		}
		e.order = append(e.order, spec.Name)
	}
	return e
}

// Evaluate feeds one snapshot through the state machine and returns the
// transitions it caused. On a failed probe only database_reachable is
// evaluated; the remaining checks hold their state until data returns.
func (e *Engine) Evaluate(snap *model.Snapshot) []model.AlertEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if snap.Failed() {
		e.failures++
	} else {
		e.failures = 0
	}

	now := e.now().UTC()
	var events []model.AlertEvent
	for _, name := range e.order {
		cs := e.checks[name]

		var value float64
		switch {
		case cs.spec.Name == CheckDatabaseReachable:
			value = float64(e.failures)
		case snap.Failed():
			continue
		default:
			value = cs.spec.Extract(snap)
		}

		if ev := e.step(cs, value, now); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func (e *Engine) step(cs *checkState, value float64, now time.Time) *model.AlertEvent {
	cs.value = value
	cs.updatedAt = now

	target := cs.spec.levelFor(value)
	if target == cs.level {
		cs.pendingLevel = target
		cs.pendingCount = 0
		return nil
	}

	if target != cs.pendingLevel {
		cs.pendingLevel = target
		cs.pendingCount = 1
	} else {
		cs.pendingCount++
	}

	need := e.clearAfter
	if target.Severity() > cs.level.Severity() {
		need = e.raiseAfter
	}
	if cs.pendingCount < need {
		return nil
	}

	event := &model.AlertEvent{
		ID:         uuid.New(),
		Check:      cs.spec.Name,
		FromLevel:  cs.level,
		ToLevel:    target,
		Value:      value,
		Threshold:  e.crossedThreshold(cs.spec, target),
		OccurredAt: now,
	}
	cs.level = target
	cs.since = now
	cs.pendingCount = 0
	return event
}

// crossedThreshold reports which boundary a transition refers to: the new
// level's threshold when raising, the warning boundary when clearing to OK.
func (e *Engine) crossedThreshold(spec CheckSpec, to model.AlertLevel) float64 {
	if to == model.LevelCritical {
		return spec.Critical
	}
	return spec.Warning
}

// States returns the current state of all checks in registration order.
func (e *Engine) States() []model.CheckState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.CheckState, 0, len(e.order))
	for _, name := range e.order {
		cs := e.checks[name]
		out = append(out, model.CheckState{
			Check:     cs.spec.Name,
			Level:     cs.level,
			Value:     cs.value,
			Unit:      cs.spec.Unit,
			Warning:   cs.spec.Warning,
			Critical:  cs.spec.Critical,
			Since:     cs.since,
			UpdatedAt: cs.updatedAt,
		})
	}
	return out
}

// OverallLevel returns the most severe current check level.
func (e *Engine) OverallLevel() model.AlertLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	level := model.LevelOK
	for _, cs := range e.checks {
		level = model.MaxLevel(level, cs.level)
	}
	return level
}

// UpdateThresholds replaces the thresholds of one check at runtime. The new
// thresholds apply from the next sample; current levels are not re-evaluated.
func (e *Engine) UpdateThresholds(check string, warning, critical float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.checks[check]
	if !ok {
		return fmt.Errorf("unknown check %q", check)
	}
	if err := cs.spec.validateThresholds(warning, critical); err != nil {
		return err
	}
	cs.spec.Warning = warning
	cs.spec.Critical = critical
	return nil
}
