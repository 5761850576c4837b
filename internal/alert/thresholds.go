package alert

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chirino/dbhealth-service/internal/model"
)

// Direction controls which side of a threshold is unhealthy.
type Direction int

const (
	// DirectionAbove alerts when the value meets or exceeds a threshold.
	DirectionAbove Direction = iota
	// DirectionBelow alerts when the value meets or falls below a threshold.
	DirectionBelow
)

// Check names.
const (
	CheckConnectionUtilization = "connection_utilization"
	CheckIdleInTransaction     = "idle_in_transaction"
	CheckWaitingBackends       = "waiting_backends"
	CheckLongestQuery          = "longest_query_seconds"
	CheckOldestTransaction     = "oldest_transaction_seconds"
	CheckAgentConnections      = "agent_connections"
	CheckDatabaseReachable     = "database_reachable"
)

// CheckSpec defines one alert check: where its value comes from and the
// thresholds it is compared against.
type CheckSpec struct {
	Name      string
	Unit      string
	Direction Direction
	Warning   float64
	Critical  float64
	// Extract pulls the check value out of a snapshot. It is nil for
	// database_reachable, whose value is the engine's consecutive-failure count.
	Extract func(s *model.Snapshot) float64
}

// levelFor compares a value against the spec thresholds.
func (c *CheckSpec) levelFor(value float64) model.AlertLevel {
	switch c.Direction {
	case DirectionBelow:
		if value <= c.Critical {
			return model.LevelCritical
		}
		if value <= c.Warning {
			return model.LevelWarning
		}
	default:
		if value >= c.Critical {
			return model.LevelCritical
		}
		if value >= c.Warning {
			return model.LevelWarning
		}
	}
	return model.LevelOK
}

func (c *CheckSpec) validateThresholds(warning, critical float64) error {
	if math.IsNaN(warning) || math.IsNaN(critical) {
		return fmt.Errorf("thresholds must be numbers")
	}
	switch c.Direction {
	case DirectionBelow:
		if warning < critical {
			return fmt.Errorf("check %s alerts below thresholds: warning (%v) must be >= critical (%v)", c.Name, warning, critical)
		}
	default:
		if warning > critical {
			return fmt.Errorf("check %s alerts above thresholds: warning (%v) must be <= critical (%v)", c.Name, warning, critical)
		}
	}
	return nil
}

// DefaultChecks returns the built-in check set. failureLimit becomes the
// CRITICAL threshold of database_reachable.
func DefaultChecks(failureLimit int) []CheckSpec {
	if failureLimit < 1 {
		failureLimit = 1
	}
	return []CheckSpec{
		{
			Name: CheckDatabaseReachable, Unit: "failures",
			Warning: 1, Critical: float64(failureLimit),
		},
		{
			Name: CheckConnectionUtilization, Unit: "%",
			Warning: 80, Critical: 90,
			Extract: func(s *model.Snapshot) float64 { return s.Capacity.UtilizationPercent },
		},
		{
			Name: CheckIdleInTransaction, Unit: "connections",
			Warning: 5, Critical: 20,
			Extract: func(s *model.Snapshot) float64 {
				return float64(s.Census.IdleInTransaction + s.Census.IdleInTransactionAborted)
			},
		},
		{
			Name: CheckWaitingBackends, Unit: "connections",
			Warning: 10, Critical: 50,
			Extract: func(s *model.Snapshot) float64 { return float64(s.Census.Waiting) },
		},
		{
			Name: CheckLongestQuery, Unit: "s",
			Warning: 60, Critical: 300,
			Extract: func(s *model.Snapshot) float64 { return s.Census.LongestQuerySeconds },
		},
		{
			Name: CheckOldestTransaction, Unit: "s",
			Warning: 300, Critical: 1800,
			Extract: func(s *model.Snapshot) float64 { return s.Census.OldestTransactionSeconds },
		},
		{
			Name: CheckAgentConnections, Unit: "connections",
			Warning: 20, Critical: 50,
			Extract: func(s *model.Snapshot) float64 { return float64(s.AgentConnectionsTotal()) },
		},
	}
}

// ParseThresholdOverrides parses a comma-separated list of
// check=warning:critical pairs, e.g. "connection_utilization=70:85".
func ParseThresholdOverrides(s string) (map[string][2]float64, error) {
	out := map[string][2]float64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid threshold override %q: expected check=warning:critical", pair)
		}
		name := strings.TrimSpace(pair[:eq])
		parts := strings.SplitN(pair[eq+1:], ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid threshold override %q: expected check=warning:critical", pair)
		}
		warning, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid warning threshold in %q: %w", pair, err)
		}
		critical, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid critical threshold in %q: %w", pair, err)
		}
		out[name] = [2]float64{warning, critical}
	}
	return out, nil
}

// ApplyOverrides replaces thresholds on matching specs. Unknown check names
// are an error so typos in configuration fail fast.
func ApplyOverrides(specs []CheckSpec, overrides map[string][2]float64) ([]CheckSpec, error) {
	byName := map[string]int{}
	for i, spec := range specs {
		byName[spec.Name] = i
	}
	for name, pair := range overrides {
		idx, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown check %q in threshold overrides", name)
		}
		if err := specs[idx].validateThresholds(pair[0], pair[1]); err != nil {
			return nil, err
		}
		specs[idx].Warning = pair[0]
		specs[idx].Critical = pair[1]
	}
	return specs, nil
}
