package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the severity assigned to a check or to the service overall.
type AlertLevel string

const (
	LevelOK       AlertLevel = "OK"
	LevelWarning  AlertLevel = "WARNING"
	LevelCritical AlertLevel = "CRITICAL"
)

// Severity returns the numeric rank of a level: OK=0, WARNING=1, CRITICAL=2.
func (l AlertLevel) Severity() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	default:
		return 0
	}
}

// MaxLevel returns the more severe of two levels.
func MaxLevel(a, b AlertLevel) AlertLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ParseAlertLevel normalizes a level string. Unknown values map to OK.
func ParseAlertLevel(s string) AlertLevel {
	switch AlertLevel(s) {
	case LevelWarning:
		return LevelWarning
	case LevelCritical:
		return LevelCritical
	default:
		return LevelOK
	}
}

// ConnectionCensus breaks the pg_stat_activity backends down by state.
type ConnectionCensus struct {
	Total                    int `json:"total"`
	Active                   int `json:"active"`
	Idle                     int `json:"idle"`
	IdleInTransaction        int `json:"idleInTransaction"`
	IdleInTransactionAborted int `json:"idleInTransactionAborted"`
	FastpathFunctionCall     int `json:"fastpathFunctionCall"`
	Disabled                 int `json:"disabled"`
	// Unknown counts backends whose state column is NULL (e.g. background workers).
	Unknown int `json:"unknown"`
	Waiting int `json:"waiting"`

	OldestTransactionSeconds float64 `json:"oldestTransactionSeconds"`
	LongestQuerySeconds      float64 `json:"longestQuerySeconds"`
}

// Capacity reports connection-slot headroom.
type Capacity struct {
	MaxConnections int `json:"maxConnections"`
	ReservedSlots  int `json:"reservedSlots"`
	Used           int `json:"used"`
	// UtilizationPercent is used / (max - reserved) * 100.
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// SSLUsage reports pg_stat_ssl accounting for client backends.
type SSLUsage struct {
	SSL       int `json:"ssl"`
	Plaintext int `json:"plaintext"`
}

// DatabaseConnections is the backend count for one database.
type DatabaseConnections struct {
	Database string `json:"database"`
	Backends int    `json:"backends"`
}

// AgentClassUsage is the connection accounting for one configured agent class.
type AgentClassUsage struct {
	Class             string   `json:"class"`
	Connections       int      `json:"connections"`
	IdleInTransaction int      `json:"idleInTransaction"`
	Agents            []string `json:"agents,omitempty"`
}

// PoolerUsage reports backends that arrived through the connection pooler.
type PoolerUsage struct {
	Backends int `json:"backends"`
}

// Snapshot is one complete sample of the monitored database.
type Snapshot struct {
	SampledAt     time.Time     `json:"sampledAt"`
	ProbeDuration time.Duration `json:"probeDurationNs"`

	// Err is set when the probe failed; all other fields are zero in that case.
	Err string `json:"error,omitempty"`

	Census    ConnectionCensus      `json:"census"`
	Capacity  Capacity              `json:"capacity"`
	SSL       SSLUsage              `json:"ssl"`
	Databases []DatabaseConnections `json:"databases,omitempty"`
	Agents    []AgentClassUsage     `json:"agents,omitempty"`
	Pooler    PoolerUsage           `json:"pooler"`
}

// Failed reports whether this snapshot represents a probe failure.
func (s *Snapshot) Failed() bool {
	return s.Err != ""
}

// AgentConnectionsTotal sums connections across all agent classes.
func (s *Snapshot) AgentConnectionsTotal() int {
	total := 0
	for _, a := range s.Agents {
		total += a.Connections
	}
	return total
}

// CheckState is the current state of one alert check.
type CheckState struct {
	Check     string     `json:"check"`
	Level     AlertLevel `json:"level"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit,omitempty"`
	Warning   float64    `json:"warning"`
	Critical  float64    `json:"critical"`
	Since     time.Time  `json:"since"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// AlertEvent records one state-machine transition of a check.
type AlertEvent struct {
	ID         uuid.UUID  `json:"id"`
	Check      string     `json:"check"`
	FromLevel  AlertLevel `json:"fromLevel"`
	ToLevel    AlertLevel `json:"toLevel"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	OccurredAt time.Time  `json:"occurredAt"`
}
