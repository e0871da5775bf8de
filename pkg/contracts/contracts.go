// Package contracts defines the shared data model of the carapace kernel:
// actions, capsules, snapshots, and health reports. All other packages
// depend on this one and never the other way around.
package contracts

import "time"

// Action is the atomic unit of agent behavior recorded in the ledger.
// Timestamp and LedgerIndex are assigned by the ledger at append time,
// never by the caller. Immutable once appended.
type Action struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Risk        *float64       `json:"risk,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	LedgerIndex int64          `json:"ledger_index"`
}

// RiskValue returns the declared risk, defaulting to 0 when absent.
func (a Action) RiskValue() float64 {
	if a.Risk == nil {
		return 0
	}
	return *a.Risk
}

// WithRisk returns a copy of the action with the given risk set.
func (a Action) WithRisk(risk float64) Action {
	a.Risk = &risk
	return a
}

// Capsule is an immutable checkpoint: frozen state plus a ledger cursor.
// A new capsule supersedes the previous one; capsules are never mutated.
type Capsule struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	FrozenState      map[string]any `json:"frozen_state"`
	LedgerCheckpoint int64          `json:"ledger_checkpoint"`
	SchemaVersion    string         `json:"schema_version"`
	ShellVersion     int64          `json:"shell_version"`
}

// Snapshot is a consistent read of the kernel's durable surface, suitable
// for handing to an external store alongside the ledger tail.
type Snapshot struct {
	Capsule      *Capsule `json:"capsule"`
	LedgerLength int64    `json:"ledger_length"`
	ShellVersion int64    `json:"shell_version"`
	DriftScore   float64  `json:"drift_score"`
}

// HealthStatus is the coarse operational state of a kernel instance.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthReport is the structured output of a health check.
type HealthReport struct {
	Status          HealthStatus  `json:"status"`
	HeartbeatAge    time.Duration `json:"heartbeat_age"`
	DriftScore      float64       `json:"drift_score"`
	ShellVersion    int64         `json:"shell_version"`
	Warnings        []string      `json:"warnings,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Entry types the kernel writes into the ledger on its own behalf.
const (
	EntryTypeMolt            = "molt"
	EntryTypeWitnessDecision = "witness_decision"
)
