package kernel

import (
	"time"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

// Heartbeat staleness bounds for health classification.
const (
	heartbeatWarningAge  = 5 * time.Minute
	heartbeatCriticalAge = 10 * time.Minute
)

// minWitnessSample is how many completed witness decisions must exist
// before the approval rate influences health.
const minWitnessSample = 5

// GetMetrics returns a snapshot of all counters and gauges. Fails with
// ErrMetricsDisabled when the kernel was built with metrics off.
func (k *Kernel) GetMetrics() (Metrics, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.metricsEnabled {
		return Metrics{}, ErrMetricsDisabled
	}
	return Metrics{
		LedgerSize:          k.ledger.Len(),
		AppendLatencyAvg:    k.m.appendLatencyAvg(),
		HeartbeatCount:      k.m.heartbeatCount,
		HeartbeatFailures:   k.m.heartbeatFailures,
		DriftScore:          k.drift.score,
		DriftViolations:     k.drift.violations,
		MoltCount:           k.m.moltCount,
		WitnessCalls:        k.m.witnessCalls,
		WitnessApprovals:    k.m.witnessApprovals,
		WitnessRejections:   k.m.witnessRejections,
		WitnessTimeouts:     k.m.witnessTimeouts,
		CoherenceChecks:     k.m.coherenceChecks,
		CoherenceViolations: k.m.coherenceViolations,
		ShellVersion:        k.shellVersion,
		Uptime:              k.clock().Sub(k.started),
		ErrorCount:          k.m.errorCount,
	}, nil
}

// GetHealth classifies the kernel from heartbeat staleness, drift, and
// the witness approval rate.
func (k *Kernel) GetHealth() contracts.HealthReport {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock()
	reference := k.lastHeartbeat
	if reference.IsZero() {
		reference = k.started
	}
	age := now.Sub(reference)

	report := contracts.HealthReport{
		Status:       contracts.HealthHealthy,
		HeartbeatAge: age,
		DriftScore:   k.drift.score,
		ShellVersion: k.shellVersion,
	}

	switch {
	case age > heartbeatCriticalAge:
		report.Status = contracts.HealthCritical
		report.Warnings = append(report.Warnings, "heartbeat critically stale")
		report.Recommendations = append(report.Recommendations, "call Heartbeat immediately; the current capsule no longer reflects recent history")
	case age > heartbeatWarningAge:
		report.Status = contracts.HealthWarning
		report.Warnings = append(report.Warnings, "heartbeat stale")
		report.Recommendations = append(report.Recommendations, "schedule more frequent heartbeats")
	}

	if k.drift.exceeded() {
		if report.Status == contracts.HealthHealthy {
			report.Status = contracts.HealthWarning
		}
		report.Warnings = append(report.Warnings, "drift above molt threshold")
		report.Recommendations = append(report.Recommendations, "molt to reset drift")
	}

	// Only completed decisions count: timeouts and approver errors say
	// nothing about the approval rate itself.
	decided := k.m.witnessApprovals + k.m.witnessRejections
	if decided >= minWitnessSample {
		rate := float64(k.m.witnessApprovals) / float64(decided)
		if rate < 0.5 {
			if report.Status == contracts.HealthHealthy {
				report.Status = contracts.HealthWarning
			}
			report.Warnings = append(report.Warnings, "low witness approval rate")
			report.Recommendations = append(report.Recommendations, "review action risk declarations and approver policy")
		}
	}

	return report
}
