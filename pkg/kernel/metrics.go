package kernel

import "time"

// latencyWindow bounds the trailing append-latency sample buffer.
const latencyWindow = 100

// Metrics is a read-only snapshot of the kernel's counters and gauges.
type Metrics struct {
	LedgerSize          int64         `json:"ledger_size"`
	AppendLatencyAvg    time.Duration `json:"append_latency_avg"`
	HeartbeatCount      int64         `json:"heartbeat_count"`
	HeartbeatFailures   int64         `json:"heartbeat_failures"`
	DriftScore          float64       `json:"drift_score"`
	DriftViolations     int64         `json:"drift_violations"`
	MoltCount           int64         `json:"molt_count"`
	WitnessCalls        int64         `json:"witness_calls"`
	WitnessApprovals    int64         `json:"witness_approvals"`
	WitnessRejections   int64         `json:"witness_rejections"`
	WitnessTimeouts     int64         `json:"witness_timeouts"`
	CoherenceChecks     int64         `json:"coherence_checks"`
	CoherenceViolations int64         `json:"coherence_violations"`
	ShellVersion        int64         `json:"shell_version"`
	Uptime              time.Duration `json:"uptime"`
	ErrorCount          int64         `json:"error_count"`
}

// metricsState is the mutable counter set, guarded by the kernel mutex.
type metricsState struct {
	appendLatencies     []time.Duration
	heartbeatCount      int64
	heartbeatFailures   int64
	moltCount           int64
	witnessCalls        int64
	witnessApprovals    int64
	witnessRejections   int64
	witnessTimeouts     int64
	coherenceChecks     int64
	coherenceViolations int64
	errorCount          int64
}

func (m *metricsState) recordAppendLatency(d time.Duration) {
	m.appendLatencies = append(m.appendLatencies, d)
	if len(m.appendLatencies) > latencyWindow {
		m.appendLatencies = m.appendLatencies[1:]
	}
}

func (m *metricsState) appendLatencyAvg() time.Duration {
	if len(m.appendLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.appendLatencies {
		total += d
	}
	return total / time.Duration(len(m.appendLatencies))
}
