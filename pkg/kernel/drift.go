package kernel

// Drift is a ratchet, not an estimator: every observed append pushes the
// score up by a fixed increment regardless of content, and only a molt
// brings it back down. The asymmetry is load-bearing — auto-molt depends
// on monotonic accumulation between reconfigurations.

const (
	// DriftIncrement is added to the drift score on every append.
	DriftIncrement = 0.01
	// DefaultMoltThreshold is the drift score past which the next
	// heartbeat triggers a molt.
	DefaultMoltThreshold = 0.35
)

type driftTracker struct {
	score      float64
	threshold  float64
	violations int64
}

// observe accumulates one append. The score saturates at 1.0; crossing
// the threshold counts a violation but does not reset anything.
func (d *driftTracker) observe() float64 {
	d.score += DriftIncrement
	if d.score > 1.0 {
		d.score = 1.0
	}
	if d.score > d.threshold {
		d.violations++
	}
	return d.score
}

// reset returns the score to zero. Called only by molt.
func (d *driftTracker) reset() {
	d.score = 0
}

func (d *driftTracker) exceeded() bool {
	return d.score > d.threshold
}
