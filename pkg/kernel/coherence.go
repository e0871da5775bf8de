package kernel

import (
	"context"
	"fmt"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

// Scorer maps a trailing window of ledger actions to an instability
// score in [0, 1]. Scores above CoherenceLimit fail the coherence check.
//
// The default is a coarse placeholder, not a statistical variance: large
// windows read as unstable, small ones as stable. Replacements must keep
// the same contract (sequence of actions in, [0,1] out) so the call
// sites stay unchanged.
type Scorer func(window []contracts.Action) float64

// CoherenceLimit is the score above which the window is considered
// unstable.
const CoherenceLimit = 0.5

// coherenceWindowCutoff is the window length at which DefaultScorer
// flips from stable to unstable.
const coherenceWindowCutoff = 10

// DefaultScorer is the placeholder stability signal.
func DefaultScorer(window []contracts.Action) float64 {
	if len(window) >= coherenceWindowCutoff {
		return 0.8
	}
	return 0.2
}

// EnforceCoherence scores the last windowSize ledger entries and fails
// with ErrCoherenceViolation when the score exceeds CoherenceLimit. The
// score is returned either way.
func (k *Kernel) EnforceCoherence(ctx context.Context, windowSize int) (float64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.m.coherenceChecks++
	window := k.ledger.Tail(windowSize)
	score := k.scorer(window)

	if score > CoherenceLimit {
		k.m.coherenceViolations++
		k.m.errorCount++
		err := fmt.Errorf("%w: stability score %.2f over window %d", ErrCoherenceViolation, score, len(window))
		if k.obs != nil {
			k.obs.RecordError(ctx, err)
		}
		return score, err
	}
	return score, nil
}
