// Package kernel implements the continuity kernel: the append-only
// ledger of agent actions, the drift signal derived from it, capsule
// checkpoints for restart recovery, the coherence check, the risk-gated
// witness, and molt (reconfiguration). One kernel instance owns all of
// this state exclusively; callers reach it through the governance layer
// or directly when they trust their input.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"
	"github.com/carapace-labs/carapace/pkg/observability"
	"github.com/carapace-labs/carapace/pkg/witness"
)

// SchemaVersion is stamped into every capsule this kernel produces.
const SchemaVersion = "1.0.0"

// DefaultHeartbeatInterval is the minimum spacing between effective
// heartbeats.
const DefaultHeartbeatInterval = time.Hour

// Kernel is a continuity kernel instance. All mutable state sits behind
// one mutex; callers may invoke operations concurrently. The witness
// gate is the only suspension point and never holds the lock while
// waiting on an approver.
type Kernel struct {
	mu sync.Mutex

	heartbeatInterval time.Duration
	witnessTimeout    time.Duration
	approver          witness.Approver
	metricsEnabled    bool
	clock             func() time.Time
	logger            *slog.Logger
	obs               *observability.Provider

	ledger *ledger.Ledger
	drift  driftTracker
	gate   *witness.Gate
	scorer Scorer

	frozen        map[string]any
	capsule       *contracts.Capsule
	moltHistory   []*contracts.Capsule
	lastHeartbeat time.Time
	shellVersion  int64
	started       time.Time

	m metricsState
}

// Option configures a Kernel at construction.
type Option func(*Kernel)

// WithHeartbeatInterval overrides the minimum heartbeat spacing.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.heartbeatInterval = d
		}
	}
}

// WithDriftThreshold overrides the molt threshold.
func WithDriftThreshold(threshold float64) Option {
	return func(k *Kernel) {
		if threshold > 0 && threshold <= 1 {
			k.drift.threshold = threshold
		}
	}
}

// WithApprover registers the external approver for high-risk actions.
func WithApprover(a witness.Approver) Option {
	return func(k *Kernel) { k.approver = a }
}

// WithWitnessTimeout overrides the default approval deadline.
func WithWitnessTimeout(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.witnessTimeout = d
		}
	}
}

// WithScorer replaces the coherence scoring function.
func WithScorer(s Scorer) Option {
	return func(k *Kernel) { k.scorer = s }
}

// WithMetricsEnabled toggles the metrics surface. When disabled,
// GetMetrics fails with ErrMetricsDisabled; counters are still kept.
func WithMetricsEnabled(enabled bool) Option {
	return func(k *Kernel) { k.metricsEnabled = enabled }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithObservability mirrors kernel signals to an OpenTelemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(k *Kernel) { k.obs = p }
}

// New creates a kernel with shell version 1, an empty ledger, and zero
// drift.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		heartbeatInterval: DefaultHeartbeatInterval,
		witnessTimeout:    witness.DefaultTimeout,
		metricsEnabled:    true,
		clock:             time.Now,
		logger:            slog.Default().With("component", "kernel"),
		ledger:            ledger.New(),
		drift:             driftTracker{threshold: DefaultMoltThreshold},
		scorer:            DefaultScorer,
		frozen:            make(map[string]any),
		shellVersion:      1,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.gate = witness.NewGate(
		witness.WithApprover(k.approver),
		witness.WithTimeout(k.witnessTimeout),
	)
	k.started = k.clock()
	k.ledger.WithClock(k.clock)
	return k
}

// Append records an action in the ledger and advances the drift signal.
// The action comes back stamped with its timestamp and ledger index.
// Appends are never validated here; that is the governance layer's job.
func (k *Kernel) Append(ctx context.Context, action contracts.Action) (contracts.Action, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	start := time.Now()
	stamped, err := k.ledger.Append(action)
	if err != nil {
		k.m.errorCount++
		return contracts.Action{}, fmt.Errorf("kernel: append: %w", err)
	}
	score := k.drift.observe()
	k.m.recordAppendLatency(time.Since(start))

	if k.obs != nil {
		k.obs.RecordAppend(ctx, time.Since(start))
		k.obs.RecordDrift(ctx, score)
	}
	return stamped, nil
}

// SetInvariant records a frozen invariant; the frozen map is the
// exclusive source of every capsule's frozen state.
func (k *Kernel) SetInvariant(key string, value any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.frozen[key] = value
}

// Witness gates an action on its declared risk. Low-risk actions approve
// immediately; high-risk actions wait for the approver or the deadline.
// Approver-mediated decisions are recorded in the ledger.
func (k *Kernel) Witness(ctx context.Context, action contracts.Action, timeout time.Duration) (bool, error) {
	k.mu.Lock()
	k.m.witnessCalls++
	k.mu.Unlock()

	// Evaluate outside the lock: independent witness calls must not
	// serialize on each other, and a waiting approver must not block
	// appends or heartbeats.
	decision, err := k.gate.Evaluate(ctx, action, timeout)

	k.mu.Lock()
	defer k.mu.Unlock()

	if err != nil {
		if errors.Is(err, witness.ErrApprovalTimeout) {
			k.m.witnessTimeouts++
		}
		k.m.errorCount++
		if k.obs != nil {
			k.obs.RecordError(ctx, err)
		}
		return false, err
	}

	if decision.Approved {
		k.m.witnessApprovals++
	} else {
		k.m.witnessRejections++
	}

	if !decision.Immediate {
		// The decision itself becomes ledger history. Internal entries
		// bypass the drift ratchet: drift measures agent activity, not
		// kernel bookkeeping.
		if _, appendErr := k.ledger.Append(contracts.Action{
			Type: contracts.EntryTypeWitnessDecision,
			Payload: map[string]any{
				"approved": decision.Approved,
				"action":   action,
			},
		}); appendErr != nil {
			k.m.errorCount++
			return false, fmt.Errorf("kernel: witness decision record: %w", appendErr)
		}
	}

	if k.obs != nil {
		outcome := "rejected"
		if decision.Approved {
			outcome = "approved"
		}
		k.obs.RecordWitness(ctx, outcome)
	}
	return decision.Approved, nil
}

// Molt resets drift and advances the shell version, preserving ledger
// history untouched: mutable shell, sacred memory.
func (k *Kernel) Molt(ctx context.Context, reason string) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	version, err := k.moltLocked(reason)
	if err != nil {
		return 0, err
	}
	if k.obs != nil {
		k.obs.RecordMolt(ctx)
		k.obs.RecordDrift(ctx, 0)
	}
	return version, nil
}

func (k *Kernel) moltLocked(reason string) (int64, error) {
	if k.capsule != nil {
		k.moltHistory = append(k.moltHistory, k.capsule)
	}
	k.shellVersion++
	k.drift.reset()
	k.m.moltCount++

	if _, err := k.ledger.Append(contracts.Action{
		Type: contracts.EntryTypeMolt,
		Payload: map[string]any{
			"reason":        reason,
			"shell_version": k.shellVersion,
		},
	}); err != nil {
		k.m.errorCount++
		return 0, fmt.Errorf("kernel: molt record: %w", err)
	}

	k.logger.Info("molt complete", "shell_version", k.shellVersion, "reason", reason)
	return k.shellVersion, nil
}

// Ledger exposes the raw action sequence for callers that need richer
// reconstruction than Rehydrate's minimal replay.
func (k *Kernel) Ledger() *ledger.Ledger {
	return k.ledger
}

// MoltHistory returns the capsules superseded by past molts, oldest
// first.
func (k *Kernel) MoltHistory() []*contracts.Capsule {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*contracts.Capsule, len(k.moltHistory))
	copy(out, k.moltHistory)
	return out
}
