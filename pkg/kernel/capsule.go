package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

// createCapsuleLocked snapshots the current frozen invariants, ledger
// cursor, and shell version. Caller holds k.mu.
func (k *Kernel) createCapsuleLocked() *contracts.Capsule {
	frozen := make(map[string]any, len(k.frozen))
	for key, value := range k.frozen {
		frozen[key] = value
	}
	return &contracts.Capsule{
		ID:               uuid.New().String(),
		Timestamp:        k.clock(),
		FrozenState:      frozen,
		LedgerCheckpoint: k.ledger.Len(),
		SchemaVersion:    SchemaVersion,
		ShellVersion:     k.shellVersion,
	}
}

// Heartbeat checkpoints the kernel. Heartbeats closer together than the
// configured interval are silent no-ops, not errors. An effective
// heartbeat stores a fresh capsule as current and, when drift has passed
// the molt threshold, triggers a molt first. On failure the heartbeat
// timestamp is left unchanged so a retry is safe; ledger entries already
// appended are never rolled back.
func (k *Kernel) Heartbeat(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock()
	if !k.lastHeartbeat.IsZero() && now.Sub(k.lastHeartbeat) < k.heartbeatInterval {
		return nil
	}

	if k.drift.exceeded() {
		if _, err := k.moltLocked("drift threshold exceeded"); err != nil {
			k.m.heartbeatFailures++
			k.m.errorCount++
			if k.obs != nil {
				k.obs.RecordError(ctx, err)
			}
			return fmt.Errorf("kernel: heartbeat molt: %w", err)
		}
		if k.obs != nil {
			k.obs.RecordMolt(ctx)
			k.obs.RecordDrift(ctx, 0)
		}
	}

	k.capsule = k.createCapsuleLocked()
	k.lastHeartbeat = now
	k.m.heartbeatCount++

	k.logger.Debug("heartbeat",
		"capsule", k.capsule.ID,
		"ledger_checkpoint", k.capsule.LedgerCheckpoint,
		"shell_version", k.shellVersion,
	)
	return nil
}

// GetSnapshot returns a consistent view of the kernel's durable surface.
// Before the first heartbeat an ephemeral capsule is synthesized (not
// stored) so the snapshot is always restorable.
func (k *Kernel) GetSnapshot() contracts.Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	capsule := k.capsule
	if capsule == nil {
		capsule = k.createCapsuleLocked()
	}
	return contracts.Snapshot{
		Capsule:      capsule,
		LedgerLength: k.ledger.Len(),
		ShellVersion: k.shellVersion,
		DriftScore:   k.drift.score,
	}
}

// Rehydrate reconstructs derived state by folding ledger entries onto a
// capsule's frozen state, in order. The fold is minimal replay: each
// entry overwrites "last_action" on the running state. Callers needing
// richer reconstruction fold the raw sequence themselves (see Ledger).
// The operation is pure — no kernel state changes.
func (k *Kernel) Rehydrate(capsule *contracts.Capsule, tail []contracts.Action) (map[string]any, error) {
	if capsule == nil {
		return nil, fmt.Errorf("kernel: rehydrate: capsule is required")
	}

	capsuleVersion, err := semver.NewVersion(capsule.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrIncompatibleCapsule, capsule.SchemaVersion, err)
	}
	compatible, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", semver.MustParse(SchemaVersion).Major()))
	if err != nil {
		return nil, fmt.Errorf("kernel: rehydrate constraint: %w", err)
	}
	if !compatible.Check(capsuleVersion) {
		return nil, fmt.Errorf("%w: capsule %s, kernel %s", ErrIncompatibleCapsule, capsule.SchemaVersion, SchemaVersion)
	}

	state := make(map[string]any, len(capsule.FrozenState)+3)
	for key, value := range capsule.FrozenState {
		state[key] = value
	}
	state["shell_version"] = capsule.ShellVersion
	state["ledger_checkpoint"] = capsule.LedgerCheckpoint

	replayed := 0
	for _, action := range tail {
		state["last_action"] = action
		replayed++
	}
	state["replayed"] = replayed

	return state, nil
}

// LastHeartbeat returns the time of the last effective heartbeat, zero
// before the first.
func (k *Kernel) LastHeartbeat() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastHeartbeat
}
