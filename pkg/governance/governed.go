// Package governance wraps the continuity kernel in operational hygiene:
// every public call is rate-checked, validated and sanitized where it
// carries an action, delegated, and audited. Failures are translated
// into audited, metered rejections; nothing is swallowed.
//
// The wrapper holds the kernel behind a capability interface rather than
// embedding it, so further governance layers compose without override
// chains.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carapace-labs/carapace/pkg/audit"
	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/kernel"
	"github.com/carapace-labs/carapace/pkg/ratelimit"
	"github.com/carapace-labs/carapace/pkg/sanitize"
)

// Kernel is the capability surface the governed layer requires of the
// continuity kernel.
type Kernel interface {
	Append(ctx context.Context, action contracts.Action) (contracts.Action, error)
	Witness(ctx context.Context, action contracts.Action, timeout time.Duration) (bool, error)
	Heartbeat(ctx context.Context) error
	Molt(ctx context.Context, reason string) (int64, error)
	EnforceCoherence(ctx context.Context, windowSize int) (float64, error)
	Rehydrate(capsule *contracts.Capsule, tail []contracts.Action) (map[string]any, error)
	GetMetrics() (kernel.Metrics, error)
	GetHealth() contracts.HealthReport
	GetSnapshot() contracts.Snapshot
	SetInvariant(key string, value any)
}

// Governed routes every kernel operation through rate limiting,
// validation/sanitization, and audit logging.
type Governed struct {
	kernel    Kernel
	store     ratelimit.Store
	limits    map[Operation]ratelimit.Limit
	burst     *ratelimit.BurstGuard
	validator *sanitize.Validator
	trail     *audit.Trail
	logger    *slog.Logger
}

// Option configures a Governed wrapper.
type Option func(*Governed)

// WithRateLimit sets a sliding-window limit for one operation.
// Operations without a limit are not rate-checked.
func WithRateLimit(op Operation, limit ratelimit.Limit) Option {
	return func(g *Governed) { g.limits[op] = limit }
}

// WithRateLimitStore replaces the default in-memory window store, e.g.
// with the Redis store for multi-instance deployments.
func WithRateLimitStore(store ratelimit.Store) Option {
	return func(g *Governed) { g.store = store }
}

// WithBurstGuard layers an aggregate limiter across all operations.
func WithBurstGuard(guard *ratelimit.BurstGuard) Option {
	return func(g *Governed) { g.burst = guard }
}

// WithValidator replaces the default validator, e.g. one carrying
// payload schemas.
func WithValidator(v *sanitize.Validator) Option {
	return func(g *Governed) { g.validator = v }
}

// WithTrail replaces the default audit trail, e.g. one with a MAC key.
func WithTrail(t *audit.Trail) Option {
	return func(g *Governed) { g.trail = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governed) { g.logger = l }
}

// New wraps a continuity kernel.
func New(k Kernel, opts ...Option) *Governed {
	g := &Governed{
		kernel:    k,
		store:     ratelimit.NewMemoryStore(),
		limits:    make(map[Operation]ratelimit.Limit),
		validator: sanitize.NewValidator(),
		trail:     audit.NewTrail(),
		logger:    slog.Default().With("component", "governance"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// guard applies the burst guard and the operation's window, auditing
// violations. The kernel is not touched on rejection.
func (g *Governed) guard(ctx context.Context, op Operation) error {
	if g.burst != nil && !g.burst.Allow() {
		err := fmt.Errorf("%w: aggregate burst for %s", ratelimit.ErrRateLimited, op)
		g.record(op, false, map[string]any{"reason": "burst guard"})
		return err
	}
	limit, configured := g.limits[op]
	if !configured {
		return nil
	}
	if err := ratelimit.Check(ctx, g.store, op.String(), limit); err != nil {
		g.record(op, false, map[string]any{"reason": err.Error()})
		return err
	}
	return nil
}

// checkAction validates and sanitizes an incoming action, auditing
// rejections.
func (g *Governed) checkAction(op Operation, action contracts.Action) (contracts.Action, error) {
	if err := g.validator.Validate(action); err != nil {
		g.record(op, false, map[string]any{"reason": err.Error()})
		return contracts.Action{}, err
	}
	return sanitize.CleanAction(action), nil
}

func (g *Governed) record(op Operation, success bool, details map[string]any) {
	if _, err := g.trail.Record(op.String(), success, details); err != nil {
		g.logger.Warn("audit record failed", "operation", op.String(), "error", err)
	}
}

// Append validates, sanitizes, and records an action.
func (g *Governed) Append(ctx context.Context, action contracts.Action) (contracts.Action, error) {
	if err := g.guard(ctx, OpAppend); err != nil {
		return contracts.Action{}, err
	}
	cleaned, err := g.checkAction(OpAppend, action)
	if err != nil {
		return contracts.Action{}, err
	}

	stamped, err := g.kernel.Append(ctx, cleaned)
	if err != nil {
		g.record(OpAppend, false, map[string]any{"error": err.Error()})
		return contracts.Action{}, err
	}
	g.record(OpAppend, true, map[string]any{"type": stamped.Type, "ledger_index": stamped.LedgerIndex})
	return stamped, nil
}

// Witness gates an action on its declared risk.
func (g *Governed) Witness(ctx context.Context, action contracts.Action, timeout time.Duration) (bool, error) {
	if err := g.guard(ctx, OpWitness); err != nil {
		return false, err
	}
	cleaned, err := g.checkAction(OpWitness, action)
	if err != nil {
		return false, err
	}

	approved, err := g.kernel.Witness(ctx, cleaned, timeout)
	if err != nil {
		g.record(OpWitness, false, map[string]any{"error": err.Error(), "type": cleaned.Type})
		return false, err
	}
	g.record(OpWitness, true, map[string]any{"type": cleaned.Type, "approved": approved})
	return approved, nil
}

// Heartbeat checkpoints the kernel.
func (g *Governed) Heartbeat(ctx context.Context) error {
	if err := g.guard(ctx, OpHeartbeat); err != nil {
		return err
	}
	if err := g.kernel.Heartbeat(ctx); err != nil {
		g.record(OpHeartbeat, false, map[string]any{"error": err.Error()})
		return err
	}
	g.record(OpHeartbeat, true, nil)
	return nil
}

// Molt resets drift and advances the shell version.
func (g *Governed) Molt(ctx context.Context, reason string) (int64, error) {
	if err := g.guard(ctx, OpMolt); err != nil {
		return 0, err
	}
	version, err := g.kernel.Molt(ctx, sanitize.CleanString(reason))
	if err != nil {
		g.record(OpMolt, false, map[string]any{"error": err.Error()})
		return 0, err
	}
	g.record(OpMolt, true, map[string]any{"shell_version": version})
	return version, nil
}

// EnforceCoherence scores the trailing ledger window.
func (g *Governed) EnforceCoherence(ctx context.Context, windowSize int) (float64, error) {
	if err := g.guard(ctx, OpEnforceCoherence); err != nil {
		return 0, err
	}
	score, err := g.kernel.EnforceCoherence(ctx, windowSize)
	if err != nil {
		g.record(OpEnforceCoherence, false, map[string]any{"error": err.Error(), "score": score})
		return score, err
	}
	g.record(OpEnforceCoherence, true, map[string]any{"score": score})
	return score, nil
}

// Rehydrate folds a ledger tail onto a capsule's frozen state.
func (g *Governed) Rehydrate(ctx context.Context, capsule *contracts.Capsule, tail []contracts.Action) (map[string]any, error) {
	if err := g.guard(ctx, OpRehydrate); err != nil {
		return nil, err
	}
	state, err := g.kernel.Rehydrate(capsule, tail)
	if err != nil {
		g.record(OpRehydrate, false, map[string]any{"error": err.Error()})
		return nil, err
	}
	g.record(OpRehydrate, true, map[string]any{"replayed": state["replayed"]})
	return state, nil
}

// GetMetrics passes through to the kernel.
func (g *Governed) GetMetrics() (kernel.Metrics, error) {
	return g.kernel.GetMetrics()
}

// GetHealth passes through to the kernel.
func (g *Governed) GetHealth() contracts.HealthReport {
	return g.kernel.GetHealth()
}

// GetSnapshot passes through to the kernel.
func (g *Governed) GetSnapshot() contracts.Snapshot {
	return g.kernel.GetSnapshot()
}

// SetInvariant passes through to the kernel.
func (g *Governed) SetInvariant(key string, value any) {
	g.kernel.SetInvariant(key, value)
}

// GetAuditSummary aggregates the retained audit events.
func (g *Governed) GetAuditSummary() audit.Summary {
	return g.trail.Summarize()
}

// AuditTrail exposes the trail for export and verification.
func (g *Governed) AuditTrail() *audit.Trail {
	return g.trail
}

// IsRejection reports whether an error is a governance-layer rejection
// (rate limit or validation) as opposed to a kernel failure.
func IsRejection(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited) || errors.Is(err, sanitize.ErrInvalid)
}
