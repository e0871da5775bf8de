// Package witness implements the approval gate for high-risk actions.
//
// Actions whose declared risk is below the threshold pass immediately.
// Above it, the gate races a registered approver against a deadline:
// whichever resolves first wins. Cancellation is best-effort — a timed-out
// approver invocation is not forcibly aborted, and its eventual result is
// discarded rather than applied. Any late side effects belong to the
// approver, not the kernel.
package witness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

var (
	// ErrNoApprover is returned when a high-risk action is witnessed
	// without a registered approver.
	ErrNoApprover = errors.New("witness: no approver registered for high-risk action")
	// ErrApprovalTimeout is returned when the approver does not respond
	// within the configured deadline.
	ErrApprovalTimeout = errors.New("witness: approval timed out")
)

// DefaultThreshold is the risk level at or above which an external
// approver is required.
const DefaultThreshold = 0.7

// DefaultTimeout bounds the wait for an approver response.
const DefaultTimeout = 5 * time.Minute

// Approver decides whether a high-risk action may proceed.
type Approver interface {
	Approve(ctx context.Context, action contracts.Action) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, action contracts.Action) (bool, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, action contracts.Action) (bool, error) {
	return f(ctx, action)
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Approved bool `json:"approved"`
	// Immediate marks decisions made without consulting the approver
	// (risk below threshold).
	Immediate bool          `json:"immediate"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Gate evaluates actions against the risk threshold. Concurrent
// evaluations are independent: each races its own approver call against
// its own timer.
type Gate struct {
	approver  Approver
	threshold float64
	timeout   time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithApprover registers the external approver.
func WithApprover(a Approver) Option {
	return func(g *Gate) { g.approver = a }
}

// WithThreshold overrides the risk threshold.
func WithThreshold(threshold float64) Option {
	return func(g *Gate) { g.threshold = threshold }
}

// WithTimeout overrides the default approval deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) { g.timeout = timeout }
}

// NewGate creates a gate with the default threshold and timeout.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold returns the configured risk threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

type approverResult struct {
	approved bool
	err      error
}

// Evaluate applies the gate to an action. A non-positive timeout falls
// back to the gate's configured deadline. The calling goroutine blocks
// until the approver responds, the deadline fires, or ctx is done;
// neither case blocks other gate evaluations.
func (g *Gate) Evaluate(ctx context.Context, action contracts.Action, timeout time.Duration) (Decision, error) {
	if action.RiskValue() < g.threshold {
		return Decision{Approved: true, Immediate: true}, nil
	}
	if g.approver == nil {
		return Decision{}, ErrNoApprover
	}
	if timeout <= 0 {
		timeout = g.timeout
	}

	start := time.Now()

	// Buffered so a late approver can still deliver without leaking the
	// goroutine; the result is simply never read.
	resCh := make(chan approverResult, 1)
	go func() {
		approved, err := g.approver.Approve(ctx, action)
		resCh <- approverResult{approved: approved, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.err != nil {
			return Decision{}, fmt.Errorf("witness: approver failed: %w", res.err)
		}
		return Decision{Approved: res.approved, Elapsed: time.Since(start)}, nil
	case <-timer.C:
		return Decision{}, fmt.Errorf("%w after %s", ErrApprovalTimeout, timeout)
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
