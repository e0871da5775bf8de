package witness

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

func TestLowRiskApprovesImmediately(t *testing.T) {
	var called atomic.Bool
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		called.Store(true)
		return false, nil
	})))

	d, err := g.Evaluate(context.Background(), contracts.Action{Type: "read"}.WithRisk(0.5), 0)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.True(t, d.Immediate)
	assert.False(t, called.Load(), "approver must not be invoked below threshold")
}

func TestAbsentRiskDefaultsToZero(t *testing.T) {
	g := NewGate()
	d, err := g.Evaluate(context.Background(), contracts.Action{Type: "noop"}, 0)
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestHighRiskWithoutApprover(t *testing.T) {
	g := NewGate()
	_, err := g.Evaluate(context.Background(), contracts.Action{Type: "destroy"}.WithRisk(0.9), 0)
	require.ErrorIs(t, err, ErrNoApprover)
}

func TestHighRiskApproved(t *testing.T) {
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		return true, nil
	})))

	d, err := g.Evaluate(context.Background(), contracts.Action{Type: "destroy"}.WithRisk(0.9), 0)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.False(t, d.Immediate)
}

func TestHighRiskRejected(t *testing.T) {
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		return false, nil
	})))

	d, err := g.Evaluate(context.Background(), contracts.Action{Type: "destroy"}.WithRisk(0.9), 0)
	require.NoError(t, err)
	assert.False(t, d.Approved)
}

func TestApproverErrorPropagates(t *testing.T) {
	boom := errors.New("approver broken")
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		return false, boom
	})))

	_, err := g.Evaluate(context.Background(), contracts.Action{Type: "x"}.WithRisk(0.8), 0)
	require.ErrorIs(t, err, boom)
}

func TestTimeoutBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		<-block
		return true, nil
	})))

	start := time.Now()
	_, err := g.Evaluate(context.Background(), contracts.Action{Type: "x"}.WithRisk(0.9), 10*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Less(t, elapsed, 500*time.Millisecond, "timeout should fire near the deadline")
}

func TestConcurrentGatesDoNotSerialize(t *testing.T) {
	// One slow approval must not delay an independent fast one.
	release := make(chan struct{})
	defer close(release)
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		if a.Type == "slow" {
			<-release
		}
		return true, nil
	})))

	slowDone := make(chan error, 1)
	go func() {
		_, err := g.Evaluate(context.Background(), contracts.Action{Type: "slow"}.WithRisk(0.9), time.Second)
		slowDone <- err
	}()

	start := time.Now()
	d, err := g.Evaluate(context.Background(), contracts.Action{Type: "fast"}.WithRisk(0.9), time.Second)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	release <- struct{}{}
	require.NoError(t, <-slowDone)
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	g := NewGate(WithApprover(ApproverFunc(func(ctx context.Context, a contracts.Action) (bool, error) {
		<-block
		return true, nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Evaluate(ctx, contracts.Action{Type: "x"}.WithRisk(0.9), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCELApprover(t *testing.T) {
	a, err := NewCELApprover(`risk < 0.95 && action.type != "forbidden"`)
	require.NoError(t, err)

	ok, err := a.Approve(context.Background(), contracts.Action{Type: "deploy"}.WithRisk(0.8))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Approve(context.Background(), contracts.Action{Type: "forbidden"}.WithRisk(0.8))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Approve(context.Background(), contracts.Action{Type: "deploy"}.WithRisk(0.99))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELApproverCompileError(t *testing.T) {
	_, err := NewCELApprover(`this is not cel`)
	require.Error(t, err)
}

func TestCELApproverNonBool(t *testing.T) {
	a, err := NewCELApprover(`1 + 1`)
	require.NoError(t, err)
	_, err = a.Approve(context.Background(), contracts.Action{Type: "x"}.WithRisk(0.9))
	require.Error(t, err)
}
