package governance

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/kernel"
	"github.com/carapace-labs/carapace/pkg/ratelimit"
	"github.com/carapace-labs/carapace/pkg/sanitize"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newGoverned(t *testing.T, opts ...Option) (*Governed, *kernel.Kernel) {
	t.Helper()
	k := kernel.New(kernel.WithClock(newFakeClock().Now))
	return New(k, opts...), k
}

func TestAppendPassesThrough(t *testing.T) {
	g, k := newGoverned(t)

	stamped, err := g.Append(context.Background(), contracts.Action{
		Type:    "observe",
		Payload: map[string]any{"target": "sensor-4"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stamped.LedgerIndex)
	assert.EqualValues(t, 1, k.Ledger().Len())
}

func TestAppendRejectsInvalidAction(t *testing.T) {
	g, k := newGoverned(t)

	_, err := g.Append(context.Background(), contracts.Action{Type: ""})
	require.ErrorIs(t, err, sanitize.ErrInvalid)
	assert.EqualValues(t, 0, k.Ledger().Len(), "invalid action must not reach the kernel")

	events := g.AuditTrail().Events()
	require.Len(t, events, 1)
	assert.Equal(t, "append", events[0].Operation)
	assert.False(t, events[0].Success)
}

func TestAppendSanitizesPayload(t *testing.T) {
	g, k := newGoverned(t)

	_, err := g.Append(context.Background(), contracts.Action{
		Type:    "note",
		Payload: map[string]any{"text": `<script>alert(1)</script>hello`},
	})
	require.NoError(t, err)

	entry, err := k.Ledger().Get(0)
	require.NoError(t, err)
	text := entry.Action.Payload["text"].(string)
	assert.NotContains(t, text, "<script>")
	assert.Contains(t, text, "hello")
}

func TestRateLimitBlocksWithoutTouchingKernel(t *testing.T) {
	g, k := newGoverned(t, WithRateLimit(OpAppend, ratelimit.Limit{MaxCalls: 2, Window: time.Minute}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Append(ctx, contracts.Action{Type: "observe"})
		require.NoError(t, err)
	}
	_, err := g.Append(ctx, contracts.Action{Type: "observe"})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.EqualValues(t, 2, k.Ledger().Len())

	summary := g.GetAuditSummary()
	assert.Equal(t, int64(3), summary.TotalRecorded)
	assert.Equal(t, 1, summary.Failures)
}

func TestRateLimitsAreIndependentPerOperation(t *testing.T) {
	g, _ := newGoverned(t, WithRateLimit(OpAppend, ratelimit.Limit{MaxCalls: 1, Window: time.Minute}))
	ctx := context.Background()

	_, err := g.Append(ctx, contracts.Action{Type: "observe"})
	require.NoError(t, err)
	_, err = g.Append(ctx, contracts.Action{Type: "observe"})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)

	// Heartbeat has no configured limit and must be unaffected.
	require.NoError(t, g.Heartbeat(ctx))
}

func TestBurstGuardCapsAggregateRate(t *testing.T) {
	g, _ := newGoverned(t, WithBurstGuard(ratelimit.NewBurstGuard(1, 2)))
	ctx := context.Background()

	_, err := g.Append(ctx, contracts.Action{Type: "observe"})
	require.NoError(t, err)
	require.NoError(t, g.Heartbeat(ctx))

	_, err = g.Append(ctx, contracts.Action{Type: "observe"})
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestWitnessLowRiskApproved(t *testing.T) {
	g, _ := newGoverned(t)

	approved, err := g.Witness(context.Background(), contracts.Action{Type: "observe"}, time.Second)
	require.NoError(t, err)
	assert.True(t, approved)

	events := g.AuditTrail().Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, true, events[0].Details["approved"])
}

func TestWitnessKernelErrorAudited(t *testing.T) {
	g, _ := newGoverned(t)

	action := contracts.Action{Type: "deploy"}
	_, err := g.Witness(context.Background(), action.WithRisk(0.9), time.Second)
	require.Error(t, err, "high risk with no approver must fail closed")

	events := g.AuditTrail().Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestMoltSanitizesReason(t *testing.T) {
	g, k := newGoverned(t)

	version, err := g.Molt(context.Background(), "<script>x</script>planned upgrade")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	entry, err := k.Ledger().Get(0)
	require.NoError(t, err)
	reason := entry.Action.Payload["reason"].(string)
	assert.False(t, strings.Contains(reason, "<script>"))
}

func TestRehydrateRoundTrip(t *testing.T) {
	g, k := newGoverned(t)
	ctx := context.Background()

	require.NoError(t, g.Heartbeat(ctx))
	_, err := g.Append(ctx, contracts.Action{Type: "observe"})
	require.NoError(t, err)

	snap := k.GetSnapshot()
	tail := k.Ledger().Since(snap.Capsule.LedgerCheckpoint)
	state, err := g.Rehydrate(ctx, snap.Capsule, tail)
	require.NoError(t, err)

	last, ok := state["last_action"].(contracts.Action)
	require.True(t, ok)
	assert.Equal(t, "observe", last.Type)
	assert.Equal(t, 1, state["replayed"])
}

func TestEnforceCoherenceAudited(t *testing.T) {
	g, _ := newGoverned(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Append(ctx, contracts.Action{Type: "observe"})
		require.NoError(t, err)
	}
	score, err := g.EnforceCoherence(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, score, 1e-9)

	summary := g.GetAuditSummary()
	assert.Equal(t, 1, summary.ByOperation["enforce_coherence"])
}

func TestValidatorWithSchemaEnforced(t *testing.T) {
	v := sanitize.NewValidator()
	require.NoError(t, v.AddPayloadSchema("deploy", `{
		"type": "object",
		"required": ["service"],
		"properties": {"service": {"type": "string"}}
	}`))
	g, _ := newGoverned(t, WithValidator(v))

	_, err := g.Append(context.Background(), contracts.Action{
		Type:    "deploy",
		Payload: map[string]any{"region": "eu-west-1"},
	})
	require.ErrorIs(t, err, sanitize.ErrInvalid)
}

func TestIsRejection(t *testing.T) {
	g, _ := newGoverned(t, WithRateLimit(OpMolt, ratelimit.Limit{MaxCalls: 0, Window: time.Minute}))

	_, err := g.Molt(context.Background(), "refresh")
	require.Error(t, err)
	assert.True(t, IsRejection(err))

	_, err = g.Append(context.Background(), contracts.Action{Type: ""})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestOperationStrings(t *testing.T) {
	want := map[Operation]string{
		OpAppend:           "append",
		OpWitness:          "witness",
		OpHeartbeat:        "heartbeat",
		OpMolt:             "molt",
		OpEnforceCoherence: "enforce_coherence",
		OpRehydrate:        "rehydrate",
	}
	for op, s := range want {
		assert.Equal(t, s, op.String())
	}
	assert.Len(t, Operations(), len(want))
}
