package ledger

import (
	"testing"
	"time"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

func TestAppendAssignsIndexAndTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New().WithClock(func() time.Time { return now })

	a, err := l.Append(contracts.Action{Type: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if a.LedgerIndex != 0 {
		t.Fatalf("expected index 0, got %d", a.LedgerIndex)
	}
	if !a.Timestamp.Equal(now) {
		t.Fatalf("expected ledger-assigned timestamp, got %v", a.Timestamp)
	}
	if a.ID == "" {
		t.Fatal("expected an assigned ID")
	}
	if l.Len() != 1 {
		t.Fatalf("expected length 1, got %d", l.Len())
	}
}

func TestIndicesStrictlyIncreasing(t *testing.T) {
	l := New()
	const n = 50
	for i := 0; i < n; i++ {
		a, err := l.Append(contracts.Action{Type: "step"})
		if err != nil {
			t.Fatal(err)
		}
		if a.LedgerIndex != int64(i) {
			t.Fatalf("entry %d got index %d", i, a.LedgerIndex)
		}
	}
	if l.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, l.Len())
	}
}

func TestCallerIndexIgnored(t *testing.T) {
	l := New()
	a, _ := l.Append(contracts.Action{Type: "x", LedgerIndex: 99})
	if a.LedgerIndex != 0 {
		t.Fatalf("caller-supplied index must be overwritten, got %d", a.LedgerIndex)
	}
}

func TestChainIntegrity(t *testing.T) {
	l := New()
	l.Append(contracts.Action{Type: "a", Payload: map[string]any{"x": 1}})
	l.Append(contracts.Action{Type: "b", Payload: map[string]any{"x": 2}})
	l.Append(contracts.Action{Type: "c"})

	ok, reason := l.Verify()
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}

	e0, _ := l.Get(0)
	e1, _ := l.Get(1)
	if e1.PrevHash != e0.ContentHash {
		t.Fatal("second entry prev_hash should match first content_hash")
	}
}

func TestGetNotFound(t *testing.T) {
	l := New()
	if _, err := l.Get(5); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.Get(-1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTailAndSince(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Append(contracts.Action{Type: "t"})
	}

	tail := l.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2, got %d", len(tail))
	}
	if tail[0].LedgerIndex != 3 || tail[1].LedgerIndex != 4 {
		t.Fatalf("unexpected tail indices: %d, %d", tail[0].LedgerIndex, tail[1].LedgerIndex)
	}

	since := l.Since(3)
	if len(since) != 2 {
		t.Fatalf("expected 2 entries since index 3, got %d", len(since))
	}
	if all := l.Tail(100); len(all) != 5 {
		t.Fatalf("oversized tail should return everything, got %d", len(all))
	}
}

func TestHeadChangesOnAppend(t *testing.T) {
	l := New()
	if l.Head() != "genesis" {
		t.Fatal("expected genesis head")
	}
	l.Append(contracts.Action{Type: "a"})
	if l.Head() == "genesis" {
		t.Fatal("head should change after append")
	}
}
