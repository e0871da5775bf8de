// Package store persists the kernel's durable surface: capsules and
// ledger entries. The kernel itself never touches a store; callers
// snapshot the kernel and hand the result here, and rehydrate from here
// after a restart.
package store

import (
	"context"
	"errors"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"
)

// ErrNotFound is returned when no capsule or entry matches.
var ErrNotFound = errors.New("store: not found")

// CapsuleStore persists checkpoint capsules. Capsules are immutable;
// stores only ever insert.
type CapsuleStore interface {
	SaveCapsule(ctx context.Context, c *contracts.Capsule) error
	LatestCapsule(ctx context.Context) (*contracts.Capsule, error)
	ListCapsules(ctx context.Context, limit int) ([]*contracts.Capsule, error)
}

// LedgerStore persists ledger entries past a capsule's checkpoint so a
// restart can replay the tail.
type LedgerStore interface {
	SaveEntries(ctx context.Context, entries []ledger.Entry) error
	EntriesSince(ctx context.Context, index int64) ([]ledger.Entry, error)
}

// Store is the combined persistence surface a deployment wires up.
type Store interface {
	CapsuleStore
	LedgerStore
}
