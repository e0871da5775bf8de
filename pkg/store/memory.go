package store

import (
	"context"
	"sort"
	"sync"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"
)

// MemoryStore keeps capsules and entries in process. For tests and
// ephemeral deployments.
type MemoryStore struct {
	mu       sync.Mutex
	capsules []*contracts.Capsule
	entries  map[int64]ledger.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]ledger.Entry)}
}

// SaveCapsule implements CapsuleStore. Re-saving a capsule by the same
// ID is a no-op, matching the SQLite store.
func (s *MemoryStore) SaveCapsule(ctx context.Context, c *contracts.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.capsules {
		if existing.ID == c.ID {
			return nil
		}
	}
	copied := *c
	s.capsules = append(s.capsules, &copied)
	return nil
}

// LatestCapsule implements CapsuleStore.
func (s *MemoryStore) LatestCapsule(ctx context.Context) (*contracts.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.capsules) == 0 {
		return nil, ErrNotFound
	}
	latest := s.capsules[0]
	for _, c := range s.capsules[1:] {
		if c.LedgerCheckpoint >= latest.LedgerCheckpoint {
			latest = c
		}
	}
	copied := *latest
	return &copied, nil
}

// ListCapsules implements CapsuleStore, newest first.
func (s *MemoryStore) ListCapsules(ctx context.Context, limit int) ([]*contracts.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*contracts.Capsule, 0, len(s.capsules))
	for _, c := range s.capsules {
		copied := *c
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LedgerCheckpoint > out[j].LedgerCheckpoint
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveEntries implements LedgerStore. Overlapping indexes keep the
// first write, matching the SQLite store.
func (s *MemoryStore) SaveEntries(ctx context.Context, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, exists := s.entries[e.Action.LedgerIndex]; !exists {
			s.entries[e.Action.LedgerIndex] = e
		}
	}
	return nil
}

// EntriesSince implements LedgerStore.
func (s *MemoryStore) EntriesSince(ctx context.Context, index int64) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for idx, e := range s.entries {
		if idx >= index {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Action.LedgerIndex < out[j].Action.LedgerIndex
	})
	return out, nil
}
