// Package ledger implements the append-only action log at the heart of
// the continuity kernel.
//
//   - Insertion order is load-bearing: LedgerIndex equals position (0-based).
//   - Entries are hash-chained to their predecessor; no deletions, no
//     mutations, no reordering after append.
//   - The ledger grows for the lifetime of the kernel instance.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-labs/carapace/pkg/canonicalize"
	"github.com/carapace-labs/carapace/pkg/contracts"
)

// ErrNotFound is returned when an entry index is out of range.
var ErrNotFound = errors.New("ledger: entry not found")

// Entry is an immutable, hash-chained ledger record.
type Entry struct {
	Action      contracts.Action `json:"action"`
	ContentHash string           `json:"content_hash"`
	PrevHash    string           `json:"prev_hash"`
}

// Ledger is an append-only, hash-chained log of actions.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append stamps the action with the current time and the next sequential
// index, then adds it to the log. Appends always succeed barring a
// marshaling failure of the payload; there is no validation at this layer.
func (l *Ledger) Append(action contracts.Action) (contracts.Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	action.LedgerIndex = int64(len(l.entries))
	action.Timestamp = l.clock()
	if action.ID == "" {
		action.ID = uuid.New().String()
	}

	hashInput := struct {
		Index    int64          `json:"index"`
		Type     string         `json:"type"`
		Payload  map[string]any `json:"payload"`
		PrevHash string         `json:"prev"`
	}{action.LedgerIndex, action.Type, action.Payload, l.headHash}

	contentHash, err := canonicalize.Hash(hashInput)
	if err != nil {
		return contracts.Action{}, err
	}

	l.entries = append(l.entries, Entry{
		Action:      action,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
	})
	l.headHash = contentHash

	return action, nil
}

// Get retrieves the entry at the given 0-based index.
func (l *Ledger) Get(index int64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= int64(len(l.entries)) {
		return Entry{}, ErrNotFound
	}
	return l.entries[index], nil
}

// Len returns the number of entries.
func (l *Ledger) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries))
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Tail returns a copy of the last n actions, oldest first. n larger than
// the ledger returns everything.
func (l *Ledger) Tail(n int) []contracts.Action {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	start := len(l.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]contracts.Action, 0, len(l.entries)-start)
	for _, e := range l.entries[start:] {
		out = append(out, e.Action)
	}
	return out
}

// Since returns a copy of all actions at or after the given index,
// oldest first. This is the slice a caller folds during rehydration.
func (l *Ledger) Since(index int64) []contracts.Action {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	if index > int64(len(l.entries)) {
		return nil
	}
	out := make([]contracts.Action, 0, int64(len(l.entries))-index)
	for _, e := range l.entries[index:] {
		out = append(out, e.Action)
	}
	return out
}

// EntriesSince is Since with hashes attached, for persistence.
func (l *Ledger) EntriesSince(index int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	if index > int64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, int64(len(l.entries))-index)
	copy(out, l.entries[index:])
	return out
}

// Verify checks the integrity of the entire chain: every entry must link
// to its predecessor and match its recomputed content hash.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := "genesis"
	for i, e := range l.entries {
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at index %d: expected prev %s, got %s", i, prevHash, e.PrevHash)
		}
		hashInput := struct {
			Index    int64          `json:"index"`
			Type     string         `json:"type"`
			Payload  map[string]any `json:"payload"`
			PrevHash string         `json:"prev"`
		}{e.Action.LedgerIndex, e.Action.Type, e.Action.Payload, e.PrevHash}

		computed, err := canonicalize.Hash(hashInput)
		if err != nil {
			return false, fmt.Sprintf("hash recompute failed at index %d", i)
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at index %d", i)
		}
		prevHash = e.ContentHash
	}
	return true, "chain verified"
}
