// Package audit maintains the tamper-evident record of governed calls.
//
// The trail is a bounded ring: it keeps the most recent MaxEvents events
// and evicts the oldest first. Each event is hash-chained to its
// predecessor; the hash of the most recently evicted event is retained so
// the surviving chain still verifies end to end. An optional keyed MAC
// (HKDF-derived, see cryptokeys) hardens the chain against rewrite.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-labs/carapace/pkg/canonicalize"
)

// MaxEvents bounds the number of retained events.
const MaxEvents = 1000

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	MAC       string         `json:"mac,omitempty"`
}

// Summary is an aggregate view of the trail.
type Summary struct {
	TotalRecorded  int64          `json:"total_recorded"`
	Retained       int            `json:"retained"`
	Failures       int            `json:"failures"`
	ByOperation    map[string]int `json:"by_operation"`
	OldestRetained *time.Time     `json:"oldest_retained,omitempty"`
}

// Trail is a bounded, hash-chained audit log.
type Trail struct {
	mu       sync.Mutex
	events   []Event
	baseHash string // prev_hash expected of the oldest retained event
	headHash string
	total    int64
	macKey   []byte
	clock    func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithMACKey enables keyed MACs over entry hashes.
func WithMACKey(key []byte) Option {
	return func(t *Trail) { t.macKey = key }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Trail) { t.clock = clock }
}

// NewTrail creates an empty trail.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{
		events:   make([]Event, 0),
		baseHash: "",
		headHash: "",
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends an audit event for the given operation outcome and
// evicts the oldest event once the trail exceeds MaxEvents.
func (t *Trail) Record(operation string, success bool, details map[string]any) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	event := Event{
		ID:        uuid.New().String(),
		Timestamp: t.clock().UTC(),
		Operation: operation,
		Success:   success,
		Details:   details,
		PrevHash:  t.headHash,
	}

	hash, err := computeEventHash(event)
	if err != nil {
		return Event{}, err
	}
	event.Hash = hash
	if t.macKey != nil {
		event.MAC = computeMAC(t.macKey, hash)
	}

	t.events = append(t.events, event)
	t.headHash = hash
	t.total++

	if len(t.events) > MaxEvents {
		t.baseHash = t.events[0].Hash
		t.events = t.events[1:]
	}

	return event, nil
}

// VerifyChain checks link integrity, content hashes, and MACs (when
// keyed) of every retained event.
func (t *Trail) VerifyChain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevHash := t.baseHash
	for i, e := range t.events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit: chain broken at position %d: prev hash mismatch", i)
		}
		computed, err := computeEventHash(e)
		if err != nil {
			return fmt.Errorf("audit: hash recompute at position %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("audit: integrity failure at position %d: computed %s, stored %s", i, computed, e.Hash)
		}
		if t.macKey != nil && computeMAC(t.macKey, e.Hash) != e.MAC {
			return fmt.Errorf("audit: mac mismatch at position %d", i)
		}
		prevHash = e.Hash
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (t *Trail) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of retained events.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Total returns the number of events ever recorded, including evicted ones.
func (t *Trail) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summarize aggregates the retained events.
func (t *Trail) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalRecorded: t.total,
		Retained:      len(t.events),
		ByOperation:   make(map[string]int),
	}
	for _, e := range t.events {
		s.ByOperation[e.Operation]++
		if !e.Success {
			s.Failures++
		}
	}
	if len(t.events) > 0 {
		oldest := t.events[0].Timestamp
		s.OldestRetained = &oldest
	}
	return s
}

func computeEventHash(e Event) (string, error) {
	// The Hash and MAC fields are excluded from their own computation.
	input := map[string]any{
		"id":        e.ID,
		"timestamp": e.Timestamp,
		"operation": e.Operation,
		"success":   e.Success,
		"details":   e.Details,
		"prev_hash": e.PrevHash,
	}
	return canonicalize.Hash(input)
}

func computeMAC(key []byte, hash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}
