package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"
)

func TestMemoryStoreLatestCapsule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LatestCapsule(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCapsule(ctx, &contracts.Capsule{ID: "cap-1", LedgerCheckpoint: 2}))
	require.NoError(t, s.SaveCapsule(ctx, &contracts.Capsule{ID: "cap-2", LedgerCheckpoint: 7}))

	latest, err := s.LatestCapsule(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cap-2", latest.ID)

	capsules, err := s.ListCapsules(ctx, 1)
	require.NoError(t, err)
	require.Len(t, capsules, 1)
	assert.Equal(t, "cap-2", capsules[0].ID)
}

func TestMemoryStoreSaveEntriesKeepsFirstWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := ledger.Entry{Action: contracts.Action{ID: "a", Type: "observe", LedgerIndex: 0}, ContentHash: "sha256:aa"}
	dupe := ledger.Entry{Action: contracts.Action{ID: "b", Type: "tampered", LedgerIndex: 0}, ContentHash: "sha256:xx"}

	require.NoError(t, s.SaveEntries(ctx, []ledger.Entry{first}))
	require.NoError(t, s.SaveEntries(ctx, []ledger.Entry{dupe}))

	entries, err := s.EntriesSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "observe", entries[0].Action.Type)
}

func TestMemoryStoreEntriesSinceOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var batch []ledger.Entry
	for i := int64(4); i >= 0; i-- {
		batch = append(batch, ledger.Entry{Action: contracts.Action{Type: "observe", LedgerIndex: i}})
	}
	require.NoError(t, s.SaveEntries(ctx, batch))

	entries, err := s.EntriesSince(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.EqualValues(t, 2+i, e.Action.LedgerIndex)
	}
}
