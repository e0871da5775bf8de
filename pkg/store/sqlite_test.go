package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"
)

func TestSQLiteStore_SaveCapsule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &SQLiteStore{db: db}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := &contracts.Capsule{
		ID:               "cap-1",
		Timestamp:        now,
		FrozenState:      map[string]any{"agent_id": "crab-7"},
		LedgerCheckpoint: 4,
		SchemaVersion:    "1.0.0",
		ShellVersion:     2,
	}

	mock.ExpectExec("INSERT OR IGNORE INTO capsules").
		WithArgs(c.ID, now.Format(time.RFC3339Nano), `{"agent_id":"crab-7"}`,
			c.LedgerCheckpoint, c.SchemaVersion, c.ShellVersion).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveCapsule(ctx, c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LatestCapsule(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &SQLiteStore{db: db}

	rows := sqlmock.NewRows([]string{
		"capsule_id", "timestamp", "frozen_state", "ledger_checkpoint", "schema_version", "shell_version",
	}).AddRow("cap-2", "2026-03-01T09:00:00Z", `{"agent_id":"crab-7"}`, 9, "1.0.0", 3)

	mock.ExpectQuery("SELECT (.+) FROM capsules").WillReturnRows(rows)

	c, err := s.LatestCapsule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cap-2", c.ID)
	assert.EqualValues(t, 9, c.LedgerCheckpoint)
	assert.Equal(t, "crab-7", c.FrozenState["agent_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_LatestCapsuleEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &SQLiteStore{db: db}

	mock.ExpectQuery("SELECT (.+) FROM capsules").
		WillReturnRows(sqlmock.NewRows([]string{
			"capsule_id", "timestamp", "frozen_state", "ledger_checkpoint", "schema_version", "shell_version",
		}))

	_, err = s.LatestCapsule(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SaveEntriesInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &SQLiteStore{db: db}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entry := ledger.Entry{
		Action: contracts.Action{
			ID:          "act-1",
			Type:        "observe",
			Payload:     map[string]any{"target": "sensor-4"},
			Timestamp:   now,
			LedgerIndex: 0,
		},
		ContentHash: "sha256:aa",
		PrevHash:    "genesis",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO ledger_entries").
		WithArgs(int64(0), "act-1", "observe", `{"target":"sensor-4"}`,
			nil, now.Format(time.RFC3339Nano), "sha256:aa", "genesis").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveEntries(context.Background(), []ledger.Entry{entry}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_EntriesSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &SQLiteStore{db: db}

	rows := sqlmock.NewRows([]string{
		"ledger_index", "action_id", "action_type", "payload", "risk", "timestamp", "content_hash", "prev_hash",
	}).
		AddRow(3, "act-3", "observe", `{"n":1}`, nil, "2026-03-01T09:00:00Z", "sha256:cc", "sha256:bb").
		AddRow(4, "act-4", "deploy", nil, 0.8, "2026-03-01T09:01:00Z", "sha256:dd", "sha256:cc")

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries").
		WithArgs(int64(3)).
		WillReturnRows(rows)

	entries, err := s.EntriesSince(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 3, entries[0].Action.LedgerIndex)
	assert.Equal(t, float64(1), entries[0].Action.Payload["n"])
	assert.InDelta(t, 0.8, entries[1].Action.RiskValue(), 1e-9)
	assert.Equal(t, entries[0].ContentHash, entries[1].PrevHash)
}
