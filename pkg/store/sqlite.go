package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/ledger"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps capsules and ledger entries in a single SQLite
// database. Suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing connection and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS capsules (
		capsule_id TEXT PRIMARY KEY,
		timestamp DATETIME,
		frozen_state JSON,
		ledger_checkpoint INTEGER NOT NULL,
		schema_version TEXT NOT NULL,
		shell_version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		ledger_index INTEGER PRIMARY KEY,
		action_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload JSON,
		risk REAL,
		timestamp DATETIME,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCapsule implements CapsuleStore. Capsules are immutable, so
// re-saving an already persisted capsule is a no-op.
func (s *SQLiteStore) SaveCapsule(ctx context.Context, c *contracts.Capsule) error {
	query := `INSERT OR IGNORE INTO capsules (
		capsule_id, timestamp, frozen_state, ledger_checkpoint, schema_version, shell_version
	) VALUES (?, ?, ?, ?, ?, ?)`

	frozenJSON, err := json.Marshal(c.FrozenState)
	if err != nil {
		return fmt.Errorf("store: encode frozen state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Timestamp.UTC().Format(time.RFC3339Nano), string(frozenJSON),
		c.LedgerCheckpoint, c.SchemaVersion, c.ShellVersion,
	)
	if err != nil {
		return fmt.Errorf("store: insert capsule: %w", err)
	}
	return nil
}

// LatestCapsule implements CapsuleStore.
func (s *SQLiteStore) LatestCapsule(ctx context.Context) (*contracts.Capsule, error) {
	query := `
		SELECT capsule_id, timestamp, frozen_state, ledger_checkpoint, schema_version, shell_version
		FROM capsules
		ORDER BY ledger_checkpoint DESC, timestamp DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query)
	c, err := scanCapsule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCapsules implements CapsuleStore, newest first.
func (s *SQLiteStore) ListCapsules(ctx context.Context, limit int) ([]*contracts.Capsule, error) {
	query := `
		SELECT capsule_id, timestamp, frozen_state, ledger_checkpoint, schema_version, shell_version
		FROM capsules
		ORDER BY ledger_checkpoint DESC, timestamp DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var capsules []*contracts.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows.Scan)
		if err != nil {
			return nil, err
		}
		capsules = append(capsules, c)
	}
	return capsules, rows.Err()
}

// SaveEntries implements LedgerStore. Entries already present (by
// ledger index) are left untouched, so re-saving an overlapping tail
// after a retried heartbeat is safe.
func (s *SQLiteStore) SaveEntries(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT OR IGNORE INTO ledger_entries (
		ledger_index, action_id, action_type, payload, risk, timestamp, content_hash, prev_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for _, e := range entries {
		payloadJSON, err := json.Marshal(e.Action.Payload)
		if err != nil {
			return fmt.Errorf("store: encode payload: %w", err)
		}
		var risk any
		if e.Action.Risk != nil {
			risk = *e.Action.Risk
		}
		if _, err := tx.ExecContext(ctx, query,
			e.Action.LedgerIndex, e.Action.ID, e.Action.Type, string(payloadJSON),
			risk, e.Action.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ContentHash, e.PrevHash,
		); err != nil {
			return fmt.Errorf("store: insert entry %d: %w", e.Action.LedgerIndex, err)
		}
	}
	return tx.Commit()
}

// EntriesSince implements LedgerStore, returning entries with index >= index
// in ledger order.
func (s *SQLiteStore) EntriesSince(ctx context.Context, index int64) ([]ledger.Entry, error) {
	query := `
		SELECT ledger_index, action_id, action_type, payload, risk, timestamp, content_hash, prev_hash
		FROM ledger_entries
		WHERE ledger_index >= ?
		ORDER BY ledger_index ASC
	`
	rows, err := s.db.QueryContext(ctx, query, index)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			ledgerIndex int64
			actionID    string
			actionType  string
			payloadJSON sql.NullString
			risk        sql.NullFloat64
			timestamp   string
			contentHash string
			prevHash    string
		)
		if err := rows.Scan(&ledgerIndex, &actionID, &actionType, &payloadJSON, &risk, &timestamp, &contentHash, &prevHash); err != nil {
			return nil, err
		}
		action := contracts.Action{
			ID:          actionID,
			Type:        actionType,
			Timestamp:   parseTime(timestamp),
			LedgerIndex: ledgerIndex,
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &action.Payload)
		}
		if risk.Valid {
			action = action.WithRisk(risk.Float64)
		}
		entries = append(entries, ledger.Entry{
			Action:      action,
			ContentHash: contentHash,
			PrevHash:    prevHash,
		})
	}
	return entries, rows.Err()
}

func scanCapsule(scan func(dest ...any) error) (*contracts.Capsule, error) {
	var (
		id            string
		timestamp     string
		frozenJSON    sql.NullString
		checkpoint    int64
		schemaVersion string
		shellVersion  int64
	)
	if err := scan(&id, &timestamp, &frozenJSON, &checkpoint, &schemaVersion, &shellVersion); err != nil {
		return nil, err
	}

	var frozen map[string]any
	if frozenJSON.Valid && frozenJSON.String != "" {
		_ = json.Unmarshal([]byte(frozenJSON.String), &frozen)
	}
	return &contracts.Capsule{
		ID:               id,
		Timestamp:        parseTime(timestamp),
		FrozenState:      frozen,
		LedgerCheckpoint: checkpoint,
		SchemaVersion:    schemaVersion,
		ShellVersion:     shellVersion,
	}, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
