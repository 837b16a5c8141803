package fingerprint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the dedup index. First-writer-wins is enforced by
// INSERT OR IGNORE followed by a read-back, so concurrent registrations for
// the same fingerprint linearize on the primary key.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS fingerprints (
        fingerprint TEXT PRIMARY KEY,
        draft_id TEXT NOT NULL,
        metadata JSON,
        registered_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Lookup(ctx context.Context, fp string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, draft_id, metadata, registered_at FROM fingerprints WHERE fingerprint = ?`, fp)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) Register(ctx context.Context, fp, draftID string, metadata map[string]string) (Entry, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("fingerprint: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fingerprints (fingerprint, draft_id, metadata, registered_at)
         VALUES (?, ?, ?, ?)`,
		fp, draftID, string(metaJSON), s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("fingerprint: register: %w", err)
	}

	// Read back whatever won; on conflict this is the first writer's entry.
	e, ok, err := s.Lookup(ctx, fp)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("fingerprint: entry vanished after register")
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e            Entry
		metaJSON     sql.NullString
		registeredAt string
	)
	if err := row.Scan(&e.Fingerprint, &e.DraftID, &metaJSON, &registeredAt); err != nil {
		return Entry{}, err
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("fingerprint: unmarshal metadata: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, registeredAt)
	if err != nil {
		return Entry{}, fmt.Errorf("fingerprint: parse registered_at: %w", err)
	}
	e.RegisteredAt = ts
	return e, nil
}
