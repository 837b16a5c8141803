package casestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists cases in SQLite. Filterable columns are extracted;
// the full record rides along as a JSON document so schema churn on the
// case aggregate does not mean a migration.
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
    CREATE TABLE IF NOT EXISTS cases (
        case_id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        status TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        doc JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_cases_tenant_status ON cases (tenant_id, status);

    CREATE TABLE IF NOT EXISTS match_cache (
        tenant_id TEXT NOT NULL,
        key TEXT NOT NULL,
        value TEXT NOT NULL,
        cached_at DATETIME NOT NULL,
        PRIMARY KEY (tenant_id, key)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, c *contracts.Case) error {
	now := s.clock().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("casestore: marshal case: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cases (
        case_id, tenant_id, status, created_at, updated_at, doc
    ) VALUES (?, ?, ?, ?, ?, ?)`,
		c.CaseID, c.TenantID, string(c.Status),
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
		string(doc),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("casestore: insert case: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, caseID string) (*contracts.Case, error) {
	var doc string
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM cases WHERE case_id = ?`, caseID)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("casestore: get case: %w", err)
	}
	var c contracts.Case
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("casestore: unmarshal case: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) Update(ctx context.Context, c *contracts.Case) error {
	c.UpdatedAt = s.clock().UTC()
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("casestore: marshal case: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE cases
        SET tenant_id = ?, status = ?, updated_at = ?, doc = ?
        WHERE case_id = ?`,
		c.TenantID, string(c.Status), c.UpdatedAt.Format(time.RFC3339Nano),
		string(doc), c.CaseID,
	)
	if err != nil {
		return fmt.Errorf("casestore: update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*contracts.Case, error) {
	query := `SELECT doc FROM cases WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("casestore: list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Case
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var c contracts.Case
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, fmt.Errorf("casestore: unmarshal case: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetMatch(ctx context.Context, tenantID, key string) (MatchEntry, bool, error) {
	var (
		value    string
		cachedAt string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT value, cached_at FROM match_cache WHERE tenant_id = ? AND key = ?`,
		tenantID, key)
	if err := row.Scan(&value, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MatchEntry{}, false, nil
		}
		return MatchEntry{}, false, fmt.Errorf("casestore: get match: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, cachedAt)
	if err != nil {
		return MatchEntry{}, false, fmt.Errorf("casestore: parse cached_at: %w", err)
	}
	return MatchEntry{Value: value, CachedAt: ts}, true, nil
}

func (s *SQLiteStore) PutMatch(ctx context.Context, tenantID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO match_cache (tenant_id, key, value, cached_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, cached_at = excluded.cached_at`,
		tenantID, key, value, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("casestore: put match: %w", err)
	}
	return nil
}
