package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orderpilot/orderpilot/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists event streams in SQLite. Sequence assignment and
// insert happen in one transaction so the per-case sequence stays dense even
// under concurrent appends.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS events (
        case_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        ts DATETIME NOT NULL,
        tenant_id TEXT,
        type TEXT NOT NULL,
        actor TEXT,
        correlation TEXT,
        data JSON,
        pointers JSON,
        redactions JSON,
        PRIMARY KEY (case_id, seq)
    );`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

func (b *SQLiteBackend) Append(ctx context.Context, ev *contracts.AuditEvent) (uint64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE case_id = ?`, ev.CaseID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("eventlog: next seq: %w", err)
	}

	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal data: %w", err)
	}
	pointersJSON, err := json.Marshal(ev.Pointers)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal pointers: %w", err)
	}
	redactionsJSON, err := json.Marshal(ev.Redactions)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal redactions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO events (
        case_id, seq, ts, tenant_id, type, actor, correlation, data, pointers, redactions
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CaseID, seq, ev.TS.UTC().Format(time.RFC3339Nano), ev.TenantID,
		string(ev.Type), string(ev.Actor), ev.Correlation,
		string(dataJSON), string(pointersJSON), string(redactionsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("eventlog: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog: commit append: %w", err)
	}
	return seq, nil
}

func (b *SQLiteBackend) ReadByCase(ctx context.Context, caseID string, fromSeq uint64) ([]contracts.AuditEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
        SELECT seq, ts, tenant_id, type, actor, correlation, data, pointers, redactions
        FROM events
        WHERE case_id = ? AND seq >= ?
        ORDER BY seq ASC`, caseID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []contracts.AuditEvent
	for rows.Next() {
		ev, err := scanEventRow(rows, caseID)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (b *SQLiteBackend) LastSequence(ctx context.Context, caseID string) (uint64, error) {
	var seq uint64
	row := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE case_id = ?`, caseID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("eventlog: last seq: %w", err)
	}
	return seq, nil
}

func scanEventRow(rows *sql.Rows, caseID string) (contracts.AuditEvent, error) {
	var (
		ev             contracts.AuditEvent
		ts             string
		tenantID       sql.NullString
		eventType      string
		actor          sql.NullString
		correlation    sql.NullString
		dataJSON       sql.NullString
		pointersJSON   sql.NullString
		redactionsJSON sql.NullString
	)
	if err := rows.Scan(&ev.Seq, &ts, &tenantID, &eventType, &actor,
		&correlation, &dataJSON, &pointersJSON, &redactionsJSON); err != nil {
		return ev, fmt.Errorf("eventlog: scan event: %w", err)
	}

	ev.CaseID = caseID
	ev.TenantID = tenantID.String
	ev.Type = contracts.EventType(eventType)
	ev.Actor = contracts.Actor(actor.String)
	ev.Correlation = correlation.String

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ev, fmt.Errorf("eventlog: parse ts %q: %w", ts, err)
	}
	ev.TS = parsed

	if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
		if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
			return ev, fmt.Errorf("eventlog: unmarshal data: %w", err)
		}
	}
	if pointersJSON.Valid && pointersJSON.String != "" && pointersJSON.String != "null" {
		if err := json.Unmarshal([]byte(pointersJSON.String), &ev.Pointers); err != nil {
			return ev, fmt.Errorf("eventlog: unmarshal pointers: %w", err)
		}
	}
	if redactionsJSON.Valid && redactionsJSON.String != "" && redactionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(redactionsJSON.String), &ev.Redactions); err != nil {
			return ev, fmt.Errorf("eventlog: unmarshal redactions: %w", err)
		}
	}
	return ev, nil
}
