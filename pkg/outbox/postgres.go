package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresQueue backs the outbox with PostgreSQL for multi-node
// deployments. The partial unique index on case_id enforces the
// one-outstanding-draft-per-case rule at the database.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db}
	if err := q.migrate(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS draft_outbox (
			id BIGSERIAL PRIMARY KEY,
			case_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			idempotency_token TEXT NOT NULL,
			payload JSONB NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS draft_outbox_case_pending
			ON draft_outbox (case_id) WHERE state = 'pending'`,
		`CREATE INDEX IF NOT EXISTS draft_outbox_due
			ON draft_outbox (next_attempt_at) WHERE state = 'pending'`,
	}
	for _, s := range stmts {
		if _, err := q.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("outbox: migrate: %w", err)
		}
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e *Entry) (int64, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO draft_outbox (case_id, tenant_id, idempotency_token, payload, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (case_id) WHERE state = 'pending' DO UPDATE SET case_id = EXCLUDED.case_id
		RETURNING id`,
		e.CaseID, e.TenantID, e.IdempotencyToken, []byte(e.Payload), e.NextAttemptAt, created,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue case %s: %w", e.CaseID, err)
	}
	return id, nil
}

func (q *PostgresQueue) Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, case_id, tenant_id, idempotency_token, payload, state, attempts, next_attempt_at, created_at, last_error
		FROM draft_outbox
		WHERE state = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.CaseID, &e.TenantID, &e.IdempotencyToken, &payload,
			&e.State, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *PostgresQueue) MarkDone(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE draft_outbox SET state = 'done' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark done %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Reschedule(ctx context.Context, id int64, nextAttempt time.Time, lastError string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE draft_outbox
		SET attempts = attempts + 1,
		    next_attempt_at = $2,
		    last_error = $3,
		    state = CASE WHEN attempts + 1 >= $4 THEN 'dead' ELSE state END
		WHERE id = $1`, id, nextAttempt, lastError, maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox: reschedule %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Get(ctx context.Context, id int64) (*Entry, error) {
	var e Entry
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT id, case_id, tenant_id, idempotency_token, payload, state, attempts, next_attempt_at, created_at, last_error
		FROM draft_outbox WHERE id = $1`, id,
	).Scan(&e.ID, &e.CaseID, &e.TenantID, &e.IdempotencyToken, &payload,
		&e.State, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt, &e.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: get %d: %w", id, err)
	}
	e.Payload = payload
	return &e, nil
}
