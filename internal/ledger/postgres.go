package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgxpool.Pool and pgx.Tx used by Postgres.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores ledger records in the webhook_events table. The unique event_id column backs the atomic claim.
type Postgres struct {
	DB    DBTX
	Lease time.Duration
	Now   func() time.Time
}

const recordColumns = `event_id, event_type, status, processed_at, error_message, retry_count, created_at, updated_at`

const beginSQL = `
INSERT INTO webhook_events (event_id, event_type, status, retry_count, created_at, updated_at)
VALUES ($1, $2, 'pending', 0, $3, $3)
ON CONFLICT (event_id) DO UPDATE
SET status = 'pending',
    retry_count = webhook_events.retry_count + 1,
    error_message = NULL,
    updated_at = EXCLUDED.updated_at
WHERE webhook_events.status = 'failed'
   OR (webhook_events.status = 'pending' AND webhook_events.updated_at < $4)
RETURNING ` + recordColumns

const commitSQL = `
UPDATE webhook_events
SET status = $2, error_message = $3, processed_at = $4, updated_at = $4
WHERE event_id = $1 AND status = 'pending' AND retry_count = $5
RETURNING ` + recordColumns

// Lookup returns the record stored for eventID.
func (p Postgres) Lookup(ctx context.Context, eventID string) (Record, error) {
	row := p.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM webhook_events WHERE event_id = $1`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger lookup: %w", err)
	}
	return rec, nil
}

// Begin claims eventID. When the upsert matches no row the record exists and is not claimable.
func (p Postgres) Begin(ctx context.Context, eventID, eventType string) (Record, error) {
	now := nowFunc(p.Now)().UTC()
	staleBefore := now.Add(-leaseOrDefault(p.Lease))
	rec, err := scanRecord(p.DB.QueryRow(ctx, beginSQL, eventID, eventType, now, staleBefore))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("ledger begin: %w", err)
	}
	existing, err := p.Lookup(ctx, eventID)
	if err != nil {
		return Record{}, err
	}
	return existing, claimBlocked(existing.Status)
}

// Commit finalises attempt for eventID. When the guarded update matches no row the record is missing or the claim
// moved on, and a lookup tells the two apart.
func (p Postgres) Commit(ctx context.Context, eventID string, attempt int, outcome Outcome) (Record, error) {
	if err := validateOutcome(outcome); err != nil {
		return Record{}, err
	}
	var errMsg *string
	if outcome.Status == StatusFailed {
		msg := outcome.Error
		errMsg = &msg
	}
	now := nowFunc(p.Now)().UTC()
	rec, err := scanRecord(p.DB.QueryRow(ctx, commitSQL, eventID, string(outcome.Status), errMsg, now, attempt))
	if errors.Is(err, pgx.ErrNoRows) {
		current, lerr := p.Lookup(ctx, eventID)
		if lerr != nil {
			return Record{}, lerr
		}
		return current, ErrClaimLost
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger commit: %w", err)
	}
	return rec, nil
}

// List returns records newest first.
func (p Postgres) List(ctx context.Context, filter Filter) ([]Record, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}
	rows, err := p.DB.Query(ctx, `
SELECT `+recordColumns+`
FROM webhook_events
WHERE ($1::text IS NULL OR status = $1)
ORDER BY created_at DESC, event_id DESC
LIMIT $2`, status, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("ledger list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&status,
		&rec.ProcessedAt,
		&rec.ErrorMessage,
		&rec.RetryCount,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	rec.Status = Status(status)
	return rec, err
}
