package casestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Enqueue parks a draft-create for the recovery drain. Keyed by case id so a
// case is parked at most once.
func (s *Store) Enqueue(ctx context.Context, e OutboxEntry) error {
	if e.ID == "" {
		e.ID = e.CaseID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO writer_outbox (id, case_id, fingerprint, attempts, last_error, enqueued_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.CaseID, e.Fingerprint, e.Attempts, e.LastError,
		e.EnqueuedAt.UTC(), e.NextRetryAt.UTC())
	if err != nil {
		return fmt.Errorf("casestore: enqueue outbox: %w", err)
	}
	return nil
}

// Due returns entries whose next retry time has passed, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, fingerprint, attempts, last_error, enqueued_at, next_retry_at
		FROM writer_outbox
		WHERE next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("casestore: query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

// Reschedule bumps the attempt count and next retry time after a failure.
func (s *Store) Reschedule(ctx context.Context, id string, lastError string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE writer_outbox
		SET attempts = attempts + 1, last_error = $1, next_retry_at = $2
		WHERE id = $3`,
		lastError, next.UTC(), id)
	if err != nil {
		return fmt.Errorf("casestore: reschedule outbox: %w", err)
	}
	return nil
}

// Complete removes a drained entry.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM writer_outbox WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("casestore: complete outbox: %w", err)
	}
	return nil
}

func scanOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	var result []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Fingerprint, &e.Attempts,
			&e.LastError, &e.EnqueuedAt, &e.NextRetryAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
