package state

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) prepareRetryStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.retryStmts.enqueue,
			`INSERT INTO retry_queue (op_type, payload_json, attempt_count, next_retry_at, last_error)
			 VALUES (?, ?, ?, ?, ?)`,
			"retry enqueue"},
		{&s.retryStmts.due,
			`SELECT id, op_type, payload_json, attempt_count, next_retry_at, last_error
			 FROM retry_queue WHERE next_retry_at <= ? ORDER BY next_retry_at, id LIMIT ?`,
			"retry due"},
		{&s.retryStmts.delete,
			`DELETE FROM retry_queue WHERE id = ?`,
			"retry delete"},
		{&s.retryStmts.reschedule,
			`UPDATE retry_queue SET attempt_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?`,
			"retry reschedule"},
		{&s.retryStmts.count,
			`SELECT COUNT(*) FROM retry_queue`,
			"retry count"},
	})
}

// EnqueueRetry adds a deferred operation to the queue.
func (s *Store) EnqueueRetry(ctx context.Context, opType, payloadJSON string, attemptCount int, nextRetryAt time.Time, lastError string) error {
	_, err := s.retryStmts.enqueue.ExecContext(ctx, opType, payloadJSON, attemptCount,
		formatTime(nextRetryAt), lastError)
	if err != nil {
		return fmt.Errorf("enqueueing retry: %w", err)
	}

	return nil
}

// DueRetries returns up to limit entries whose next_retry_at is at or before
// now, oldest first.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]RetryEntry, error) {
	rows, err := s.retryStmts.due.QueryContext(ctx, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}

	defer rows.Close()

	var out []RetryEntry

	for rows.Next() {
		var (
			e      RetryEntry
			nextAt string
		)

		if err := rows.Scan(&e.ID, &e.OpType, &e.PayloadJSON, &e.AttemptCount, &nextAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("scanning retry entry: %w", err)
		}

		e.NextRetryAt = parseTime(nextAt)
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}

	return out, nil
}

// DeleteRetry removes an entry from the queue.
func (s *Store) DeleteRetry(ctx context.Context, id int64) error {
	if _, err := s.retryStmts.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("deleting retry entry: %w", err)
	}

	return nil
}

// RescheduleRetry records a failed attempt and its new due time.
func (s *Store) RescheduleRetry(ctx context.Context, id int64, attemptCount int, nextRetryAt time.Time, lastError string) error {
	_, err := s.retryStmts.reschedule.ExecContext(ctx, attemptCount, formatTime(nextRetryAt), lastError, id)
	if err != nil {
		return fmt.Errorf("rescheduling retry entry: %w", err)
	}

	return nil
}

// RetryQueueDepth returns the total number of queued entries.
func (s *Store) RetryQueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.retryStmts.count.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting retry queue: %w", err)
	}

	return n, nil
}
