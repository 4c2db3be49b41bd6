package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

const outboundColumns = `seq, project_id, operation, payload, idempotency_key, attempts, next_attempt_at, created_at`

// EnqueueOutbound appends a mirror write to the durable replay queue.
func (s *SQLiteStore) EnqueueOutbound(ctx context.Context, projectID, operation string, payload json.RawMessage, idempotencyKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_log (project_id, operation, payload, idempotency_key, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, projectID, operation, string(payload), idempotencyKey, now, now)
	return err
}

// ListOutboundDue returns queued entries whose next attempt is due,
// ordered by project and enqueue sequence so each project replays in
// order.
func (s *SQLiteStore) ListOutboundDue(ctx context.Context, now time.Time, limit int) ([]*types.OutboundEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboundColumns+` FROM outbound_log
		WHERE next_attempt_at <= ?
		ORDER BY project_id, seq
		LIMIT ?
	`, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*types.OutboundEntry
	for rows.Next() {
		e, err := scanOutbound(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbound removes a successfully replayed entry.
func (s *SQLiteStore) DeleteOutbound(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbound_log WHERE seq = ?`, seq)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// BumpOutboundAttempt records a failed replay and schedules the next
// one.
func (s *SQLiteStore) BumpOutboundAttempt(ctx context.Context, seq int64, nextAttempt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_log SET attempts = attempts + 1, next_attempt_at = ?
		WHERE seq = ?
	`, nextAttempt.UTC().Format(time.RFC3339), seq)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountOutbound returns the number of queued entries for a project.
// Zero means the project's mirror is fully caught up.
func (s *SQLiteStore) CountOutbound(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbound_log WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

func scanOutbound(scanner interface{ Scan(...any) error }) (*types.OutboundEntry, error) {
	var e types.OutboundEntry
	var payload, nextAttemptAt, createdAt string
	var projectID sql.NullString

	err := scanner.Scan(
		&e.Seq,
		&projectID,
		&e.Operation,
		&payload,
		&e.IdempotencyKey,
		&e.Attempts,
		&nextAttemptAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if projectID.Valid {
		e.ProjectID = projectID.String
	}
	e.Payload = json.RawMessage(payload)
	e.NextAttemptAt = parseTime(nextAttemptAt)
	e.CreatedAt = parseTime(createdAt)

	return &e, nil
}
