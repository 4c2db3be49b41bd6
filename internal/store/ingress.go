package store

import (
	"context"
	"time"
)

// RecordIngressEvent registers a webhook delivery for deduplication.
// Insert-first: a replayed event ID returns ErrDuplicateEvent without
// touching any other state.
func (s *SQLiteStore) RecordIngressEvent(ctx context.Context, eventID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingress_events (event_id, kind, received_at)
		VALUES (?, ?, ?)
	`, eventID, kind, time.Now().UTC().Format(time.RFC3339))
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

// PurgeIngressEvents removes dedup records received before the cutoff
// and returns the number deleted.
func (s *SQLiteStore) PurgeIngressEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingress_events WHERE received_at < ?`,
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
