package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sitelinehq/siteline/internal/types"
)

const approvalColumns = `id, project_id, stage, remote_id, decision, requested_at, responded_at, feedback, preview_url, deliverables, audit_note, created_at, updated_at`

// UpsertPendingApproval opens (or re-opens) the approval gate for a
// project stage. A re-request after changes_requested resets the row to
// pending and clears the remote pairing so a fresh tracker approval is
// created.
func (s *SQLiteStore) UpsertPendingApproval(ctx context.Context, projectID string, stage types.Stage, previewURL string, deliverables []types.Deliverable) (*types.Approval, error) {
	if deliverables == nil {
		deliverables = []types.Deliverable{}
	}
	delivBytes, err := json.Marshal(deliverables)
	if err != nil {
		return nil, fmt.Errorf("marshal deliverables: %w", err)
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	id := ulid.Make().String()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, project_id, stage, decision, requested_at, preview_url, deliverables, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, stage) DO UPDATE SET
			decision = 'pending',
			remote_id = NULL,
			requested_at = excluded.requested_at,
			responded_at = NULL,
			feedback = NULL,
			preview_url = excluded.preview_url,
			deliverables = excluded.deliverables
	`, id, projectID, string(stage), nowStr, previewURL, string(delivBytes), nowStr, nowStr)
	if err != nil {
		return nil, err
	}

	return s.GetApprovalByStage(ctx, projectID, stage)
}

// GetApproval returns an approval by local ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*types.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetApprovalByStage returns the project's approval for one gated stage.
func (s *SQLiteStore) GetApprovalByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE project_id = ? AND stage = ?`,
		projectID, string(stage))
	return scanApproval(row)
}

// GetApprovalByRemoteID returns the approval paired with a tracker
// approval record.
func (s *SQLiteStore) GetApprovalByRemoteID(ctx context.Context, remoteID string) (*types.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE remote_id = ?`, remoteID)
	return scanApproval(row)
}

// ListApprovals returns the project's approvals in pipeline order.
func (s *SQLiteStore) ListApprovals(ctx context.Context, projectID string) ([]*types.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE project_id = ?
		ORDER BY (SELECT position FROM stages WHERE name = approvals.stage)
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListUnpairedApprovals returns pending approvals with no remote
// pairing yet. Used by the pairing reconciler.
func (s *SQLiteStore) ListUnpairedApprovals(ctx context.Context) ([]*types.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE remote_id IS NULL AND decision = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// SetApprovalRemoteID completes the pairing with the tracker's approval
// record.
func (s *SQLiteStore) SetApprovalRemoteID(ctx context.Context, id, remoteID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET remote_id = ? WHERE id = ?`, remoteID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResolveApproval records a decision on a pending approval. The first
// decision wins: a second resolution returns ErrDecisionTaken and
// leaves the row untouched.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, id string, decision types.Decision, feedback, auditNote string) error {
	if decision == types.DecisionPending {
		return errors.New("ResolveApproval requires a non-pending decision")
	}

	var feedbackArg, auditArg any
	if feedback != "" {
		feedbackArg = feedback
	}
	if auditNote != "" {
		auditArg = auditNote
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET decision = ?, feedback = ?, audit_note = COALESCE(?, audit_note), responded_at = ?
		WHERE id = ? AND decision = 'pending'
	`, string(decision), feedbackArg, auditArg, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// No pending row matched: distinguish missing from already decided.
	if _, err := s.GetApproval(ctx, id); err != nil {
		return err
	}
	return ErrDecisionTaken
}

func collectApprovals(rows *sql.Rows) ([]*types.Approval, error) {
	var approvals []*types.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// scanApproval scans a row into an Approval, parsing the deliverables
// JSON and timestamp columns.
func scanApproval(scanner interface{ Scan(...any) error }) (*types.Approval, error) {
	var a types.Approval
	var stage, decision, delivJSON string
	var requestedAt, createdAt, updatedAt string
	var remoteID, respondedAt, feedback, previewURL, auditNote sql.NullString

	err := scanner.Scan(
		&a.ID,
		&a.ProjectID,
		&stage,
		&remoteID,
		&decision,
		&requestedAt,
		&respondedAt,
		&feedback,
		&previewURL,
		&delivJSON,
		&auditNote,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Stage = types.Stage(stage)
	a.Decision = types.Decision(decision)
	if remoteID.Valid {
		a.RemoteID = remoteID.String
	}
	if feedback.Valid {
		a.Feedback = feedback.String
	}
	if previewURL.Valid {
		a.PreviewURL = previewURL.String
	}
	if auditNote.Valid {
		a.AuditNote = auditNote.String
	}

	if delivJSON != "" {
		if err := json.Unmarshal([]byte(delivJSON), &a.Deliverables); err != nil {
			return nil, fmt.Errorf("parse deliverables JSON: %w", err)
		}
	}
	if a.Deliverables == nil {
		a.Deliverables = []types.Deliverable{}
	}

	a.RequestedAt = parseTime(requestedAt)
	a.RespondedAt = parseNullTime(respondedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)

	return &a, nil
}
