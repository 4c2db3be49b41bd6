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

const projectColumns = `id, external_id, label, current_stage, sync_status, metadata, last_synced_at, created_at, updated_at`

// CreateProject inserts a project in its initial stage together with one
// pending task per stage, in a single transaction. A project with the
// same external ID returns ErrDuplicateProject.
func (s *SQLiteStore) CreateProject(ctx context.Context, externalID, label string, meta types.Metadata) (*types.Project, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	project := &types.Project{
		ID:           ulid.Make().String(),
		ExternalID:   externalID,
		Label:        label,
		CurrentStage: types.StageInitialReview,
		SyncStatus:   types.SyncActive,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, external_id, label, current_stage, sync_status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.ExternalID, project.Label, string(project.CurrentStage), string(project.SyncStatus), string(metaBytes), nowStr, nowStr)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateProject
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (id, project_id, stage, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare task insert: %w", err)
	}
	defer stmt.Close()

	for _, stage := range types.AllStages() {
		if _, err := stmt.ExecContext(ctx, ulid.Make().String(), project.ID, string(stage), nowStr, nowStr); err != nil {
			return nil, fmt.Errorf("insert task for %s: %w", stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return project, nil
}

// GetProject returns a project by local ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByExternalID returns a project by the tracker's identifier.
func (s *SQLiteStore) GetProjectByExternalID(ctx context.Context, externalID string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE external_id = ?`, externalID)
	return scanProject(row)
}

// ListProjects returns all projects, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectStage moves the project to the given stage.
func (s *SQLiteStore) SetProjectStage(ctx context.Context, id string, stage types.Stage) error {
	return s.execProjectUpdate(ctx, `UPDATE projects SET current_stage = ? WHERE id = ?`, string(stage), id)
}

// SetSyncStatus updates the project's tracker-sync health.
func (s *SQLiteStore) SetSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	return s.execProjectUpdate(ctx, `UPDATE projects SET sync_status = ? WHERE id = ?`, string(status), id)
}

// TouchLastSynced records the last successful push to the tracker.
func (s *SQLiteStore) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	return s.execProjectUpdate(ctx, `UPDATE projects SET last_synced_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
}

// OverallProgress returns the project's pipeline completion as a
// percentage of succeeded stage tasks.
func (s *SQLiteStore) OverallProgress(ctx context.Context, projectID string) (int, error) {
	var total, done int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE project_id = ?
	`, projectID).Scan(&total, &done)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrNotFound
	}
	return done * 100 / total, nil
}

func (s *SQLiteStore) execProjectUpdate(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
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

// scanProject scans a row into a Project, parsing the metadata JSON and
// timestamp columns.
func scanProject(scanner interface{ Scan(...any) error }) (*types.Project, error) {
	var p types.Project
	var stage, syncStatus, metaJSON string
	var createdAt, updatedAt string
	var lastSyncedAt sql.NullString

	err := scanner.Scan(
		&p.ID,
		&p.ExternalID,
		&p.Label,
		&stage,
		&syncStatus,
		&metaJSON,
		&lastSyncedAt,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CurrentStage = types.Stage(stage)
	p.SyncStatus = types.SyncStatus(syncStatus)

	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata JSON: %w", err)
		}
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.LastSyncedAt = parseNullTime(lastSyncedAt)

	return &p, nil
}
