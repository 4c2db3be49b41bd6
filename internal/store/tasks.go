package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

const taskColumns = `id, project_id, stage, status, progress, attempt, started_at, completed_at, last_error, created_at, updated_at`

// GetTask returns a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByStage returns the project's task for one stage.
func (s *SQLiteStore) GetTaskByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND stage = ?`,
		projectID, string(stage))
	return scanTask(row)
}

// ListTasks returns the project's tasks in pipeline order.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ?
		ORDER BY (SELECT position FROM stages WHERE name = tasks.stage)
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRunningTasks returns every task in the running state, across all
// projects. Used for orphan recovery at startup.
func (s *SQLiteStore) ListRunningTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkTaskRunning transitions a task to running, bumping the attempt
// counter and clearing any previous error and progress.
func (s *SQLiteStore) MarkTaskRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', progress = 0, attempt = attempt + 1,
		    started_at = ?, completed_at = NULL, last_error = NULL
		WHERE id = ?
	`, startedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetTaskProgress records a progress percentage for a running task.
// Progress never moves backwards within an attempt; MarkTaskRunning
// resets it for the next one.
func (s *SQLiteStore) SetTaskProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET progress = MAX(progress, ?) WHERE id = ? AND status = 'running'`,
		progress, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteTask transitions a task to a terminal status. A succeeded
// task is forced to 100% progress; lastError is stored for failed and
// cancelled tasks. A task that never ran gets started_at backfilled to
// the completion time so terminal rows always carry both timestamps.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, status types.TaskStatus, lastError string) error {
	if !status.Terminal() {
		return errors.New("CompleteTask requires a terminal status")
	}

	progressExpr := "progress"
	if status == types.TaskSucceeded {
		progressExpr = "100"
	}

	var errArg any
	if lastError != "" {
		errArg = lastError
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, progress = `+progressExpr+`,
		    started_at = COALESCE(started_at, ?), completed_at = ?, last_error = ?
		WHERE id = ?
	`, string(status), now, now, errArg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanTask scans a row into a Task, parsing timestamp columns.
func scanTask(scanner interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var stage, status string
	var createdAt, updatedAt string
	var startedAt, completedAt, lastError sql.NullString

	err := scanner.Scan(
		&t.ID,
		&t.ProjectID,
		&stage,
		&status,
		&t.Progress,
		&t.Attempt,
		&startedAt,
		&completedAt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.Stage = types.Stage(stage)
	t.Status = types.TaskStatus(status)
	if lastError.Valid {
		t.LastError = lastError.String
	}
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	return &t, nil
}
