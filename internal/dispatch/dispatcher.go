// Package dispatch runs agent work for pipeline stages: it provisions
// the project workspace, renders the stage prompt, executes the agent
// with a deadline, and reports throttled progress.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

// ExecRequest describes one agent run.
type ExecRequest struct {
	TaskID    string
	Profile   string
	Workspace string
	Prompt    string
}

// Executor runs one agent task to completion. Implementations must
// honor ctx cancellation and may call progress with 0-100 percentages
// as often as they like.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest, progress func(int)) error
}

// Workspaces provisions per-project working directories. Ensure returns
// the directory path and whether it was newly created.
type Workspaces interface {
	Ensure(projectID string) (dir string, created bool, err error)
}

// Scaffolder seeds a freshly created workspace with the project
// skeleton.
type Scaffolder interface {
	Scaffold(ctx context.Context, dir string, project *types.Project) error
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	MarkTaskRunning(ctx context.Context, id string, startedAt time.Time) error
	SetTaskProgress(ctx context.Context, id string, progress int) error
	CompleteTask(ctx context.Context, id string, status types.TaskStatus, lastError string) error
	ListRunningTasks(ctx context.Context) ([]*types.Task, error)
}

// Progress reporting is throttled: an update is forwarded when at least
// this much time passed or the percentage moved by at least this much.
const (
	progressMinInterval = time.Second
	progressMinDelta    = 5
)

// Options configures a Dispatcher.
type Options struct {
	Store      Store
	Executor   Executor
	Workspaces Workspaces
	Scaffolder Scaffolder
	Profile    string
	// StageTimeouts overrides per-stage deadlines; stages not present
	// use their default budget.
	StageTimeouts map[types.Stage]time.Duration
	// AckTimeout bounds how long Cancel waits for the executor to
	// acknowledge before the task is finalized anyway.
	AckTimeout time.Duration
	// OnProgress receives throttled progress updates, after the store
	// write. Optional.
	OnProgress func(task *types.Task, progress int)
	Logger     *slog.Logger
}

// Dispatcher coordinates agent runs. One Run per task at a time; the
// orchestrator serializes per project.
type Dispatcher struct {
	store      Store
	exec       Executor
	workspaces Workspaces
	scaffolder Scaffolder
	profile    string
	timeouts   map[types.Stage]time.Duration
	ackTimeout time.Duration
	onProgress func(task *types.Task, progress int)
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*runningTask
}

type runningTask struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		store:      opts.Store,
		exec:       opts.Executor,
		workspaces: opts.Workspaces,
		scaffolder: opts.Scaffolder,
		profile:    opts.Profile,
		timeouts:   opts.StageTimeouts,
		ackTimeout: opts.AckTimeout,
		onProgress: opts.OnProgress,
		logger:     opts.Logger.With("component", "dispatch"),
		running:    make(map[string]*runningTask),
	}
}

// stageTimeout returns the wall-clock budget for a stage run.
func (d *Dispatcher) stageTimeout(stage types.Stage) time.Duration {
	if t, ok := d.timeouts[stage]; ok && t > 0 {
		return t
	}
	return stage.DefaultTimeout()
}

// Run executes the agent work for one task and persists its terminal
// status. The returned status is the task's final state; the error is
// non-nil only for infrastructure failures that prevented the run from
// being recorded.
func (d *Dispatcher) Run(ctx context.Context, project *types.Project, task *types.Task, feedback string) (types.TaskStatus, error) {
	dir, created, err := d.workspaces.Ensure(project.ID)
	if err != nil {
		return "", fmt.Errorf("ensure workspace: %w", err)
	}
	if created && d.scaffolder != nil {
		if err := d.scaffolder.Scaffold(ctx, dir, project); err != nil {
			return "", fmt.Errorf("scaffold workspace: %w", err)
		}
	}

	if err := d.store.MarkTaskRunning(ctx, task.ID, time.Now()); err != nil {
		return "", fmt.Errorf("mark task running: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.stageTimeout(task.Stage))
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.running[task.ID] = rt
	d.mu.Unlock()

	defer func() {
		cancel()
		close(rt.done)
		d.mu.Lock()
		delete(d.running, task.ID)
		d.mu.Unlock()
	}()

	d.logger.Info("dispatching stage task",
		"action", "run",
		"project_id", project.ID,
		"task_id", task.ID,
		"stage", string(task.Stage))

	execErr := d.exec.Execute(runCtx, ExecRequest{
		TaskID:    task.ID,
		Profile:   d.profile,
		Workspace: dir,
		Prompt:    BuildPrompt(project, task.Stage, feedback),
	}, d.progressFunc(task))

	status, lastError := d.classify(runCtx, rt, execErr)

	// Finalize against the parent context: the run context is likely
	// already expired or cancelled.
	if err := d.store.CompleteTask(context.WithoutCancel(ctx), task.ID, status, lastError); err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}

	d.logger.Info("stage task finished",
		"action", "run",
		"task_id", task.ID,
		"stage", string(task.Stage),
		"status", string(status),
		"error", lastError)

	return status, nil
}

func (d *Dispatcher) classify(runCtx context.Context, rt *runningTask, execErr error) (types.TaskStatus, string) {
	d.mu.Lock()
	wasCancelled := rt.cancelled
	d.mu.Unlock()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return types.TaskFailed, "stage timeout exceeded"
	case wasCancelled:
		return types.TaskCancelled, "cancelled by operator"
	case runCtx.Err() != nil:
		return types.TaskCancelled, "shutdown"
	case execErr != nil:
		return types.TaskFailed, execErr.Error()
	default:
		return types.TaskSucceeded, ""
	}
}

// progressFunc returns the executor's progress callback with the
// throttle applied.
func (d *Dispatcher) progressFunc(task *types.Task) func(int) {
	var mu sync.Mutex
	var lastSent time.Time
	lastPct := -progressMinDelta

	return func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}

		mu.Lock()
		now := time.Now()
		send := pct == 100 ||
			now.Sub(lastSent) >= progressMinInterval ||
			pct-lastPct >= progressMinDelta
		if send {
			lastSent = now
			lastPct = pct
		}
		mu.Unlock()

		if !send {
			return
		}
		if err := d.store.SetTaskProgress(context.Background(), task.ID, pct); err != nil {
			d.logger.Warn("progress write failed",
				"action", "progress", "task_id", task.ID, "error", err)
			return
		}
		if d.onProgress != nil {
			d.onProgress(task, pct)
		}
	}
}

// Cancel stops a running task. It signals the executor and waits up to
// the ack timeout for the run to wind down; the Run call finalizes the
// task as cancelled. Cancelling a task that is not running is a no-op
// and returns false.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	rt, ok := d.running[taskID]
	if ok {
		rt.cancelled = true
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	rt.cancel()

	select {
	case <-rt.done:
	case <-time.After(d.ackTimeout):
		d.logger.Warn("cancel ack timeout; task will finalize when the executor yields",
			"action", "cancel", "task_id", taskID)
	}
	return true
}

// RecoverOrphans marks every task still recorded as running from a
// previous process as failed. Called once at startup, before any new
// dispatch.
func (d *Dispatcher) RecoverOrphans(ctx context.Context) (int, error) {
	tasks, err := d.store.ListRunningTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	for _, task := range tasks {
		if err := d.store.CompleteTask(ctx, task.ID, types.TaskFailed, "orphaned"); err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", task.ID, err)
		}
		d.logger.Warn("recovered orphaned task",
			"action", "recover_orphans",
			"task_id", task.ID,
			"project_id", task.ProjectID,
			"stage", string(task.Stage))
		recovered++
	}
	return recovered, nil
}
