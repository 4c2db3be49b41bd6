// Package orchestrator drives projects through the delivery pipeline.
// Each project has a serialized command queue so its state machine runs
// single-file; a global semaphore bounds concurrent agent work across
// projects.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sitelinehq/siteline/internal/types"
)

// Store defines the persistence operations the orchestrator needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByExternalID(ctx context.Context, externalID string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	SetProjectStage(ctx context.Context, id string, stage types.Stage) error
	SetSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
	OverallProgress(ctx context.Context, projectID string) (int, error)
	GetTaskByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*types.Task, error)
	CompleteTask(ctx context.Context, id string, status types.TaskStatus, lastError string) error
	GetApprovalByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Approval, error)
	GetApprovalByRemoteID(ctx context.Context, remoteID string) (*types.Approval, error)
	EnqueueOutbound(ctx context.Context, projectID, operation string, payload json.RawMessage, idempotencyKey string) error
	CountOutbound(ctx context.Context, projectID string) (int, error)
}

// Mirror defines the tracker pushes the orchestrator makes.
type Mirror interface {
	UpsertProjectMirror(ctx context.Context, externalID string, mirror types.ProjectMirror, idemKey string) error
	UpsertTaskMirror(ctx context.Context, externalID string, mirror types.TaskMirror, idemKey string) error
	CreateActivityUpdate(ctx context.Context, externalID, message, idemKey string) error
}

// Dispatcher runs agent work for one stage.
type Dispatcher interface {
	Run(ctx context.Context, project *types.Project, task *types.Task, feedback string) (types.TaskStatus, error)
	Cancel(taskID string) bool
}

// Approvals opens client approval gates and records client decisions.
type Approvals interface {
	RequestApproval(ctx context.Context, project *types.Project, stage types.Stage) (*types.Approval, error)
	ResolveByRemoteID(ctx context.Context, remoteID string, decision types.Decision, feedback string) (*types.Approval, error)
}

type cmdKind int

const (
	cmdAdvance cmdKind = iota
	cmdApprovalResolved
	cmdResolveDecision
	cmdSync
	cmdStageChanged
)

type command struct {
	kind     cmdKind
	approval *types.Approval
	stage    types.Stage
	remoteID string
	decision types.Decision
	feedback string
}

// Options configures an Orchestrator.
type Options struct {
	Store          Store
	Mirror         Mirror
	Dispatcher     Dispatcher
	Approvals      Approvals
	MaxConcurrent  int
	QueueSize      int
	ErrorThreshold int
	Logger         *slog.Logger
}

// Orchestrator owns the per-project pipelines.
type Orchestrator struct {
	store          Store
	mirror         Mirror
	dispatcher     Dispatcher
	approvals      Approvals
	sem            *semaphore.Weighted
	queueSize      int
	errorThreshold int
	logger         *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	queues map[string]chan command
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:          opts.Store,
		mirror:         opts.Mirror,
		dispatcher:     opts.Dispatcher,
		approvals:      opts.Approvals,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		queueSize:      opts.QueueSize,
		errorThreshold: opts.ErrorThreshold,
		logger:         opts.Logger.With("component", "orchestrator"),
	}
}

// Start binds the orchestrator to its run context. Project loops are
// spawned lazily on first command and stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx = ctx
	o.queues = make(map[string]chan command)
}

// Wait blocks until every project loop has drained after the run
// context was cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// enqueue places a command on the project's serialized queue. Returns
// false when the queue is full or the orchestrator is not running.
func (o *Orchestrator) enqueue(projectID string, cmd command) bool {
	o.mu.Lock()
	if o.ctx == nil || o.ctx.Err() != nil {
		o.mu.Unlock()
		return false
	}
	ch, ok := o.queues[projectID]
	if !ok {
		ch = make(chan command, o.queueSize)
		o.queues[projectID] = ch
		o.wg.Add(1)
		go o.projectLoop(o.ctx, projectID, ch)
	}
	o.mu.Unlock()

	select {
	case ch <- cmd:
		return true
	default:
		o.logger.Warn("project queue full, command dropped",
			"action", "enqueue", "project_id", projectID, "kind", int(cmd.kind))
		return false
	}
}

func (o *Orchestrator) projectLoop(ctx context.Context, projectID string, ch chan command) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-ch:
			o.handle(ctx, projectID, cmd)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, projectID string, cmd command) {
	switch cmd.kind {
	case cmdAdvance:
		o.handleAdvance(ctx, projectID, "")
	case cmdApprovalResolved:
		o.handleApprovalResolved(ctx, cmd.approval)
	case cmdResolveDecision:
		o.handleResolveDecision(ctx, cmd)
	case cmdSync:
		o.handleSync(ctx, projectID)
	case cmdStageChanged:
		o.handleStageChanged(ctx, projectID, cmd.stage)
	}
}

// StartProject schedules a newly created project's first evaluation.
func (o *Orchestrator) StartProject(projectID string) bool {
	return o.enqueue(projectID, command{kind: cmdAdvance})
}

// NotifyApprovalResolved schedules the reaction to a recorded approval
// decision. Wire it as the approval coordinator's OnResolved hook.
func (o *Orchestrator) NotifyApprovalResolved(approval *types.Approval) {
	o.enqueue(approval.ProjectID, command{kind: cmdApprovalResolved, approval: approval})
}

// ResolveRemoteDecision schedules a tracker-originated client decision
// on the owning project's queue. The remote ID is only used here to
// route the command; the decision itself is recorded by the project
// loop so it serializes with the rest of the project's work.
func (o *Orchestrator) ResolveRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback string) error {
	approval, err := o.store.GetApprovalByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}
	o.enqueue(approval.ProjectID, command{
		kind:     cmdResolveDecision,
		remoteID: remoteID,
		decision: decision,
		feedback: feedback,
	})
	return nil
}

// Resume schedules an evaluation for every project still in flight.
// Called once at startup, after orphan recovery has settled task rows.
// A project whose current stage task failed while the process was down
// is parked in sync error instead of being re-dispatched.
func (o *Orchestrator) Resume(ctx context.Context) error {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return err
	}

	for _, project := range projects {
		if project.CurrentStage.Terminal() || project.SyncStatus == types.SyncCompleted {
			continue
		}

		task, err := o.store.GetTaskByStage(ctx, project.ID, project.CurrentStage)
		if err != nil {
			o.logger.Error("load stage task failed",
				"action", "resume", "project_id", project.ID,
				"stage", string(project.CurrentStage), "error", err)
			continue
		}

		switch task.Status {
		case types.TaskFailed:
			if project.SyncStatus == types.SyncError {
				continue
			}
			if err := o.store.SetSyncStatus(ctx, project.ID, types.SyncError); err != nil {
				o.logger.Error("set sync error failed",
					"action", "resume", "project_id", project.ID, "error", err)
				continue
			}
			o.logger.Warn("project parked after failed stage",
				"action", "resume", "project_id", project.ID,
				"stage", string(project.CurrentStage))
		case types.TaskCancelled:
			// Operator cancelled the stage; leave it for them.
		default:
			o.logger.Info("resuming project",
				"action", "resume", "project_id", project.ID,
				"stage", string(project.CurrentStage))
			o.StartProject(project.ID)
		}
	}
	return nil
}

// RequestSync schedules a full mirror push for a project.
func (o *Orchestrator) RequestSync(projectID string) bool {
	return o.enqueue(projectID, command{kind: cmdSync})
}

// StageChanged relays a tracker-side stage change notice. The notice
// is advisory; it never moves the project.
func (o *Orchestrator) StageChanged(ctx context.Context, externalID string, stage types.Stage) error {
	project, err := o.store.GetProjectByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	o.enqueue(project.ID, command{kind: cmdStageChanged, stage: stage})
	return nil
}

// CancelStage cancels the project's currently running stage task, if
// any.
func (o *Orchestrator) CancelStage(ctx context.Context, projectID string) (bool, error) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	task, err := o.store.GetTaskByStage(ctx, projectID, project.CurrentStage)
	if err != nil {
		return false, err
	}
	if task.Status != types.TaskRunning {
		return false, nil
	}
	return o.dispatcher.Cancel(task.ID), nil
}
