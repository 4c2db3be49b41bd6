package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/tracker"
	"github.com/sitelinehq/siteline/internal/types"
)

// handleAdvance evaluates the project's current stage and moves it
// forward as far as the guards allow. feedback carries client notes
// into a re-run after a rejected gate.
func (o *Orchestrator) handleAdvance(ctx context.Context, projectID, feedback string) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		o.logger.Error("load project failed", "action", "advance", "project_id", projectID, "error", err)
		return
	}
	if project.CurrentStage.Terminal() {
		return
	}

	task, err := o.store.GetTaskByStage(ctx, project.ID, project.CurrentStage)
	if err != nil {
		o.logger.Error("load stage task failed",
			"action", "advance", "project_id", projectID,
			"stage", string(project.CurrentStage), "error", err)
		return
	}

	switch {
	case task.Status == types.TaskRunning:
		// Already in flight; the run path completes it.
		return
	case task.Status == types.TaskSucceeded:
		o.afterSuccess(ctx, project, task)
	case project.CurrentStage.AgentDriven():
		o.runStage(ctx, project, task, feedback)
	case project.CurrentStage.Gated():
		// client_preview: the deliverables already exist, so the stage's
		// work is the client review itself. Complete the task and open
		// the gate.
		o.completeStageTask(ctx, project, task)
	default:
		o.pushProjectMirror(ctx, project)
	}
}

// runStage executes one agent-driven stage task and reacts to its
// outcome.
func (o *Orchestrator) runStage(ctx context.Context, project *types.Project, task *types.Task, feedback string) {
	if project.SyncStatus == types.SyncPaused {
		if err := o.store.SetSyncStatus(ctx, project.ID, types.SyncActive); err != nil {
			o.logger.Error("resume sync failed", "action", "run_stage", "project_id", project.ID, "error", err)
			return
		}
		project.SyncStatus = types.SyncActive
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	status, runErr := o.dispatcher.Run(ctx, project, task, feedback)
	o.sem.Release(1)
	if runErr != nil {
		o.logger.Error("stage dispatch failed",
			"action", "run_stage", "project_id", project.ID,
			"stage", string(task.Stage), "error", runErr)
		return
	}

	stage := task.Stage
	task, err := o.store.GetTaskByStage(ctx, project.ID, stage)
	if err != nil {
		o.logger.Error("reload task failed", "action", "run_stage", "stage", string(stage), "error", err)
		return
	}
	o.pushTaskMirror(ctx, project, task)

	switch status {
	case types.TaskSucceeded:
		o.afterSuccess(ctx, project, task)
	case types.TaskFailed:
		o.onStageFailure(ctx, project, task)
	case types.TaskCancelled:
		o.logger.Info("stage cancelled",
			"action", "run_stage", "project_id", project.ID, "stage", string(task.Stage))
	}
}

// onStageFailure parks the project in sync error so an operator can
// intervene; the pipeline does not advance past a failed stage.
func (o *Orchestrator) onStageFailure(ctx context.Context, project *types.Project, task *types.Task) {
	if err := o.store.SetSyncStatus(ctx, project.ID, types.SyncError); err != nil {
		o.logger.Error("set sync error failed", "action", "stage_failure", "project_id", project.ID, "error", err)
	} else {
		project.SyncStatus = types.SyncError
	}

	o.logger.Error("stage failed",
		"action", "stage_failure",
		"project_id", project.ID,
		"stage", string(task.Stage),
		"attempt", task.Attempt,
		"last_error", task.LastError)

	o.pushProjectMirror(ctx, project)
	o.pushActivity(ctx, project,
		fmt.Sprintf("%s failed: %s", task.Stage.DisplayName(), task.LastError),
		task.Attempt*100+task.Stage.Position())
}

// afterSuccess decides what follows a succeeded stage task: open the
// approval gate on gated stages, otherwise advance.
func (o *Orchestrator) afterSuccess(ctx context.Context, project *types.Project, task *types.Task) {
	if !project.CurrentStage.Gated() {
		o.advance(ctx, project)
		return
	}

	approval, err := o.store.GetApprovalByStage(ctx, project.ID, project.CurrentStage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		o.openGate(ctx, project)
	case err != nil:
		o.logger.Error("load approval failed",
			"action", "after_success", "project_id", project.ID,
			"stage", string(project.CurrentStage), "error", err)
	case approval.Decision == types.DecisionPending:
		// Gate already open; nothing to do until the client decides.
	case approval.Decision == types.DecisionApproved:
		o.advance(ctx, project)
	default:
		// A re-run after rejected work finished; reopen the gate with the
		// fresh deliverables.
		o.openGate(ctx, project)
	}
}

func (o *Orchestrator) openGate(ctx context.Context, project *types.Project) {
	approval, err := o.approvals.RequestApproval(ctx, project, project.CurrentStage)
	if err != nil {
		o.logger.Error("open approval gate failed",
			"action", "open_gate", "project_id", project.ID,
			"stage", string(project.CurrentStage), "error", err)
		return
	}
	o.pushActivity(ctx, project,
		fmt.Sprintf("%s awaiting client approval", project.CurrentStage.DisplayName()),
		int(approval.RequestedAt.Unix()))
}

// completeStageTask marks a stage task with no agent work succeeded and
// runs the normal post-success path.
func (o *Orchestrator) completeStageTask(ctx context.Context, project *types.Project, task *types.Task) {
	if err := o.store.CompleteTask(ctx, task.ID, types.TaskSucceeded, ""); err != nil {
		o.logger.Error("complete stage task failed",
			"action", "complete_stage", "task_id", task.ID, "error", err)
		return
	}
	task, err := o.store.GetTaskByStage(ctx, project.ID, task.Stage)
	if err != nil {
		o.logger.Error("reload task failed", "action", "complete_stage", "error", err)
		return
	}
	o.pushTaskMirror(ctx, project, task)
	o.afterSuccess(ctx, project, task)
}

// advance moves the project to the next stage and kicks off whatever
// that stage needs: an agent run, an approval gate, or delivery
// completion.
func (o *Orchestrator) advance(ctx context.Context, project *types.Project) {
	next, ok := project.CurrentStage.Next()
	if !ok {
		return
	}
	if err := o.store.SetProjectStage(ctx, project.ID, next); err != nil {
		o.logger.Error("set project stage failed",
			"action", "advance", "project_id", project.ID,
			"stage", string(next), "error", err)
		return
	}
	project.CurrentStage = next

	o.logger.Info("project advanced",
		"action", "advance", "project_id", project.ID, "stage", string(next))
	o.pushActivity(ctx, project,
		fmt.Sprintf("Entered %s", next.DisplayName()), next.Position())

	if next.Terminal() {
		o.completeDelivery(ctx, project)
		return
	}

	o.pushProjectMirror(ctx, project)

	task, err := o.store.GetTaskByStage(ctx, project.ID, next)
	if err != nil {
		o.logger.Error("load next task failed",
			"action", "advance", "project_id", project.ID,
			"stage", string(next), "error", err)
		return
	}

	switch {
	case next.AgentDriven():
		o.runStage(ctx, project, task, "")
	case next.Gated():
		o.completeStageTask(ctx, project, task)
	}
}

// completeDelivery closes out the terminal stage: its task succeeds
// immediately and the project's sync lifecycle ends.
func (o *Orchestrator) completeDelivery(ctx context.Context, project *types.Project) {
	task, err := o.store.GetTaskByStage(ctx, project.ID, types.StageDelivered)
	if err == nil {
		if cerr := o.store.CompleteTask(ctx, task.ID, types.TaskSucceeded, ""); cerr != nil {
			o.logger.Error("complete delivered task failed", "action", "deliver", "error", cerr)
		}
	}
	if err := o.store.SetSyncStatus(ctx, project.ID, types.SyncCompleted); err != nil {
		o.logger.Error("set sync completed failed", "action", "deliver", "project_id", project.ID, "error", err)
	} else {
		project.SyncStatus = types.SyncCompleted
	}

	o.pushProjectMirror(ctx, project)
	o.pushActivity(ctx, project, "Project delivered", types.StageDelivered.Position()*1000)

	o.logger.Info("project delivered", "action", "deliver", "project_id", project.ID)
}

// handleApprovalResolved reacts to a recorded client decision on the
// project's current gated stage.
func (o *Orchestrator) handleApprovalResolved(ctx context.Context, approval *types.Approval) {
	project, err := o.store.GetProject(ctx, approval.ProjectID)
	if err != nil {
		o.logger.Error("load project failed", "action", "approval_resolved", "project_id", approval.ProjectID, "error", err)
		return
	}
	if project.CurrentStage != approval.Stage {
		o.logger.Warn("stale approval decision ignored",
			"action", "approval_resolved",
			"project_id", project.ID,
			"approval_stage", string(approval.Stage),
			"current_stage", string(project.CurrentStage))
		return
	}

	switch approval.Decision {
	case types.DecisionApproved:
		o.advance(ctx, project)
	case types.DecisionRejected, types.DecisionChangesRequested:
		o.onGateRejected(ctx, project, approval)
	}
}

// onGateRejected pauses sync and, for agent-driven stages, re-runs the
// stage with the client's feedback folded into the prompt. A rejection
// at the final preview stays paused for an operator to handle.
func (o *Orchestrator) onGateRejected(ctx context.Context, project *types.Project, approval *types.Approval) {
	if err := o.store.SetSyncStatus(ctx, project.ID, types.SyncPaused); err != nil {
		o.logger.Error("pause sync failed", "action", "gate_rejected", "project_id", project.ID, "error", err)
		return
	}
	project.SyncStatus = types.SyncPaused
	o.pushProjectMirror(ctx, project)

	if !project.CurrentStage.AgentDriven() {
		o.pushActivity(ctx, project,
			fmt.Sprintf("Client requested changes at %s", project.CurrentStage.DisplayName()),
			int(approvalRespondedUnix(approval)))
		return
	}

	task, err := o.store.GetTaskByStage(ctx, project.ID, project.CurrentStage)
	if err != nil {
		o.logger.Error("load task for re-run failed",
			"action", "gate_rejected", "project_id", project.ID, "error", err)
		return
	}
	o.runStage(ctx, project, task, approval.Feedback)
}

// handleResolveDecision records a tracker-originated client decision
// from the project loop. The coordinator's OnResolved hook queues the
// follow-up reaction, so a successful write needs nothing more here.
func (o *Orchestrator) handleResolveDecision(ctx context.Context, cmd command) {
	_, err := o.approvals.ResolveByRemoteID(ctx, cmd.remoteID, cmd.decision, cmd.feedback)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDecisionTaken):
		o.logger.Info("duplicate decision ignored",
			"action", "resolve_decision", "remote_approval_id", cmd.remoteID)
	case errors.Is(err, store.ErrNotFound):
		o.logger.Warn("decision for unknown approval dropped",
			"action", "resolve_decision", "remote_approval_id", cmd.remoteID)
	default:
		o.logger.Error("record remote decision failed",
			"action", "resolve_decision", "remote_approval_id", cmd.remoteID, "error", err)
	}
}

func approvalRespondedUnix(approval *types.Approval) int64 {
	if approval.RespondedAt != nil {
		return approval.RespondedAt.Unix()
	}
	return approval.RequestedAt.Unix()
}

// handleStageChanged records the tracker's advisory stage notice. Stage
// progression is owned locally, so the notice never moves the project;
// when the tracker disagrees the local view is mirrored back.
func (o *Orchestrator) handleStageChanged(ctx context.Context, projectID string, reported types.Stage) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		o.logger.Error("load project failed", "action", "stage_changed", "project_id", projectID, "error", err)
		return
	}
	if reported == project.CurrentStage {
		return
	}

	o.logger.Warn("tracker stage diverges from local state",
		"action", "stage_changed",
		"project_id", project.ID,
		"current_stage", string(project.CurrentStage),
		"reported_stage", string(reported))
	o.pushProjectMirror(ctx, project)
}

// handleSync pushes the project's full local state to the tracker.
func (o *Orchestrator) handleSync(ctx context.Context, projectID string) {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		o.logger.Error("load project failed", "action", "sync", "project_id", projectID, "error", err)
		return
	}

	o.pushProjectMirror(ctx, project)

	tasks, err := o.store.ListTasks(ctx, project.ID)
	if err != nil {
		o.logger.Error("list tasks failed", "action", "sync", "project_id", projectID, "error", err)
		return
	}
	for _, task := range tasks {
		o.pushTaskMirror(ctx, project, task)
	}
}

// statusOrdinal maps task statuses onto stable small integers for
// idempotency-key generations.
func statusOrdinal(status types.TaskStatus) int {
	switch status {
	case types.TaskPending:
		return 0
	case types.TaskRunning:
		return 1
	case types.TaskSucceeded:
		return 2
	case types.TaskFailed:
		return 3
	case types.TaskCancelled:
		return 4
	}
	return 9
}

func syncOrdinal(status types.SyncStatus) int {
	switch status {
	case types.SyncActive:
		return 0
	case types.SyncPaused:
		return 1
	case types.SyncError:
		return 2
	case types.SyncCompleted:
		return 3
	}
	return 9
}

// pushProjectMirror mirrors the project row to the tracker, queueing
// the write in the outbound log when the tracker is unreachable.
func (o *Orchestrator) pushProjectMirror(ctx context.Context, project *types.Project) {
	progress, err := o.store.OverallProgress(ctx, project.ID)
	if err != nil {
		o.logger.Error("compute overall progress failed", "action", "push_project", "project_id", project.ID, "error", err)
		progress = 0
	}

	mirror := types.ProjectMirror{
		ExternalID:      project.ExternalID,
		CurrentStage:    project.CurrentStage,
		OverallProgress: progress,
		SyncStatus:      project.SyncStatus,
	}
	generation := project.CurrentStage.Position()*10000 + progress*10 + syncOrdinal(project.SyncStatus)
	idemKey := tracker.IdempotencyKey(project.ID, tracker.OpUpsertProject, generation)

	err = o.mirror.UpsertProjectMirror(ctx, project.ExternalID, mirror, idemKey)
	if err == nil {
		if terr := o.store.TouchLastSynced(ctx, project.ID, time.Now().UTC()); terr != nil {
			o.logger.Error("touch last synced failed", "action", "push_project", "project_id", project.ID, "error", terr)
		}
		return
	}
	if errors.Is(err, tracker.ErrPermanent) {
		o.logger.Error("tracker rejected project mirror",
			"action", "push_project", "project_id", project.ID, "error", err)
		return
	}

	o.queueMirror(ctx, project.ID, tracker.OpUpsertProject, tracker.ProjectMirrorPayload{
		ExternalID: project.ExternalID,
		Mirror:     mirror,
	}, idemKey)
}

// pushTaskMirror mirrors one task row to the tracker, queueing on
// failure like pushProjectMirror.
func (o *Orchestrator) pushTaskMirror(ctx context.Context, project *types.Project, task *types.Task) {
	mirror := types.TaskMirror{
		TaskID:      task.ID,
		Stage:       task.Stage,
		StageOrder:  task.Stage.Position(),
		Status:      task.Status,
		Progress:    task.Progress,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
	generation := task.Attempt*1000 + task.Progress*10 + statusOrdinal(task.Status)
	idemKey := tracker.IdempotencyKey(task.ID, tracker.OpUpsertTask, generation)

	err := o.mirror.UpsertTaskMirror(ctx, project.ExternalID, mirror, idemKey)
	if err == nil {
		return
	}
	if errors.Is(err, tracker.ErrPermanent) {
		o.logger.Error("tracker rejected task mirror",
			"action", "push_task", "task_id", task.ID, "error", err)
		return
	}

	o.queueMirror(ctx, project.ID, tracker.OpUpsertTask, tracker.TaskMirrorPayload{
		ExternalID: project.ExternalID,
		Mirror:     mirror,
	}, idemKey)
}

// pushActivity posts a human-readable timeline entry on the tracker.
func (o *Orchestrator) pushActivity(ctx context.Context, project *types.Project, message string, generation int) {
	idemKey := tracker.IdempotencyKey(project.ID, tracker.OpActivity, generation)

	err := o.mirror.CreateActivityUpdate(ctx, project.ExternalID, message, idemKey)
	if err == nil {
		return
	}
	if errors.Is(err, tracker.ErrPermanent) {
		o.logger.Error("tracker rejected activity update",
			"action", "push_activity", "project_id", project.ID, "error", err)
		return
	}

	o.queueMirror(ctx, project.ID, tracker.OpActivity, tracker.ActivityPayload{
		ExternalID: project.ExternalID,
		Message:    message,
	}, idemKey)
}

// queueMirror records an unreachable-tracker write in the outbound log
// and flips the project to sync error once the backlog crosses the
// threshold.
func (o *Orchestrator) queueMirror(ctx context.Context, projectID, operation string, payload any, idemKey string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error("marshal outbound payload", "action", "queue_mirror", "operation", operation, "error", err)
		return
	}
	if err := o.store.EnqueueOutbound(ctx, projectID, operation, raw, idemKey); err != nil {
		o.logger.Error("queue outbound write failed",
			"action", "queue_mirror", "project_id", projectID,
			"operation", operation, "error", err)
		return
	}
	o.logger.Warn("mirror write queued for replay",
		"action", "queue_mirror", "project_id", projectID, "operation", operation)

	count, err := o.store.CountOutbound(ctx, projectID)
	if err != nil {
		o.logger.Error("count outbound failed", "action", "queue_mirror", "project_id", projectID, "error", err)
		return
	}
	if count >= o.errorThreshold {
		project, err := o.store.GetProject(ctx, projectID)
		if err != nil || project.SyncStatus == types.SyncError || project.SyncStatus == types.SyncCompleted {
			return
		}
		if err := o.store.SetSyncStatus(ctx, projectID, types.SyncError); err != nil {
			o.logger.Error("set sync error failed", "action", "queue_mirror", "project_id", projectID, "error", err)
			return
		}
		o.logger.Warn("outbound backlog crossed threshold, sync marked error",
			"action", "queue_mirror", "project_id", projectID, "backlog", count)
	}
}

// OnTaskProgress is wired as the dispatcher's progress hook: it mirrors
// throttled in-flight progress directly, best effort, never queued.
func (o *Orchestrator) OnTaskProgress(task *types.Task, pct int) {
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return
	}

	mirror := types.TaskMirror{
		TaskID:     task.ID,
		Stage:      task.Stage,
		StageOrder: task.Stage.Position(),
		Status:     types.TaskRunning,
		Progress:   pct,
		StartedAt:  task.StartedAt,
	}
	generation := task.Attempt*1000 + pct*10 + statusOrdinal(types.TaskRunning)
	idemKey := tracker.IdempotencyKey(task.ID, tracker.OpUpsertTask, generation)

	if err := o.mirror.UpsertTaskMirror(ctx, project.ExternalID, mirror, idemKey); err != nil {
		o.logger.Debug("progress mirror skipped",
			"action", "push_progress", "task_id", task.ID, "error", err)
	}
}
