package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestProject(t *testing.T, db *SQLiteStore, externalID string) *types.Project {
	t.Helper()
	p, err := db.CreateProject(context.Background(), externalID, "Acme Site", types.Metadata{
		CompanyName: "Acme Co",
		Industry:    "retail",
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStore_NewSQLiteStore(t *testing.T) {
	db, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
}

func TestStore_CreateProject_SeedsAllStageTasks(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-100")

	if p.ID == "" {
		t.Error("expected project ID to be set")
	}
	if p.CurrentStage != types.StageInitialReview {
		t.Errorf("current stage = %s, want %s", p.CurrentStage, types.StageInitialReview)
	}
	if p.SyncStatus != types.SyncActive {
		t.Errorf("sync status = %s, want %s", p.SyncStatus, types.SyncActive)
	}

	tasks, err := db.ListTasks(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 9 {
		t.Fatalf("expected 9 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Stage != types.AllStages()[i] {
			t.Errorf("task %d stage = %s, want %s", i, task.Stage, types.AllStages()[i])
		}
		if task.Status != types.TaskPending {
			t.Errorf("task %s status = %s, want pending", task.Stage, task.Status)
		}
	}
}

func TestStore_CreateProject_DuplicateExternalID(t *testing.T) {
	db := newTestStore(t)

	createTestProject(t, db, "ext-dup")

	_, err := db.CreateProject(context.Background(), "ext-dup", "Other", types.Metadata{})
	if !errors.Is(err, ErrDuplicateProject) {
		t.Errorf("expected ErrDuplicateProject, got %v", err)
	}
}

func TestStore_GetProjectByExternalID(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-200")

	got, err := db.GetProjectByExternalID(ctx, "ext-200")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Errorf("project ID = %s, want %s", got.ID, p.ID)
	}
	if got.Metadata.CompanyName != "Acme Co" {
		t.Errorf("metadata round-trip lost company name: %q", got.Metadata.CompanyName)
	}

	if _, err := db.GetProjectByExternalID(ctx, "ext-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SetProjectStage(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-300")

	if err := db.SetProjectStage(ctx, p.ID, types.StageAIResearch); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStage != types.StageAIResearch {
		t.Errorf("current stage = %s, want ai_research", got.CurrentStage)
	}

	if err := db.SetProjectStage(ctx, "missing", types.StageAIResearch); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// The stages reference table rejects values outside the pipeline
	if err := db.SetProjectStage(ctx, p.ID, types.Stage("warp_drive")); err == nil {
		t.Error("expected a constraint error for an unknown stage")
	}
}

func TestStore_TaskLifecycle(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-400")
	task, err := db.GetTaskByStage(ctx, p.ID, types.StageAIResearch)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.MarkTaskRunning(ctx, task.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	running, _ := db.GetTask(ctx, task.ID)
	if running.Status != types.TaskRunning {
		t.Errorf("status = %s, want running", running.Status)
	}
	if running.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", running.Attempt)
	}
	if running.StartedAt == nil {
		t.Error("started_at should be set")
	}

	if err := db.SetTaskProgress(ctx, task.ID, 40); err != nil {
		t.Fatal(err)
	}
	mid, _ := db.GetTask(ctx, task.ID)
	if mid.Progress != 40 {
		t.Errorf("progress = %d, want 40", mid.Progress)
	}

	// Progress never moves backwards within an attempt
	if err := db.SetTaskProgress(ctx, task.ID, 25); err != nil {
		t.Fatal(err)
	}
	held, _ := db.GetTask(ctx, task.ID)
	if held.Progress != 40 {
		t.Errorf("progress = %d after stale write, want 40", held.Progress)
	}

	if err := db.CompleteTask(ctx, task.ID, types.TaskSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	done, _ := db.GetTask(ctx, task.ID)
	if done.Status != types.TaskSucceeded {
		t.Errorf("status = %s, want succeeded", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("succeeded task progress = %d, want 100", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at should be set")
	}

	// Progress updates only apply to running tasks
	if err := db.SetTaskProgress(ctx, task.ID, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on non-running task, got %v", err)
	}
}

func TestStore_CompleteTaskBackfillsStartedAt(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	// client_preview completes without ever running; it still ends up
	// with a full timestamp pair.
	p := createTestProject(t, db, "ext-450")
	task, err := db.GetTaskByStage(ctx, p.ID, types.StageClientPreview)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.CompleteTask(ctx, task.ID, types.TaskSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	done, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.StartedAt == nil {
		t.Fatal("started_at should be backfilled on completion")
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}
	if done.CompletedAt.Before(*done.StartedAt) {
		t.Errorf("completed_at %v precedes started_at %v", done.CompletedAt, done.StartedAt)
	}

	// A task that did run keeps its original start time.
	ran, err := db.GetTaskByStage(ctx, p.ID, types.StageAIResearch)
	if err != nil {
		t.Fatal(err)
	}
	startedAt := time.Now().Add(-time.Minute)
	if err := db.MarkTaskRunning(ctx, ran.ID, startedAt); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteTask(ctx, ran.ID, types.TaskSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetTask(ctx, ran.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(startedAt.UTC().Truncate(time.Second)) {
		t.Errorf("started_at = %v, want the original start time preserved", got.StartedAt)
	}
}

func TestStore_CompleteTask_FailedKeepsError(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-401")
	task, _ := db.GetTaskByStage(ctx, p.ID, types.StageDevelopment)

	db.MarkTaskRunning(ctx, task.ID, time.Now())
	if err := db.CompleteTask(ctx, task.ID, types.TaskFailed, "build exploded"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetTask(ctx, task.ID)
	if got.LastError != "build exploded" {
		t.Errorf("last_error = %q, want %q", got.LastError, "build exploded")
	}

	if err := db.CompleteTask(ctx, task.ID, types.TaskRunning, ""); err == nil {
		t.Error("CompleteTask accepted a non-terminal status")
	}
}

func TestStore_ListRunningTasks(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p1 := createTestProject(t, db, "ext-500")
	p2 := createTestProject(t, db, "ext-501")

	t1, _ := db.GetTaskByStage(ctx, p1.ID, types.StageAIResearch)
	t2, _ := db.GetTaskByStage(ctx, p2.ID, types.StageDevelopment)
	db.MarkTaskRunning(ctx, t1.ID, time.Now())
	db.MarkTaskRunning(ctx, t2.ID, time.Now())

	running, err := db.ListRunningTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running tasks, got %d", len(running))
	}
}

func TestStore_OverallProgress(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-600")

	progress, err := db.OverallProgress(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress != 0 {
		t.Errorf("initial progress = %d, want 0", progress)
	}

	for _, stage := range []types.Stage{types.StageInitialReview, types.StageAIResearch} {
		task, _ := db.GetTaskByStage(ctx, p.ID, stage)
		db.MarkTaskRunning(ctx, task.ID, time.Now())
		db.CompleteTask(ctx, task.ID, types.TaskSucceeded, "")
	}

	progress, _ = db.OverallProgress(ctx, p.ID)
	if progress != 22 {
		t.Errorf("progress after 2/9 = %d, want 22", progress)
	}

	if _, err := db.OverallProgress(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ApprovalUpsertAndResolve(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-700")

	a, err := db.UpsertPendingApproval(ctx, p.ID, types.StageDesignMockup, "https://preview.example/1", []types.Deliverable{
		{Name: "mockup.png", URL: "https://cdn.example/mockup.png", Mime: "image/png"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Decision != types.DecisionPending {
		t.Errorf("decision = %s, want pending", a.Decision)
	}
	if len(a.Deliverables) != 1 {
		t.Fatalf("deliverables = %d, want 1", len(a.Deliverables))
	}

	if err := db.SetApprovalRemoteID(ctx, a.ID, "remote-1"); err != nil {
		t.Fatal(err)
	}
	byRemote, err := db.GetApprovalByRemoteID(ctx, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	if byRemote.ID != a.ID {
		t.Errorf("remote lookup returned %s, want %s", byRemote.ID, a.ID)
	}

	if err := db.ResolveApproval(ctx, a.ID, types.DecisionChangesRequested, "make it blue", "decided via tracker"); err != nil {
		t.Fatal(err)
	}
	resolved, _ := db.GetApproval(ctx, a.ID)
	if resolved.Decision != types.DecisionChangesRequested {
		t.Errorf("decision = %s, want changes_requested", resolved.Decision)
	}
	if resolved.Feedback != "make it blue" {
		t.Errorf("feedback = %q", resolved.Feedback)
	}
	if resolved.RespondedAt == nil {
		t.Error("responded_at should be set")
	}
}

func TestStore_ResolveApproval_FirstDecisionWins(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-701")
	a, _ := db.UpsertPendingApproval(ctx, p.ID, types.StageClientPreview, "", nil)

	if err := db.ResolveApproval(ctx, a.ID, types.DecisionApproved, "", ""); err != nil {
		t.Fatal(err)
	}

	err := db.ResolveApproval(ctx, a.ID, types.DecisionRejected, "no", "")
	if !errors.Is(err, ErrDecisionTaken) {
		t.Errorf("expected ErrDecisionTaken, got %v", err)
	}

	// The original decision survives
	got, _ := db.GetApproval(ctx, a.ID)
	if got.Decision != types.DecisionApproved {
		t.Errorf("decision = %s, want approved", got.Decision)
	}

	if err := db.ResolveApproval(ctx, "missing", types.DecisionApproved, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpsertPendingApproval_ReopensAfterChanges(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-702")
	a, _ := db.UpsertPendingApproval(ctx, p.ID, types.StageDesignMockup, "https://preview/1", nil)
	db.SetApprovalRemoteID(ctx, a.ID, "remote-2")
	db.ResolveApproval(ctx, a.ID, types.DecisionChangesRequested, "tweak", "")

	reopened, err := db.UpsertPendingApproval(ctx, p.ID, types.StageDesignMockup, "https://preview/2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.ID != a.ID {
		t.Errorf("reopen created a new row: %s != %s", reopened.ID, a.ID)
	}
	if reopened.Decision != types.DecisionPending {
		t.Errorf("decision = %s, want pending", reopened.Decision)
	}
	if reopened.RemoteID != "" {
		t.Errorf("remote pairing should be cleared, got %q", reopened.RemoteID)
	}
	if reopened.Feedback != "" {
		t.Errorf("feedback should be cleared, got %q", reopened.Feedback)
	}
	if reopened.PreviewURL != "https://preview/2" {
		t.Errorf("preview URL = %q, want updated", reopened.PreviewURL)
	}
}

func TestStore_ListUnpairedApprovals(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-703")
	a1, _ := db.UpsertPendingApproval(ctx, p.ID, types.StageDesignMockup, "", nil)
	a2, _ := db.UpsertPendingApproval(ctx, p.ID, types.StageContentCollection, "", nil)
	db.SetApprovalRemoteID(ctx, a2.ID, "remote-3")

	unpaired, err := db.ListUnpairedApprovals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unpaired) != 1 || unpaired[0].ID != a1.ID {
		t.Errorf("unpaired = %v, want only %s", unpaired, a1.ID)
	}
}

func TestStore_IngressDedup(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	if err := db.RecordIngressEvent(ctx, "evt-1", "project.created"); err != nil {
		t.Fatal(err)
	}

	err := db.RecordIngressEvent(ctx, "evt-1", "project.created")
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}

	// A different event ID is accepted
	if err := db.RecordIngressEvent(ctx, "evt-2", "approval.updated"); err != nil {
		t.Fatal(err)
	}
}

func TestStore_PurgeIngressEvents(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	db.RecordIngressEvent(ctx, "evt-old", "project.created")

	purged, err := db.PurgeIngressEvents(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	// Purged IDs may be recorded again
	if err := db.RecordIngressEvent(ctx, "evt-old", "project.created"); err != nil {
		t.Errorf("re-record after purge failed: %v", err)
	}
}

func TestStore_OutboundQueue(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, db, "ext-800")

	payload := json.RawMessage(`{"stage":"ai_research"}`)
	if err := db.EnqueueOutbound(ctx, p.ID, "upsert_project", payload, "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbound(ctx, p.ID, "upsert_task", json.RawMessage(`{}`), "key-2"); err != nil {
		t.Fatal(err)
	}

	due, err := db.ListOutboundDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].Seq >= due[1].Seq {
		t.Error("entries not in sequence order")
	}
	if due[0].Operation != "upsert_project" {
		t.Errorf("operation = %q, want upsert_project", due[0].Operation)
	}

	n, _ := db.CountOutbound(ctx, p.ID)
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	// Bumping pushes the entry out of the due window
	if err := db.BumpOutboundAttempt(ctx, due[0].Seq, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	due, _ = db.ListOutboundDue(ctx, time.Now(), 10)
	if len(due) != 1 {
		t.Fatalf("due after bump = %d, want 1", len(due))
	}

	if err := db.DeleteOutbound(ctx, due[0].Seq); err != nil {
		t.Fatal(err)
	}
	n, _ = db.CountOutbound(ctx, p.ID)
	if n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}
}
