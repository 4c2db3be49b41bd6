package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

// Store defines the interface contract for all pipeline persistence
// operations.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, externalID, label string, meta types.Metadata) (*types.Project, error)
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByExternalID(ctx context.Context, externalID string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	SetProjectStage(ctx context.Context, id string, stage types.Stage) error
	SetSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
	OverallProgress(ctx context.Context, projectID string) (int, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetTaskByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]*types.Task, error)
	ListRunningTasks(ctx context.Context) ([]*types.Task, error)
	MarkTaskRunning(ctx context.Context, id string, startedAt time.Time) error
	SetTaskProgress(ctx context.Context, id string, progress int) error
	CompleteTask(ctx context.Context, id string, status types.TaskStatus, lastError string) error

	// Approvals
	UpsertPendingApproval(ctx context.Context, projectID string, stage types.Stage, previewURL string, deliverables []types.Deliverable) (*types.Approval, error)
	GetApproval(ctx context.Context, id string) (*types.Approval, error)
	GetApprovalByStage(ctx context.Context, projectID string, stage types.Stage) (*types.Approval, error)
	GetApprovalByRemoteID(ctx context.Context, remoteID string) (*types.Approval, error)
	ListApprovals(ctx context.Context, projectID string) ([]*types.Approval, error)
	ListUnpairedApprovals(ctx context.Context) ([]*types.Approval, error)
	SetApprovalRemoteID(ctx context.Context, id, remoteID string) error
	ResolveApproval(ctx context.Context, id string, decision types.Decision, feedback, auditNote string) error

	// Ingress dedup
	RecordIngressEvent(ctx context.Context, eventID, kind string) error
	PurgeIngressEvents(ctx context.Context, before time.Time) (int64, error)

	// Outbound replay queue
	EnqueueOutbound(ctx context.Context, projectID, operation string, payload json.RawMessage, idempotencyKey string) error
	ListOutboundDue(ctx context.Context, now time.Time, limit int) ([]*types.OutboundEntry, error)
	DeleteOutbound(ctx context.Context, seq int64) error
	BumpOutboundAttempt(ctx context.Context, seq int64, nextAttempt time.Time) error
	CountOutbound(ctx context.Context, projectID string) (int, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
