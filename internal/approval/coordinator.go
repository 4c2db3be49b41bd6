// Package approval manages the client approval gates on gated pipeline
// stages: opening them locally, pairing them with the remote tracker's
// approval records, and resolving them first-decision-wins.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sitelinehq/siteline/internal/deliverables"
	"github.com/sitelinehq/siteline/internal/tracker"
	"github.com/sitelinehq/siteline/internal/types"
)

// Origin identifies where an approval decision was made.
type Origin string

const (
	// OriginLocal is a decision made through this service's API; it
	// must be pushed out to the tracker.
	OriginLocal Origin = "local"
	// OriginRemote is a decision relayed from the tracker via webhook
	// or poll; it is already known remotely.
	OriginRemote Origin = "remote"
)

// Store defines the persistence operations the coordinator needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*types.Project, error)
	UpsertPendingApproval(ctx context.Context, projectID string, stage types.Stage, previewURL string, deliverables []types.Deliverable) (*types.Approval, error)
	GetApproval(ctx context.Context, id string) (*types.Approval, error)
	GetApprovalByRemoteID(ctx context.Context, remoteID string) (*types.Approval, error)
	SetApprovalRemoteID(ctx context.Context, id, remoteID string) error
	ResolveApproval(ctx context.Context, id string, decision types.Decision, feedback, auditNote string) error
	ListUnpairedApprovals(ctx context.Context) ([]*types.Approval, error)
	EnqueueOutbound(ctx context.Context, projectID, operation string, payload json.RawMessage, idempotencyKey string) error
}

// Tracker defines the remote operations the coordinator needs.
type Tracker interface {
	CreateRemoteApproval(ctx context.Context, externalID string, req tracker.ApprovalRequest, idemKey string) (string, error)
	FindApproval(ctx context.Context, externalID, approvalType string) (*tracker.RemoteApproval, error)
	FetchApproval(ctx context.Context, remoteID string) (*tracker.RemoteApproval, error)
	SubmitRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback, idemKey string) error
}

// WorkspaceLocator resolves a project's workspace directory.
type WorkspaceLocator interface {
	Ensure(projectID string) (dir string, created bool, err error)
}

// OpSubmitDecision is the outbound-log operation for a locally-made
// decision that could not reach the tracker.
const OpSubmitDecision = "submit_decision"

// DecisionPayload is the queued form of a local decision push.
type DecisionPayload struct {
	ApprovalID string         `json:"approval_id"`
	RemoteID   string         `json:"remote_id"`
	Decision   types.Decision `json:"decision"`
	Feedback   string         `json:"feedback,omitempty"`
}

// Coordinator runs the two-phase approval flow.
type Coordinator struct {
	store      Store
	tracker    Tracker
	collector  *deliverables.Collector
	publisher  deliverables.Publisher
	workspaces WorkspaceLocator
	logger     *slog.Logger

	// OnResolved, when set, is called after a decision is recorded.
	OnResolved func(approval *types.Approval)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Store, trk Tracker, collector *deliverables.Collector, publisher deliverables.Publisher, workspaces WorkspaceLocator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		tracker:    trk,
		collector:  collector,
		publisher:  publisher,
		workspaces: workspaces,
		logger:     logger.With("component", "approval"),
	}
}

// RequestApproval opens the approval gate for a gated stage. Phase one
// records the pending approval locally with the stage's published
// deliverables; phase two creates the tracker's approval record and
// pairs it. A tracker outage leaves the approval unpaired for the
// reconciler to finish.
func (c *Coordinator) RequestApproval(ctx context.Context, project *types.Project, stage types.Stage) (*types.Approval, error) {
	if !stage.Gated() {
		return nil, fmt.Errorf("stage %s is not gated", stage)
	}

	dir, _, err := c.workspaces.Ensure(project.ID)
	if err != nil {
		return nil, fmt.Errorf("locate workspace: %w", err)
	}

	items, err := c.collector.Scan(dir, stage)
	if err != nil {
		return nil, fmt.Errorf("collect deliverables: %w", err)
	}

	published, err := c.publisher.Publish(ctx, project.ExternalID, stage, items)
	if err != nil {
		return nil, fmt.Errorf("publish deliverables: %w", err)
	}

	approval, err := c.store.UpsertPendingApproval(ctx, project.ID, stage, previewURL(published), published)
	if err != nil {
		return nil, fmt.Errorf("record approval: %w", err)
	}

	c.logger.Info("approval gate opened",
		"action", "request",
		"project_id", project.ID,
		"stage", string(stage),
		"approval_id", approval.ID,
		"deliverables", len(published))

	if err := c.pair(ctx, project, approval); err != nil {
		// Unpaired approvals are picked up by the reconciler; the gate
		// itself is already open.
		c.logger.Warn("approval pairing deferred",
			"action", "request",
			"approval_id", approval.ID,
			"error", err)
	}

	return c.store.GetApproval(ctx, approval.ID)
}

// pair creates (or finds) the tracker's approval record for a local
// approval and stores the remote ID.
func (c *Coordinator) pair(ctx context.Context, project *types.Project, approval *types.Approval) error {
	idemKey := tracker.IdempotencyKey(approval.ID, "create_approval", int(approval.RequestedAt.Unix()))

	remoteID, err := c.tracker.CreateRemoteApproval(ctx, project.ExternalID, tracker.ApprovalRequest{
		ApprovalType: approval.Stage.ApprovalType(),
		Title:        approval.Stage.DisplayName(),
		PreviewURL:   approval.PreviewURL,
		Deliverables: approval.Deliverables,
	}, idemKey)

	if errors.Is(err, tracker.ErrConflict) {
		remote, findErr := c.tracker.FindApproval(ctx, project.ExternalID, approval.Stage.ApprovalType())
		if findErr != nil {
			return fmt.Errorf("find existing approval: %w", findErr)
		}
		if remote == nil {
			return fmt.Errorf("tracker reported conflict but no approval found")
		}
		remoteID = remote.ID
	} else if err != nil {
		return err
	}

	if err := c.store.SetApprovalRemoteID(ctx, approval.ID, remoteID); err != nil {
		return fmt.Errorf("store remote pairing: %w", err)
	}

	c.logger.Info("approval paired",
		"action", "pair",
		"approval_id", approval.ID,
		"remote_id", remoteID)
	return nil
}

// Resolve records a decision on an approval. The first decision wins:
// later decisions from either side return store.ErrDecisionTaken. A
// local decision is pushed to the tracker; if the tracker is
// unreachable the push is queued in the outbound log.
func (c *Coordinator) Resolve(ctx context.Context, approvalID string, decision types.Decision, feedback string, origin Origin) (*types.Approval, error) {
	auditNote := "decided via tracker"
	if origin == OriginLocal {
		auditNote = "decided via operator API"
	}

	if err := c.store.ResolveApproval(ctx, approvalID, decision, feedback, auditNote); err != nil {
		return nil, err
	}

	approval, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("approval resolved",
		"action", "resolve",
		"approval_id", approvalID,
		"decision", string(decision),
		"origin", string(origin))

	if origin == OriginLocal && approval.RemoteID != "" {
		c.pushDecision(ctx, approval)
	}

	if c.OnResolved != nil {
		c.OnResolved(approval)
	}
	return approval, nil
}

// ResolveByRemoteID resolves the approval paired with a tracker record.
func (c *Coordinator) ResolveByRemoteID(ctx context.Context, remoteID string, decision types.Decision, feedback string) (*types.Approval, error) {
	approval, err := c.store.GetApprovalByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	return c.Resolve(ctx, approval.ID, decision, feedback, OriginRemote)
}

// pushDecision mirrors a local decision to the tracker, queueing it on
// failure.
func (c *Coordinator) pushDecision(ctx context.Context, approval *types.Approval) {
	idemKey := tracker.IdempotencyKey(approval.ID, OpSubmitDecision, int(approval.RespondedAt.Unix()))

	err := c.tracker.SubmitRemoteDecision(ctx, approval.RemoteID, approval.Decision, approval.Feedback, idemKey)
	if err == nil {
		return
	}
	if errors.Is(err, tracker.ErrPermanent) {
		c.logger.Error("tracker rejected decision push",
			"action", "push_decision",
			"approval_id", approval.ID,
			"error", err)
		return
	}

	payload, merr := json.Marshal(DecisionPayload{
		ApprovalID: approval.ID,
		RemoteID:   approval.RemoteID,
		Decision:   approval.Decision,
		Feedback:   approval.Feedback,
	})
	if merr != nil {
		c.logger.Error("marshal decision payload", "error", merr)
		return
	}

	if qerr := c.store.EnqueueOutbound(ctx, approval.ProjectID, OpSubmitDecision, payload, idemKey); qerr != nil {
		c.logger.Error("queue decision push failed",
			"action", "push_decision",
			"approval_id", approval.ID,
			"error", qerr)
		return
	}
	c.logger.Warn("decision push queued for replay",
		"action", "push_decision",
		"approval_id", approval.ID)
}

// previewURL picks the client-facing preview link from the published
// deliverables: the first HTML artifact, if any.
func previewURL(published []types.Deliverable) string {
	for _, d := range published {
		if strings.HasPrefix(d.Mime, "text/html") {
			return d.URL
		}
	}
	return ""
}
