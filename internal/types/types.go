package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage is one of the nine ordered phases a project moves through.
type Stage string

const (
	StageInitialReview     Stage = "initial_review"
	StageAIResearch        Stage = "ai_research"
	StageDesignMockup      Stage = "design_mockup"
	StageContentCollection Stage = "content_collection"
	StageDevelopment       Stage = "development"
	StageQualityAssurance  Stage = "quality_assurance"
	StageClientPreview     Stage = "client_preview"
	StageDeployment        Stage = "deployment"
	StageDelivered         Stage = "delivered"
)

// allStages holds the pipeline order. Position is index+1.
var allStages = []Stage{
	StageInitialReview,
	StageAIResearch,
	StageDesignMockup,
	StageContentCollection,
	StageDevelopment,
	StageQualityAssurance,
	StageClientPreview,
	StageDeployment,
	StageDelivered,
}

// AllStages returns the nine stages in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage validates a wire-format stage name.
func ParseStage(s string) (Stage, error) {
	for _, stage := range allStages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Position returns the 1-based position of the stage, or 0 for an
// unknown stage.
func (s Stage) Position() int {
	for i, stage := range allStages {
		if stage == s {
			return i + 1
		}
	}
	return 0
}

// Next returns the following stage and true, or false when s is the
// terminal stage.
func (s Stage) Next() (Stage, bool) {
	pos := s.Position()
	if pos == 0 || pos == len(allStages) {
		return "", false
	}
	return allStages[pos], true
}

// Terminal reports whether the stage is the final, delivered stage.
func (s Stage) Terminal() bool {
	return s == StageDelivered
}

// Gated reports whether advancing out of the stage requires an
// approved client decision.
func (s Stage) Gated() bool {
	switch s {
	case StageDesignMockup, StageContentCollection, StageClientPreview:
		return true
	}
	return false
}

// AgentDriven reports whether the stage's task is executed by a coding
// agent. Every working stage dispatches an agent; client_preview is the
// client's own review and delivered is terminal.
func (s Stage) AgentDriven() bool {
	switch s {
	case StageInitialReview, StageAIResearch, StageDesignMockup,
		StageContentCollection, StageDevelopment, StageQualityAssurance,
		StageDeployment:
		return true
	}
	return false
}

// ApprovalType returns the remote tracker's approval category for a
// gated stage, or "" for ungated stages.
func (s Stage) ApprovalType() string {
	switch s {
	case StageDesignMockup:
		return "design_mockup"
	case StageContentCollection:
		return "content_review"
	case StageClientPreview:
		return "final_preview"
	}
	return ""
}

// DisplayName returns the human-readable stage title.
func (s Stage) DisplayName() string {
	switch s {
	case StageInitialReview:
		return "Initial Review & Research Setup"
	case StageAIResearch:
		return "AI Research & Analysis"
	case StageDesignMockup:
		return "Design Mockup Creation"
	case StageContentCollection:
		return "Content Collection & SEO"
	case StageDevelopment:
		return "Full-Stack Development"
	case StageQualityAssurance:
		return "Quality Assurance & Testing"
	case StageClientPreview:
		return "Client Preview & Final Review"
	case StageDeployment:
		return "Production Deployment"
	case StageDelivered:
		return "Project Delivered"
	}
	return string(s)
}

// DefaultTimeout returns the expected wall-clock budget for the stage's
// task. The delivered stage has no task work and returns zero.
func (s Stage) DefaultTimeout() time.Duration {
	switch s {
	case StageInitialReview, StageAIResearch:
		return 2 * time.Hour
	case StageDesignMockup:
		return 8 * time.Hour
	case StageContentCollection, StageClientPreview:
		return 6 * time.Hour
	case StageDevelopment:
		return 16 * time.Hour
	case StageQualityAssurance, StageDeployment:
		return 4 * time.Hour
	}
	return 0
}

// TaskStatus is the lifecycle state of one stage's unit of work.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (ts TaskStatus) Terminal() bool {
	switch ts {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// SyncStatus describes a project's health with respect to the remote
// tracker.
type SyncStatus string

const (
	SyncActive    SyncStatus = "active"
	SyncPaused    SyncStatus = "paused"
	SyncError     SyncStatus = "error"
	SyncCompleted SyncStatus = "completed"
)

// Decision is the state of a client approval.
type Decision string

const (
	DecisionPending          Decision = "pending"
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionChangesRequested Decision = "changes_requested"
)

// ParseDecision validates a wire-format decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionChangesRequested:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Project is the unit of orchestration: one externally-originated
// website build driven through the nine stages.
type Project struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id"`
	Label        string     `json:"label"`
	CurrentStage Stage      `json:"current_stage"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Metadata     Metadata   `json:"metadata"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Metadata carries the intake context captured when the project was
// created; it seeds the stage prompts.
type Metadata struct {
	ProjectNumber  string `json:"project_number,omitempty"`
	CompanyName    string `json:"company_name,omitempty"`
	Industry       string `json:"industry,omitempty"`
	TargetAudience string `json:"target_audience,omitempty"`
	Requirements   string `json:"requirements,omitempty"`
	RushDelivery   bool   `json:"rush_delivery,omitempty"`
}

// Task is the unit of agent work for one stage of one project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Stage       Stage      `json:"stage"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	Attempt     int        `json:"attempt"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Approval gates the transition out of a gated stage. RemoteID is set
// once the pairing with the remote tracker completes.
type Approval struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Stage        Stage         `json:"stage"`
	RemoteID     string        `json:"remote_id,omitempty"`
	Decision     Decision      `json:"decision"`
	RequestedAt  time.Time     `json:"requested_at"`
	RespondedAt  *time.Time    `json:"responded_at,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	PreviewURL   string        `json:"preview_url,omitempty"`
	Deliverables []Deliverable `json:"deliverables"`
	AuditNote    string        `json:"audit_note,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Deliverable is one artifact produced by a stage.
type Deliverable struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// IngressEvent is the dedup record for one received webhook delivery.
type IngressEvent struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundEntry is one queued mirror write awaiting replay to the
// remote tracker.
type OutboundEntry struct {
	Seq            int64           `json:"seq"`
	ProjectID      string          `json:"project_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ProjectMirror is the projection of local project state pushed to the
// remote tracker.
type ProjectMirror struct {
	ExternalID      string     `json:"external_id"`
	CurrentStage    Stage      `json:"current_stage"`
	OverallProgress int        `json:"overall_progress"`
	SyncStatus      SyncStatus `json:"sync_status"`
}

// TaskMirror is the projection of one task pushed to the remote
// tracker.
type TaskMirror struct {
	TaskID      string     `json:"task_id"`
	Stage       Stage      `json:"stage_name"`
	StageOrder  int        `json:"stage_order"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Webhook event kinds accepted by the ingress endpoint.
const (
	EventProjectCreated = "project.created"
	EventApprovalUpdate = "approval.updated"
	EventStageChanged   = "project.stage_changed"
)

// KnownEventKind reports whether the ingress endpoint routes the kind.
func KnownEventKind(kind string) bool {
	switch kind {
	case EventProjectCreated, EventApprovalUpdate, EventStageChanged:
		return true
	}
	return false
}

// Envelope is the outer shape of every ingress webhook payload.
type Envelope struct {
	Event   string          `json:"event"`
	EventID string          `json:"event_id"`
	Data    json.RawMessage `json:"data"`
}

// ProjectCreatedEvent is the payload of a project.created delivery.
type ProjectCreatedEvent struct {
	ExternalProjectID string `json:"external_project_id"`
	Label             string `json:"label"`
	ProjectNumber     string `json:"project_number,omitempty"`
	CompanyName       string `json:"company_name,omitempty"`
	Industry          string `json:"industry,omitempty"`
	TargetAudience    string `json:"target_audience,omitempty"`
	Requirements      string `json:"requirements,omitempty"`
	RushDelivery      bool   `json:"is_rush_delivery,omitempty"`
}

// ApprovalUpdatedEvent is the payload of an approval.updated delivery.
type ApprovalUpdatedEvent struct {
	RemoteApprovalID string `json:"remote_approval_id"`
	Decision         string `json:"decision"`
	Feedback         string `json:"feedback,omitempty"`
}

// StageChangedEvent is the advisory payload of a project.stage_changed
// delivery.
type StageChangedEvent struct {
	ExternalProjectID string `json:"external_project_id"`
	Stage             string `json:"stage"`
}
