// Package siteline is the client SDK for the Siteline operator API.
// It mirrors the wire types so consumers do not depend on the service
// internals.
package siteline

import "time"

// Project is one website build moving through the delivery pipeline.
type Project struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id"`
	Label        string     `json:"label"`
	CurrentStage string     `json:"current_stage"`
	SyncStatus   string     `json:"sync_status"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Task is one stage's unit of work.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Attempt     int        `json:"attempt"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ProjectDetail is the full project view: row, per-stage tasks and
// overall progress.
type ProjectDetail struct {
	Project         *Project `json:"project"`
	Tasks           []Task   `json:"tasks"`
	OverallProgress int      `json:"overall_progress"`
}

// Approval is a client gate on a gated stage.
type Approval struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Stage        string        `json:"stage"`
	RemoteID     string        `json:"remote_id,omitempty"`
	Decision     string        `json:"decision"`
	RequestedAt  time.Time     `json:"requested_at"`
	RespondedAt  *time.Time    `json:"responded_at,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	PreviewURL   string        `json:"preview_url,omitempty"`
	Deliverables []Deliverable `json:"deliverables"`
}

// Deliverable is one published stage artifact.
type Deliverable struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Health is the service health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Decision values accepted by SubmitDecision.
const (
	DecisionApproved         = "approved"
	DecisionRejected         = "rejected"
	DecisionChangesRequested = "changes_requested"
)
