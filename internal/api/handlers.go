// Package api exposes the webhook ingress and the operator query
// surface over chi.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sitelinehq/siteline/internal/approval"
	"github.com/sitelinehq/siteline/internal/deliverables"
	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/types"
)

// Pipeline is the orchestrator surface the handlers drive. Everything
// here is admission-only; the work itself runs on the project's queue.
type Pipeline interface {
	StartProject(projectID string) bool
	RequestSync(projectID string) bool
	StageChanged(ctx context.Context, externalID string, stage types.Stage) error
	ResolveRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback string) error
}

// ApprovalService records client decisions made through the operator
// API.
type ApprovalService interface {
	Resolve(ctx context.Context, approvalID string, decision types.Decision, feedback string, origin approval.Origin) (*types.Approval, error)
}

// WorkspaceLocator resolves a project's workspace directory.
type WorkspaceLocator interface {
	Ensure(projectID string) (dir string, created bool, err error)
}

// Handler implements the API handlers
type Handler struct {
	store         store.Store
	pipeline      Pipeline
	approvals     ApprovalService
	collector     *deliverables.Collector
	workspaces    WorkspaceLocator
	ingressSecret string
	maxBodyBytes  int64
	version       string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, pipeline Pipeline, approvals ApprovalService, collector *deliverables.Collector, workspaces WorkspaceLocator, ingressSecret, version string) *Handler {
	return &Handler{
		store:         s,
		pipeline:      pipeline,
		approvals:     approvals,
		collector:     collector,
		workspaces:    workspaces,
		ingressSecret: ingressSecret,
		maxBodyBytes:  1 << 20,
		version:       version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteData(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// ListProjects handles GET /api/v1/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		slog.Error("list projects failed", "error", err)
		MapStoreError(w, err)
		return
	}
	if projects == nil {
		projects = []*types.Project{}
	}
	WriteData(w, http.StatusOK, projects)
}

// projectView is the detailed project response: the project row, its
// per-stage tasks in pipeline order, and the overall progress.
type projectView struct {
	Project         *types.Project `json:"project"`
	Tasks           []*types.Task  `json:"tasks"`
	OverallProgress int            `json:"overall_progress"`
}

// GetProject handles GET /api/v1/projects/{externalID}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProjectByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		MapStoreError(w, err)
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), project.ID)
	if err != nil {
		slog.Error("list tasks failed", "project_id", project.ID, "error", err)
		MapStoreError(w, err)
		return
	}
	progress, err := h.store.OverallProgress(r.Context(), project.ID)
	if err != nil {
		slog.Error("overall progress failed", "project_id", project.ID, "error", err)
		MapStoreError(w, err)
		return
	}

	WriteData(w, http.StatusOK, projectView{
		Project:         project,
		Tasks:           tasks,
		OverallProgress: progress,
	})
}

// ListApprovals handles GET /api/v1/projects/{externalID}/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProjectByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		MapStoreError(w, err)
		return
	}
	approvals, err := h.store.ListApprovals(r.Context(), project.ID)
	if err != nil {
		slog.Error("list approvals failed", "project_id", project.ID, "error", err)
		MapStoreError(w, err)
		return
	}
	if approvals == nil {
		approvals = []*types.Approval{}
	}
	WriteData(w, http.StatusOK, approvals)
}

// StageDeliverables handles
// GET /api/v1/projects/{externalID}/stages/{stage}/deliverables.
// Gated stages answer with the published deliverables recorded on the
// approval; other stages scan the workspace directly.
func (h *Handler) StageDeliverables(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProjectByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		MapStoreError(w, err)
		return
	}
	stage, err := types.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if stage.Gated() {
		appr, err := h.store.GetApprovalByStage(r.Context(), project.ID, stage)
		if err == nil {
			WriteData(w, http.StatusOK, appr.Deliverables)
			return
		}
		// No approval yet; fall through to the workspace scan.
	}

	dir, _, err := h.workspaces.Ensure(project.ID)
	if err != nil {
		slog.Error("locate workspace failed", "project_id", project.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	items, err := h.collector.Scan(dir, stage)
	if err != nil {
		slog.Error("scan deliverables failed", "project_id", project.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]types.Deliverable, 0, len(items))
	for _, item := range items {
		out = append(out, types.Deliverable{
			Name: item.Name,
			URL:  "file://" + item.Path,
			Mime: item.Mime,
			Size: item.Size,
		})
	}
	WriteData(w, http.StatusOK, out)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

// SubmitDecision handles POST /api/v1/approvals/{id}/decision: an
// administrative decision made through this service instead of the
// tracker.
func (h *Handler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	decision, err := types.ParseDecision(req.Decision)
	if err != nil || decision == types.DecisionPending {
		WriteError(w, http.StatusBadRequest, "decision must be approved, rejected or changes_requested")
		return
	}

	appr, err := h.approvals.Resolve(r.Context(), chi.URLParam(r, "id"), decision, req.Feedback, approval.OriginLocal)
	if err != nil {
		MapStoreError(w, err)
		return
	}
	WriteData(w, http.StatusOK, appr)
}

// TriggerSync handles POST /api/v1/projects/{externalID}/sync: a manual
// full-state reconcile with the tracker.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		WriteError(w, http.StatusServiceUnavailable, "orchestrator disabled")
		return
	}
	project, err := h.store.GetProjectByExternalID(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		MapStoreError(w, err)
		return
	}
	if !h.pipeline.RequestSync(project.ID) {
		WriteError(w, http.StatusServiceUnavailable, "sync queue full, try again later")
		return
	}
	WriteData(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
