package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sitelinehq/siteline/internal/signature"
	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/types"
)

// TrackerHook handles POST /api/v1/hooks/tracker. The response answers
// admission only: 200 means the event is durably recorded (or was a
// replay); downstream processing happens on the project's queue.
func (h *Handler) TrackerHook(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		WriteError(w, http.StatusServiceUnavailable, "orchestrator disabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	// Verify over the exact bytes received, before any parsing.
	if !signature.Verify(body, r.Header.Get("X-Signature"), h.ingressSecret) {
		slog.Warn("webhook signature rejected", "remote_ip", r.RemoteAddr)
		WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if env.EventID == "" {
		WriteError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	if !types.KnownEventKind(env.Event) {
		WriteError(w, http.StatusBadRequest, "unknown event "+env.Event)
		return
	}

	parsed, err := decodeEvent(env)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.RecordIngressEvent(r.Context(), env.EventID, env.Event); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			WriteData(w, http.StatusOK, map[string]string{"status": "deduplicated"})
			return
		}
		slog.Error("record ingress event failed", "event_id", env.EventID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.routeEvent(r.Context(), parsed)
	WriteData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// decodeEvent validates the delivery's payload. It runs before the
// event ID is recorded: a malformed delivery stays unrecorded, so a
// corrected redelivery under the same ID is processed rather than
// deduplicated away.
func decodeEvent(env types.Envelope) (any, error) {
	switch env.Event {
	case types.EventProjectCreated:
		var ev types.ProjectCreatedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.New("invalid project.created payload")
		}
		if ev.ExternalProjectID == "" {
			return nil, errors.New("external_project_id is required")
		}
		return ev, nil

	case types.EventApprovalUpdate:
		var ev types.ApprovalUpdatedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.New("invalid approval.updated payload")
		}
		if ev.RemoteApprovalID == "" {
			return nil, errors.New("remote_approval_id is required")
		}
		if _, err := types.ParseDecision(ev.Decision); err != nil {
			return nil, err
		}
		return ev, nil

	case types.EventStageChanged:
		var ev types.StageChangedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, errors.New("invalid project.stage_changed payload")
		}
		if ev.ExternalProjectID == "" {
			return nil, errors.New("external_project_id is required")
		}
		if _, err := types.ParseStage(ev.Stage); err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, errors.New("unknown event " + env.Event)
}

// routeEvent dispatches one recorded, validated delivery. The event ID
// is already recorded, so failures here are logged and still acked;
// the tracker must not redeliver an event we hold.
func (h *Handler) routeEvent(ctx context.Context, parsed any) {
	switch ev := parsed.(type) {
	case types.ProjectCreatedEvent:
		project, err := h.store.CreateProject(ctx, ev.ExternalProjectID, ev.Label, types.Metadata{
			ProjectNumber:  ev.ProjectNumber,
			CompanyName:    ev.CompanyName,
			Industry:       ev.Industry,
			TargetAudience: ev.TargetAudience,
			Requirements:   ev.Requirements,
			RushDelivery:   ev.RushDelivery,
		})
		if errors.Is(err, store.ErrDuplicateProject) {
			// Same project announced under a fresh event ID.
			slog.Info("project already known", "external_id", ev.ExternalProjectID)
			return
		}
		if err != nil {
			slog.Error("create project failed", "external_id", ev.ExternalProjectID, "error", err)
			return
		}
		slog.Info("project created",
			"project_id", project.ID,
			"external_id", project.ExternalID,
			"label", project.Label)
		h.pipeline.StartProject(project.ID)

	case types.ApprovalUpdatedEvent:
		decision, err := types.ParseDecision(ev.Decision)
		if err != nil {
			return
		}
		if decision == types.DecisionPending {
			// The tracker echoes its own creates; nothing to resolve.
			return
		}
		err = h.pipeline.ResolveRemoteDecision(ctx, ev.RemoteApprovalID, decision, ev.Feedback)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Decision for an approval we have not paired yet; the
			// reconciler catches up once pairing completes.
			slog.Warn("decision for unknown approval", "remote_id", ev.RemoteApprovalID)
		case err != nil:
			slog.Error("queue approval decision failed", "remote_id", ev.RemoteApprovalID, "error", err)
		}

	case types.StageChangedEvent:
		stage, err := types.ParseStage(ev.Stage)
		if err != nil {
			return
		}
		if err := h.pipeline.StageChanged(ctx, ev.ExternalProjectID, stage); err != nil {
			slog.Warn("stage change notice dropped",
				"external_id", ev.ExternalProjectID,
				"stage", ev.Stage,
				"error", err)
		}
	}
}
