// Package worker holds the periodic background loops: replaying queued
// tracker writes and sweeping expired webhook dedup records.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sitelinehq/siteline/internal/approval"
	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/tracker"
	"github.com/sitelinehq/siteline/internal/types"
)

// ReplayStore defines the store operations needed by the outbound
// replayer.
type ReplayStore interface {
	ListOutboundDue(ctx context.Context, now time.Time, limit int) ([]*types.OutboundEntry, error)
	DeleteOutbound(ctx context.Context, seq int64) error
	BumpOutboundAttempt(ctx context.Context, seq int64, nextAttempt time.Time) error
	CountOutbound(ctx context.Context, projectID string) (int, error)
	GetProject(ctx context.Context, id string) (*types.Project, error)
	SetSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
}

// ReplayTracker defines the remote operations the replayer can perform.
type ReplayTracker interface {
	UpsertProjectMirror(ctx context.Context, externalID string, mirror types.ProjectMirror, idemKey string) error
	UpsertTaskMirror(ctx context.Context, externalID string, mirror types.TaskMirror, idemKey string) error
	CreateActivityUpdate(ctx context.Context, externalID, message, idemKey string) error
	SubmitRemoteDecision(ctx context.Context, remoteID string, decision types.Decision, feedback, idemKey string) error
}

// OutboundReplayer drains the durable outbound log back to the tracker.
// Entries replay per project in enqueue order; the first failure for a
// project stops that project's replay for the cycle so ordering holds.
type OutboundReplayer struct {
	store     ReplayStore
	tracker   ReplayTracker
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

// NewOutboundReplayer creates a new outbound replayer.
func NewOutboundReplayer(s ReplayStore, t ReplayTracker, interval time.Duration, batchSize int, backoff time.Duration) *OutboundReplayer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &OutboundReplayer{
		store:     s,
		tracker:   t,
		interval:  interval,
		batchSize: batchSize,
		backoff:   backoff,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *OutboundReplayer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Replay immediately on start, then on each tick
	w.replayDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.replayDue(ctx)
		}
	}
}

func (w *OutboundReplayer) replayDue(ctx context.Context) {
	now := time.Now().UTC()
	entries, err := w.store.ListOutboundDue(ctx, now, w.batchSize)
	if err != nil {
		slog.Error("failed to list due outbound entries",
			"error", err,
			"component", "worker",
		)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Entries arrive ordered by project then sequence. Once an entry for
	// a project fails, skip the rest of that project's entries to keep
	// the replay in order.
	stalled := make(map[string]bool)
	var replayed int
	for _, entry := range entries {
		if stalled[entry.ProjectID] {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		err := w.replayEntry(ctx, entry)
		switch {
		case err == nil, errors.Is(err, tracker.ErrPermanent):
			if errors.Is(err, tracker.ErrPermanent) {
				slog.Error("tracker permanently rejected queued write",
					"action", "replay",
					"seq", entry.Seq,
					"operation", entry.Operation,
					"error", err,
					"component", "worker",
				)
			}
			if derr := w.store.DeleteOutbound(ctx, entry.Seq); derr != nil {
				slog.Error("failed to delete replayed entry",
					"seq", entry.Seq,
					"error", derr,
					"component", "worker",
				)
				stalled[entry.ProjectID] = true
				continue
			}
			if err == nil {
				replayed++
			}
			w.maybeRestoreSync(ctx, entry.ProjectID)
		default:
			stalled[entry.ProjectID] = true
			next := now.Add(w.nextBackoff(entry.Attempts))
			if berr := w.store.BumpOutboundAttempt(ctx, entry.Seq, next); berr != nil {
				slog.Error("failed to bump outbound attempt",
					"seq", entry.Seq,
					"error", berr,
					"component", "worker",
				)
			}
			slog.Warn("queued write still unreachable, will retry",
				"action", "replay",
				"seq", entry.Seq,
				"operation", entry.Operation,
				"attempts", entry.Attempts+1,
				"component", "worker",
			)
		}
	}

	if replayed > 0 {
		slog.Info("replayed queued tracker writes",
			"action", "replay",
			"count", replayed,
			"component", "worker",
		)
	}
}

// replayEntry decodes and performs one queued write. Undecodable
// entries are treated as permanent failures.
func (w *OutboundReplayer) replayEntry(ctx context.Context, entry *types.OutboundEntry) error {
	switch entry.Operation {
	case tracker.OpUpsertProject:
		var p tracker.ProjectMirrorPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return errors.Join(tracker.ErrPermanent, err)
		}
		return w.tracker.UpsertProjectMirror(ctx, p.ExternalID, p.Mirror, entry.IdempotencyKey)
	case tracker.OpUpsertTask:
		var p tracker.TaskMirrorPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return errors.Join(tracker.ErrPermanent, err)
		}
		return w.tracker.UpsertTaskMirror(ctx, p.ExternalID, p.Mirror, entry.IdempotencyKey)
	case tracker.OpActivity:
		var p tracker.ActivityPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return errors.Join(tracker.ErrPermanent, err)
		}
		return w.tracker.CreateActivityUpdate(ctx, p.ExternalID, p.Message, entry.IdempotencyKey)
	case approval.OpSubmitDecision:
		var p approval.DecisionPayload
		if err := json.Unmarshal(entry.Payload, &p); err != nil {
			return errors.Join(tracker.ErrPermanent, err)
		}
		return w.tracker.SubmitRemoteDecision(ctx, p.RemoteID, p.Decision, p.Feedback, entry.IdempotencyKey)
	default:
		return errors.Join(tracker.ErrPermanent, errors.New("unknown outbound operation "+entry.Operation))
	}
}

// maybeRestoreSync flips a project out of sync error once its outbound
// backlog is fully drained.
func (w *OutboundReplayer) maybeRestoreSync(ctx context.Context, projectID string) {
	if projectID == "" {
		return
	}
	count, err := w.store.CountOutbound(ctx, projectID)
	if err != nil || count > 0 {
		return
	}

	project, err := w.store.GetProject(ctx, projectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("failed to load project after drain",
				"project_id", projectID,
				"error", err,
				"component", "worker",
			)
		}
		return
	}
	if project.SyncStatus != types.SyncError {
		return
	}

	if err := w.store.SetSyncStatus(ctx, projectID, types.SyncActive); err != nil {
		slog.Error("failed to restore sync status",
			"project_id", projectID,
			"error", err,
			"component", "worker",
		)
		return
	}
	slog.Info("outbound backlog drained, sync restored",
		"action", "replay",
		"project_id", projectID,
		"component", "worker",
	)
}

// nextBackoff doubles per attempt, capped at 32x the base.
func (w *OutboundReplayer) nextBackoff(attempts int) time.Duration {
	if attempts > 5 {
		attempts = 5
	}
	return w.backoff << uint(attempts)
}
