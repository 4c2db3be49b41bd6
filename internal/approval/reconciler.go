package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/sitelinehq/siteline/internal/types"
)

// PairingReconciler finishes approval pairings that RequestApproval
// could not complete because the tracker was unreachable. It scans for
// unpaired pending approvals on an interval, retries the remote create,
// and applies any decision the client made while the row was unpaired.
type PairingReconciler struct {
	store       Store
	coordinator *Coordinator
	interval    time.Duration
	logger      *slog.Logger
}

// NewPairingReconciler creates a PairingReconciler.
func NewPairingReconciler(store Store, coordinator *Coordinator, interval time.Duration, logger *slog.Logger) *PairingReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingReconciler{
		store:       store,
		coordinator: coordinator,
		interval:    interval,
		logger:      logger.With("component", "approval_reconciler"),
	}
}

// Run starts the reconciler loop. Blocks until ctx is cancelled.
func (r *PairingReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Reconcile immediately on start, then on each tick
	r.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *PairingReconciler) reconcile(ctx context.Context) {
	unpaired, err := r.store.ListUnpairedApprovals(ctx)
	if err != nil {
		r.logger.Error("list unpaired approvals failed",
			"action", "reconcile", "error", err)
		return
	}
	if len(unpaired) == 0 {
		return
	}

	paired := 0
	for _, approval := range unpaired {
		project, err := r.store.GetProject(ctx, approval.ProjectID)
		if err != nil {
			r.logger.Error("load project for unpaired approval failed",
				"action", "reconcile",
				"approval_id", approval.ID,
				"error", err)
			continue
		}

		if err := r.coordinator.pair(ctx, project, approval); err != nil {
			r.logger.Warn("approval pairing still deferred",
				"action", "reconcile",
				"approval_id", approval.ID,
				"error", err)
			continue
		}
		paired++

		// A decision webhook addressed to the row before it was paired
		// was acked without effect; catch up from the tracker's state.
		r.catchUpDecision(ctx, approval.ID)
	}

	if paired > 0 {
		r.logger.Info("reconciled approval pairings",
			"action", "reconcile",
			"paired", paired,
			"remaining", len(unpaired)-paired)
	}
}

// catchUpDecision resolves a freshly paired approval when the tracker
// already carries a decision for it.
func (r *PairingReconciler) catchUpDecision(ctx context.Context, approvalID string) {
	approval, err := r.store.GetApproval(ctx, approvalID)
	if err != nil || approval.RemoteID == "" {
		return
	}

	remote, err := r.coordinator.tracker.FetchApproval(ctx, approval.RemoteID)
	if err != nil {
		r.logger.Warn("fetch paired approval failed",
			"action", "reconcile",
			"approval_id", approval.ID,
			"error", err)
		return
	}
	if remote == nil {
		return
	}

	decision, err := types.ParseDecision(remote.Status)
	if err != nil || decision == types.DecisionPending {
		return
	}

	if _, err := r.coordinator.Resolve(ctx, approval.ID, decision, remote.Feedback, OriginRemote); err != nil {
		r.logger.Error("apply remote decision failed",
			"action", "reconcile",
			"approval_id", approval.ID,
			"error", err)
		return
	}
	r.logger.Info("caught up remote decision",
		"action", "reconcile",
		"approval_id", approval.ID,
		"decision", string(decision))
}
