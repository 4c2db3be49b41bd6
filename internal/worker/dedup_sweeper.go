package worker

import (
	"context"
	"log/slog"
	"time"
)

// SweepStore defines the store operations needed by the dedup sweeper.
type SweepStore interface {
	PurgeIngressEvents(ctx context.Context, before time.Time) (int64, error)
}

// DedupSweeper prunes webhook dedup records older than the retention
// window. Events older than the window are treated as new if redelivered.
type DedupSweeper struct {
	store     SweepStore
	retention time.Duration
	interval  time.Duration
}

// NewDedupSweeper creates a new dedup sweeper.
func NewDedupSweeper(s SweepStore, retention, interval time.Duration) *DedupSweeper {
	return &DedupSweeper{
		store:     s,
		retention: retention,
		interval:  interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *DedupSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Sweep immediately on start, then on each tick
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *DedupSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)
	purged, err := w.store.PurgeIngressEvents(ctx, cutoff)
	if err != nil {
		slog.Error("failed to purge ingress events",
			"error", err,
			"component", "worker",
		)
		return
	}
	if purged > 0 {
		slog.Info("purged expired dedup records",
			"action", "dedup_sweep",
			"count", purged,
			"component", "worker",
		)
	}
}
