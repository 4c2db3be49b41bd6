package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitelinehq/siteline/internal/api"
	"github.com/sitelinehq/siteline/internal/approval"
	"github.com/sitelinehq/siteline/internal/config"
	"github.com/sitelinehq/siteline/internal/deliverables"
	"github.com/sitelinehq/siteline/internal/dispatch"
	"github.com/sitelinehq/siteline/internal/orchestrator"
	"github.com/sitelinehq/siteline/internal/store"
	"github.com/sitelinehq/siteline/internal/tracker"
	"github.com/sitelinehq/siteline/internal/types"
	"github.com/sitelinehq/siteline/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "siteline",
	Short: "Siteline - website delivery pipeline orchestrator",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "enabled", cfg.Enabled)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Tracker client, deliverable publishing, workspaces
	trackerClient := tracker.NewClient(tracker.Options{
		BaseURL:      cfg.Tracker.BaseURL,
		APIKey:       cfg.Tracker.APIKey,
		ServiceToken: cfg.Tracker.ServiceToken,
		Timeout:      time.Duration(cfg.Tracker.Timeout),
		MaxAttempts:  cfg.Tracker.MaxAttempts,
		RetryBase:    time.Duration(cfg.Tracker.RetryBase),
		RetryBudget:  time.Duration(cfg.Tracker.RetryBudget),
		Logger:       logger,
	})

	publisher, err := deliverables.NewPublisher(cfg.Deliverables)
	if err != nil {
		return fmt.Errorf("initialize publisher: %w", err)
	}
	collector := deliverables.NewCollector(cfg.Deliverables.MaxSizeMB)
	workspaces := dispatch.NewDirWorkspaces(cfg.Workspaces.Root)

	// 6. Dispatcher. The progress hook reaches the orchestrator, which
	// is created after the dispatcher, hence the indirection.
	var orch *orchestrator.Orchestrator
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Store:         db,
		Executor:      dispatch.NewCommandExecutor(cfg.Executor.Command, logger),
		Workspaces:    workspaces,
		Scaffolder:    dispatch.BasicScaffolder{},
		Profile:       cfg.Executor.DefaultProfile,
		StageTimeouts: stageTimeouts(cfg.Executor.StageTimeouts),
		OnProgress: func(task *types.Task, pct int) {
			if orch != nil {
				orch.OnTaskProgress(task, pct)
			}
		},
		Logger: logger,
	})

	// Tasks left running by a previous process are unrecoverable.
	if recovered, err := dispatcher.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	} else if recovered > 0 {
		slog.Warn("recovered orphaned tasks", "count", recovered)
	}

	// 7. Approval coordinator and orchestrator
	coordinator := approval.NewCoordinator(db, trackerClient, collector, publisher, workspaces, logger)

	var pipeline api.Pipeline
	var wg sync.WaitGroup
	if cfg.Enabled {
		orch = orchestrator.New(orchestrator.Options{
			Store:          db,
			Mirror:         trackerClient,
			Dispatcher:     dispatcher,
			Approvals:      coordinator,
			MaxConcurrent:  cfg.Orchestrator.MaxConcurrentProjects,
			QueueSize:      cfg.Orchestrator.QueueSize,
			ErrorThreshold: cfg.Sync.ErrorThreshold,
			Logger:         logger,
		})
		orch.Start(ctx)
		coordinator.OnResolved = orch.NotifyApprovalResolved
		pipeline = orch

		// Pick projects back up where the previous process left them.
		if err := orch.Resume(ctx); err != nil {
			return fmt.Errorf("resume projects: %w", err)
		}

		// 8. Background workers
		replayer := worker.NewOutboundReplayer(db, trackerClient,
			time.Duration(cfg.Sync.ReplayInterval), 50, 30*time.Second)
		sweeper := worker.NewDedupSweeper(db,
			time.Duration(cfg.Ingress.DedupRetention),
			time.Duration(cfg.Ingress.SweepInterval))
		reconciler := approval.NewPairingReconciler(db, coordinator,
			time.Duration(cfg.Sync.ReplayInterval), logger)

		startWorker(ctx, &wg, "outbound-replayer", replayer.Run)
		startWorker(ctx, &wg, "dedup-sweeper", sweeper.Run)
		startWorker(ctx, &wg, "approval-reconciler", reconciler.Run)
	} else {
		slog.Warn("orchestration disabled; serving queries only")
	}

	// 9. HTTP server
	apiHandler := api.NewHandler(db, pipeline, coordinator, collector, workspaces, cfg.Ingress.Secret, Version)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(apiHandler),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully; anything else is a real failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()
	if orch != nil {
		orch.Wait()
	}

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stageTimeouts converts the config's stage name keys into typed stage
// keys, dropping unknown names.
func stageTimeouts(raw map[string]config.Duration) map[types.Stage]time.Duration {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[types.Stage]time.Duration, len(raw))
	for name, d := range raw {
		stage, err := types.ParseStage(name)
		if err != nil {
			slog.Warn("ignoring timeout for unknown stage", "stage", name)
			continue
		}
		out[stage] = time.Duration(d)
	}
	return out
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
