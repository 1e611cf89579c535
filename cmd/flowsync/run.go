package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wgje/flowsync/internal/engine"
	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/snapshot"
	"github.com/wgje/flowsync/internal/worker"
)

var runProjects []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: "Run the sync engine in the foreground: periodic queue passes, remote pulls, " +
		"queue snapshots and a status listener. The queue is flushed to disk on SIGTERM.",
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringSliceVar(&runProjects, "project", nil,
		"Project ID to track (repeatable)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration and logger
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer := initLogger(cfg)
	defer closer.Close()
	slog.Info("configuration loaded", "queue_backend", cfg.Queue.Backend, "remote", cfg.Remote.BaseURL)

	// 3. Engine (restores the durable queue)
	sc, err := openEngine(ctx, cfg, func(eventType, projectID string) {
		slog.Info("remote change applied",
			"component", "daemon",
			"action", "remote_change",
			"event", eventType,
			"project_id", projectID,
		)
	})
	if err != nil {
		return err
	}

	// 4. Seed tracked projects from the remote
	for _, id := range runProjects {
		if _, err := sc.engine.Pull(ctx, id); err != nil {
			slog.Warn("initial pull failed", "component", "daemon", "project_id", id, "error", err)
		}
	}

	// 5. Snapshot uploader; snapshots stay local when storage is unconfigured
	storage, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		slog.Warn("snapshot storage unavailable, keeping snapshots local", "error", err)
		storage = &snapshot.NoopUploader{}
	}
	uploader := storage
	if _, noop := storage.(*snapshot.NoopUploader); noop {
		uploader = nil
	}

	// 6. Status listener
	srv := &http.Server{
		Addr:         cfg.Metrics.Address,
		Handler:      newStatusRouter(sc.engine, snapshotIndex{dir: cfg.Worker.SnapshotDir, storage: storage}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("status listener starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		worker.NewSnapshotCoordinator(sc.engine, cfg.Worker.SnapshotDir, cfg.Worker.SnapshotKeep,
			time.Duration(cfg.Worker.SnapshotInterval), uploader).Run(gctx)
		return nil
	})
	if cfg.Remote.BaseURL != "" {
		g.Go(func() error {
			worker.NewPullCoordinator(sc.engine, time.Duration(cfg.Sync.PullInterval)).Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout))
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status listener shutdown error", "error", err)
		}
		if err := sc.Close(shutdownCtx); err != nil {
			slog.Error("queue flush on exit failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

// snapshotIndex serves the daemon's queue snapshots: the local files and
// download links for their uploaded copies.
type snapshotIndex struct {
	dir     string
	storage snapshot.Uploader
}

func (si snapshotIndex) names() ([]string, error) {
	paths, err := snapshot.List(si.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names, nil
}

func (si snapshotIndex) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := si.names()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": names})
}

func (si snapshotIndex) handleURL(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	names, err := si.names()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !slices.Contains(names, name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot not found: " + name})
		return
	}

	storage := si.storage
	if storage == nil {
		storage = &snapshot.NoopUploader{}
	}
	link, expiry, err := storage.PresignedURL(r.Context(), name)
	switch {
	case errors.Is(err, snapshot.ErrNotConfigured):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		slog.Error("snapshot link failed", "component", "daemon", "snapshot", name, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       name,
		"url":        link,
		"expires_at": expiry.UTC(),
	})
}

// newStatusRouter serves engine status, queue snapshots and Prometheus
// metrics.
func newStatusRouter(e *engine.Engine, snapshots snapshotIndex) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
	})
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Stats())
	})
	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pending":      e.PendingMutations(),
			"dead_letters": e.DeadLetters(),
		})
	})
	r.Get("/snapshots", snapshots.handleList)
	r.Get("/snapshots/{name}/url", snapshots.handleURL)
	r.Post("/flush", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Flush(r.Context()))
	})
	r.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Resume(r.Context()))
	})
	r.Post("/online", func(w http.ResponseWriter, r *http.Request) {
		e.SetOnline(r.URL.Query().Get("value") != "false")
		writeJSON(w, http.StatusOK, e.State())
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := printJSON(w, v); err != nil {
		slog.Error("status response write failed", "error", err)
	}
}
