package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgje/flowsync/internal/api"
	"github.com/wgje/flowsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference remote store",
	Long: "Serve the projects, tasks, connections and tombstones tables over HTTP, " +
		"enforcing the optimistic version lock. Useful for local development and tests.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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
	if cfg.Server.APIKey == "" {
		return errors.New("FLOWSYNC_SERVER_API_KEY is required")
	}

	// 3. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Server.DatabasePath)

	// 4. Configure HTTP server
	router := api.NewRouter(api.NewHandler(db, cfg.Server.APIKey, Version))
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 5. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 6. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
