package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wgje/flowsync/internal/config"
	"github.com/wgje/flowsync/internal/engine"
	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/queuestore"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/telemetry"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "flowsync",
	Short:         "FlowSync - offline-first project sync",
	Long:          "Push, pull and queue maintenance for FlowSync projects, plus the sync daemon and a reference remote store.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides FLOWSYNC_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(queueCmd)
}

// loadConfig reads configuration from --config when given, otherwise from
// the default location.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

// initLogger installs the process logger and returns its closer.
func initLogger(cfg *config.Config) io.Closer {
	logger, closer := telemetry.NewLogger(telemetry.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	slog.SetDefault(logger)
	return closer
}

// engineConfig maps file configuration onto the engine's tuning knobs.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Queue:            queueConfig(cfg),
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTime:     time.Duration(cfg.Circuit.RecoveryTime),
		TombstoneTTL:     time.Duration(cfg.Tombstone.CacheTTL),
		ProcessInterval:  time.Duration(cfg.Sync.ProcessInterval),
		ResumeBudget:     time.Duration(cfg.Sync.ResumeBudget),
		ResumeMaxItems:   cfg.Sync.ResumeMaxItems,
		ToastCooldown:    time.Duration(cfg.Sync.ToastCooldown),
	}
}

func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		MaxQueueSize:        cfg.Queue.MaxSize,
		HardLimit:           cfg.Queue.HardLimit,
		WarnCooldown:        time.Duration(cfg.Queue.WarnCooldown),
		MaxRetries:          cfg.Queue.MaxRetries,
		RetryBase:           time.Duration(cfg.Queue.RetryBase),
		MaxImmediateRetries: cfg.Queue.MaxImmediateRetries,
	}
}

// syncClient bundles an engine with the resources it was built on.
type syncClient struct {
	engine *engine.Engine
	store  queuestore.Store
	sched  *scheduler.CronScheduler
}

// openEngine builds and starts an engine backed by the configured queue
// store and remote. With no remote configured the engine starts offline,
// so every mutation lands in the queue.
func openEngine(ctx context.Context, cfg *config.Config, onChange func(eventType, projectID string)) (*syncClient, error) {
	qs, err := queuestore.Open(queuestore.Config{
		Backend: cfg.Queue.Backend,
		Path:    cfg.Queue.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	client := rpc.NewHTTPClient(rpc.HTTPConfig{
		BaseURL:           cfg.Remote.BaseURL,
		APIKey:            cfg.Remote.APIKey,
		Timeout:           time.Duration(cfg.Remote.Timeout),
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	})
	sched := scheduler.NewCronScheduler(slog.Default())

	e := engine.New(engineConfig(cfg), engine.Options{
		Client:         client,
		Store:          qs,
		Scheduler:      sched,
		Sink:           telemetry.NewLogSink(slog.Default()),
		OnRemoteChange: onChange,
	})
	if cfg.Remote.BaseURL == "" {
		slog.Warn("no remote configured, working offline",
			"component", "cli",
			"action", "offline_mode",
		)
		e.SetOnline(false)
	}
	if err := e.Start(ctx); err != nil {
		sched.Stop()
		qs.Close()
		return nil, err
	}
	return &syncClient{engine: e, store: qs, sched: sched}, nil
}

// Close stops the engine, which flushes the queue, then releases the
// scheduler and the queue store.
func (c *syncClient) Close(ctx context.Context) error {
	err := c.engine.Stop(ctx)
	c.sched.Stop()
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
