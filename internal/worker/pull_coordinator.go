package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wgje/flowsync/internal/engine"
)

// Puller pulls remote project state into the local copy.
// Implemented by engine.Engine.
type Puller interface {
	ProjectIDs() []string
	Pull(ctx context.Context, projectID string) (engine.PullResult, error)
}

// PullCoordinator periodically reconciles every local project with its
// remote copy.
type PullCoordinator struct {
	puller   Puller
	interval time.Duration
}

// NewPullCoordinator creates a pull coordinator.
func NewPullCoordinator(puller Puller, interval time.Duration) *PullCoordinator {
	return &PullCoordinator{puller: puller, interval: interval}
}

// Run starts the pull loop. It blocks until ctx is cancelled.
//
// The first pull happens after one interval: the host loads projects and
// pushes its own edits at startup, and pulling before that only finds
// unknown projects.
func (c *PullCoordinator) Run(ctx context.Context) {
	slog.Info("pull coordinator started",
		"component", "worker",
		"worker", "pull-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pull coordinator stopped",
				"component", "worker",
				"worker", "pull-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.PullAll(ctx)
		}
	}
}

// PullAll pulls each project once, continuing past individual failures.
// It returns how many projects changed and how many failed.
func (c *PullCoordinator) PullAll(ctx context.Context) (changed, failed int) {
	ids := c.puller.ProjectIDs()
	start := time.Now()

	for _, id := range ids {
		if ctx.Err() != nil {
			return changed, failed
		}
		res, err := c.puller.Pull(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return changed, failed
			}
			failed++
			slog.Warn("project pull failed",
				"component", "worker",
				"worker", "pull-coordinator",
				"project_id", id,
				"error", err,
			)
			if errors.Is(err, engine.ErrSessionExpired) {
				// Every remaining pull would be refused too.
				break
			}
			continue
		}
		if res.Changed {
			changed++
		}
	}

	if len(ids) > 0 {
		slog.Info("pull cycle completed",
			"component", "worker",
			"worker", "pull-coordinator",
			"projects_total", len(ids),
			"projects_changed", changed,
			"projects_failed", failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return changed, failed
}
