package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wgje/flowsync/internal/conflict"
	"github.com/wgje/flowsync/internal/push"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/types"
)

// PullResult reports a background pull of one project.
type PullResult struct {
	Changed bool   `json:"changed"`
	Event   string `json:"event,omitempty"`
}

// Pull fetches the remote copy of a project. When the remote copy moved
// ahead, a project with unsynced local edits is merged last-write-wins and
// any other project adopts the remote copy. OnRemoteChange is called for
// every change.
func (e *Engine) Pull(ctx context.Context, projectID string) (PullResult, error) {
	if e.gate.Expired() {
		return PullResult{}, session.ErrExpired
	}

	remote, err := e.orch.LoadProject(ctx, projectID)
	if err != nil {
		if rpc.CodeOf(err) == rpc.CodeNoRows {
			return PullResult{}, nil
		}
		return PullResult{}, fmt.Errorf("pull %s: %w", projectID, err)
	}

	e.mu.Lock()
	e.forgetLineageLocked(projectID, remote.Version)
	local, known := e.projects[projectID]
	var res PullResult
	switch {
	case !known:
		e.projects[projectID] = remote
		res = PullResult{Changed: true, Event: EventInsert}
	case !diverged(local, remote):
	case e.queue.HasPending(projectID):
		e.projects[projectID] = conflict.MergeProject(local, remote)
		res = PullResult{Changed: true, Event: EventMerge}
	default:
		e.projects[projectID] = remote
		res = PullResult{Changed: true, Event: EventUpdate}
	}
	e.mu.Unlock()

	if res.Changed {
		slog.Info("remote change applied",
			"component", "engine",
			"action", "remote_change",
			"project_id", projectID,
			"event", res.Event,
			"remote_version", remote.Version,
		)
		if e.onRemoteChange != nil {
			e.onRemoteChange(res.Event, projectID)
		}
	}
	return res, nil
}

// diverged reports whether the remote copy moved past the local one.
func diverged(local, remote types.Project) bool {
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	return remote.UpdatedAt > local.UpdatedAt
}

// Resolution picks the winning side of a version conflict.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
)

// ResolveConflict settles the pending conflict for projectID and clears
// HasConflict. Local and merge push the chosen copy on top of the remote
// version; remote adopts the remote copy and discards queued edits for the
// project.
func (e *Engine) ResolveConflict(ctx context.Context, projectID string, choice Resolution) (push.Result, error) {
	snap := e.state.Snapshot()
	if !snap.HasConflict || snap.ConflictData == nil || snap.ConflictData.ProjectID != projectID {
		return push.Result{}, fmt.Errorf("%w: %s", ErrNoConflict, projectID)
	}
	c := snap.ConflictData

	var resolved types.Project
	switch choice {
	case ResolveLocal:
		resolved = c.Local
	case ResolveMerge:
		resolved = conflict.MergeProject(c.Local, c.Remote)
	case ResolveRemote:
		e.discardQueued(ctx, projectID)
		e.mu.Lock()
		e.forgetLineageLocked(projectID, c.Remote.Version)
		e.projects[projectID] = c.Remote
		e.mu.Unlock()
		e.state.SetConflict(nil)
		slog.Info("conflict resolved",
			"component", "engine",
			"action", "conflict_resolved",
			"project_id", projectID,
			"choice", string(choice),
		)
		if e.onRemoteChange != nil {
			e.onRemoteChange(EventUpdate, projectID)
		}
		return push.Result{Success: true, NewVersion: c.Remote.Version}, nil
	default:
		return push.Result{}, fmt.Errorf("%w: %q", ErrInvalidResolution, choice)
	}

	resolved.Version = c.Remote.Version
	e.state.SetConflict(nil)
	slog.Info("conflict resolved",
		"component", "engine",
		"action", "conflict_resolved",
		"project_id", projectID,
		"choice", string(choice),
	)
	return e.SaveProject(ctx, resolved)
}

func (e *Engine) discardQueued(ctx context.Context, projectID string) {
	for _, rec := range e.queue.Items() {
		if rec.ProjectID == projectID {
			e.queue.Remove(ctx, rec.EntityType, rec.EntityID)
		}
	}
}

// PullAll pulls every locally held project, continuing past failures. It
// returns the number of changed projects and the failures joined.
func (e *Engine) PullAll(ctx context.Context) (int, error) {
	var changed int
	var errs []error
	for _, id := range e.ProjectIDs() {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		res, err := e.Pull(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Changed {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
