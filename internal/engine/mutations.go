package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wgje/flowsync/internal/push"
	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/types"
)

// SaveProject records project as the local copy and pushes it. A copy
// based on a version this engine wrote earlier is rebased onto the latest
// one it wrote. On success the local version advances to the one the remote
// store accepted.
func (e *Engine) SaveProject(ctx context.Context, project types.Project) (push.Result, error) {
	if project.ID == "" {
		return push.Result{}, ErrInvalidProject
	}
	e.mu.Lock()
	e.rebaseLocked(&project)
	e.projects[project.ID] = project
	e.mu.Unlock()

	res, err := e.orch.SaveProjectToCloud(ctx, project)
	if res.NewVersion > 0 {
		e.mu.Lock()
		e.recordAcceptedLocked(project.ID, project.Version, res.NewVersion)
		e.mu.Unlock()
	}
	return res, err
}

// DeleteTask permanently deletes a task and every connection touching it.
// The tombstones are recorded before anything reaches the wire, so no
// queued or concurrent upsert can bring them back.
func (e *Engine) DeleteTask(ctx context.Context, projectID, taskID string) error {
	connIDs := e.removeTaskLocally(projectID, taskID)

	e.guard.MarkDeleted(projectID, append([]string{taskID}, connIDs...)...)
	for _, id := range connIDs {
		e.queue.Remove(ctx, types.EntityConnection, id)
	}

	slog.Info("task deleted",
		"component", "engine",
		"action", "task_deleted",
		"project_id", projectID,
		"task_id", taskID,
		"connections", len(connIDs),
	)
	return e.deleteRemote(ctx, types.EntityTask, projectID, taskID)
}

// DeleteConnection permanently deletes a connection.
func (e *Engine) DeleteConnection(ctx context.Context, projectID, connectionID string) error {
	e.mu.Lock()
	if p, ok := e.projects[projectID]; ok {
		p.Connections = without(p.Connections, func(c types.Connection) bool { return c.ID == connectionID })
		e.projects[projectID] = p
	}
	e.mu.Unlock()

	e.guard.MarkDeleted(projectID, connectionID)
	return e.deleteRemote(ctx, types.EntityConnection, projectID, connectionID)
}

func (e *Engine) deleteRemote(ctx context.Context, entityType types.EntityType, projectID, id string) error {
	if err := e.orch.DeleteEntity(ctx, entityType, projectID, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, id, err)
	}
	return nil
}

// removeTaskLocally drops the task from the local project and returns the
// IDs of the connections that referenced it.
func (e *Engine) removeTaskLocally(projectID, taskID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.projects[projectID]
	if !ok {
		return nil
	}
	var connIDs []string
	for _, c := range p.Connections {
		if c.Source == taskID || c.Target == taskID {
			connIDs = append(connIDs, c.ID)
		}
	}
	p.Tasks = without(p.Tasks, func(t types.Task) bool { return t.ID == taskID })
	p.Connections = without(p.Connections, func(c types.Connection) bool {
		return c.Source == taskID || c.Target == taskID
	})
	e.projects[projectID] = p
	return connIDs
}

func without[T any](items []T, drop func(T) bool) []T {
	out := items[:0:0]
	for _, item := range items {
		if !drop(item) {
			out = append(out, item)
		}
	}
	return out
}

// SetOnline is the network hook. Coming back online schedules a queue
// pass.
func (e *Engine) SetOnline(online bool) {
	was := e.state.Snapshot().IsOnline
	e.state.SetOnline(online)
	if was == online {
		return
	}

	slog.Info("network state changed",
		"component", "engine",
		"action", "network_changed",
		"online", online,
		"pending", e.queue.Len(),
	)
	if online {
		e.queue.CheckRecovery()
		e.sched.Once(func() { e.queue.ProcessQueue(e.context()) })
	}
}

// Resume runs a time-boxed pass after the host application returns to the
// foreground. When the slice does not finish, a full pass is scheduled to
// continue in the background.
func (e *Engine) Resume(ctx context.Context) queue.SliceResult {
	res := e.queue.ProcessQueueSlice(ctx, queue.SliceOptions{
		MaxItems:    e.cfg.ResumeMaxItems,
		MaxDuration: e.cfg.ResumeBudget,
	})
	if !res.Completed && res.Remaining > 0 {
		slog.Debug("resume slice incomplete, continuing in background",
			"component", "engine",
			"action", "resume_continue",
			"processed", res.Processed,
			"remaining", res.Remaining,
		)
		e.sched.Once(func() { e.queue.ProcessQueue(e.context()) })
	}
	return res
}

// Flush runs a full queue pass now, for a user-triggered sync.
func (e *Engine) Flush(ctx context.Context) queue.PassResult {
	e.queue.CheckRecovery()
	return e.queue.ProcessQueue(ctx)
}

// tokenSetter is implemented by clients whose credentials can be replaced.
type tokenSetter interface {
	SetAPIKey(key string)
}

// RestoreSession installs fresh credentials, clears the expired flag and
// schedules a queue pass. An empty token keeps the client's current one.
func (e *Engine) RestoreSession(token string) {
	if ts, ok := e.client.(tokenSetter); ok && token != "" {
		ts.SetAPIKey(token)
	}
	e.gate.Restore()
	e.sched.Once(func() { e.queue.ProcessQueue(e.context()) })
}

// SessionExpired reports whether remote work is frozen until
// RestoreSession.
func (e *Engine) SessionExpired() bool {
	return e.gate.Expired()
}

// ErrSessionExpired is returned by operations refused while the session is
// expired.
var ErrSessionExpired = session.ErrExpired
