package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/tombstone"
	"github.com/wgje/flowsync/internal/types"
)

// PushTask pushes one task. A tombstoned task is a no-op. Offline, with the
// circuit open, or on a retryable failure the task is queued and nil is
// returned. A permanent or version-conflict rejection returns an error
// wrapping ErrRejected and is not queued.
func (o *Orchestrator) PushTask(ctx context.Context, t types.Task) error {
	if o.tombstones.IsTombstoned(t.ID) {
		return nil
	}
	return o.pushSingle(ctx, queue.Mutation{
		EntityType: types.EntityTask,
		Operation:  types.OperationUpsert,
		EntityID:   t.ID,
		ProjectID:  t.ProjectID,
		Payload:    t,
	}, t)
}

// PushConnection pushes one connection. While either endpoint task still
// waits in the retry queue the connection is queued behind it.
func (o *Orchestrator) PushConnection(ctx context.Context, c types.Connection) error {
	if o.tombstones.IsTombstoned(c.ID) || o.tombstones.IsTombstoned(c.Source) || o.tombstones.IsTombstoned(c.Target) {
		return nil
	}
	m := queue.Mutation{
		EntityType: types.EntityConnection,
		Operation:  types.OperationUpsert,
		EntityID:   c.ID,
		ProjectID:  c.ProjectID,
		Payload:    c,
	}
	if o.queue != nil && (o.taskQueued(c.Source) || o.taskQueued(c.Target)) {
		slog.Debug("connection queued behind endpoint",
			"component", "push",
			"action", "connection_deferred",
			"connection_id", c.ID,
		)
		if err := o.queue.Enqueue(ctx, m); err != nil {
			o.logEnqueueFailure(m, err)
			return err
		}
		return nil
	}
	return o.pushSingle(ctx, m, c)
}

func (o *Orchestrator) taskQueued(id string) bool {
	_, ok := o.queue.Get(types.EntityTask, id)
	return ok
}

// PushProject pushes project metadata under the optimistic lock. The
// version sent is project.Version+1. A rejection surfaces a conflict and
// is never queued.
func (o *Orchestrator) PushProject(ctx context.Context, project types.Project) (Result, error) {
	if o.gate.Expired() {
		return Result{}, session.ErrExpired
	}
	if o.client == nil {
		return Result{}, rpc.ErrNotInitialized
	}
	o.state.SetSyncing(true)
	defer o.state.SetSyncing(false)

	b := &batch{projectID: project.ID, failedTasks: make(map[string]bool)}
	meta := project.Metadata()
	meta.Version = project.Version + 1
	if !o.state.Snapshot().IsOnline {
		o.enqueueAll(ctx, b, meta, nil, nil)
		return o.finish(b), nil
	}
	if res, err := o.pushMetadata(ctx, b, project, meta, nil, nil); res != nil {
		return *res, err
	}
	return o.finish(b), nil
}

// DeleteEntity pushes a delete. Callers record the tombstone first so no
// later upsert can resurrect the entity.
func (o *Orchestrator) DeleteEntity(ctx context.Context, entityType types.EntityType, projectID, id string) error {
	if !entityType.Valid() {
		return fmt.Errorf("%w: %q", rpc.ErrUnknownTable, entityType)
	}
	m := queue.Mutation{
		EntityType: entityType,
		Operation:  types.OperationDelete,
		EntityID:   id,
		ProjectID:  projectID,
	}
	if o.gate.Expired() {
		return session.ErrExpired
	}
	if o.client == nil {
		return rpc.ErrNotInitialized
	}
	if !o.state.Snapshot().IsOnline {
		o.enqueueOutcome(ctx, m, false)
		return nil
	}
	if !o.breaker.Check() {
		o.logDenied(m)
		o.enqueueOutcome(ctx, m, false)
		return nil
	}
	err := o.client.Delete(ctx, entityType.Table(), id)
	o.record(entityType, err)
	if err == nil {
		o.settle(ctx, entityType, id)
		o.state.SetLastSyncTime(o.now())
		return nil
	}
	return o.singleResult(o.routeFailure(ctx, m, err))
}

func (o *Orchestrator) pushSingle(ctx context.Context, m queue.Mutation, payload any) error {
	if o.gate.Expired() {
		return session.ErrExpired
	}
	if o.client == nil {
		return rpc.ErrNotInitialized
	}
	if !o.state.Snapshot().IsOnline {
		o.enqueueOutcome(ctx, m, false)
		return nil
	}
	out, err := o.pushOne(ctx, m, payload)
	if out == pushed {
		o.state.SetLastSyncTime(o.now())
	}
	return o.singleResult(out, err)
}

func (o *Orchestrator) singleResult(out outcome, err error) error {
	switch out {
	case dropped:
		if err == nil {
			return ErrNoQueue
		}
		return fmt.Errorf("%w: %w", ErrRejected, err)
	case aborted:
		return err
	default:
		return nil
	}
}

// Replay sends a queued record to the remote store. It is the retry
// queue's replayer: it neither enqueues nor settles, and returns
// circuit.ErrOpen when the breaker denies the call.
func (o *Orchestrator) Replay(ctx context.Context, rec types.MutationRecord) error {
	if o.client == nil {
		return rpc.ErrNotInitialized
	}
	table := rec.EntityType.Table()
	if table == "" {
		return fmt.Errorf("%w: %q", rpc.ErrUnknownTable, rec.EntityType)
	}
	if !o.breaker.Check() {
		return circuit.ErrOpen
	}

	var err error
	switch rec.Operation {
	case types.OperationDelete:
		err = o.client.Delete(ctx, table, rec.EntityID)
	default:
		_, err = o.client.Upsert(ctx, table, rec.EntityID, rec.Payload)
	}
	o.record(rec.EntityType, err)
	if err == nil {
		o.state.SetLastSyncTime(o.now())
		o.reportAccepted(rec)
	}
	return err
}

// reportAccepted passes the version of a replayed project upsert to the
// version observer.
func (o *Orchestrator) reportAccepted(rec types.MutationRecord) {
	if o.onAccepted == nil || rec.EntityType != types.EntityProject || rec.Operation != types.OperationUpsert {
		return
	}
	var meta types.ProjectMetadata
	if err := json.Unmarshal(rec.Payload, &meta); err != nil {
		slog.Warn("replayed project payload unreadable",
			"component", "push",
			"project_id", rec.EntityID,
			"error", err,
		)
		return
	}
	o.onAccepted(rec.EntityID, meta.Version)
}

// LoadProject fetches a project with its tasks and connections, dropping
// tombstoned and soft-deleted entities.
func (o *Orchestrator) LoadProject(ctx context.Context, projectID string) (types.Project, error) {
	if o.client == nil {
		return types.Project{}, rpc.ErrNotInitialized
	}
	if !o.breaker.Check() {
		return types.Project{}, circuit.ErrOpen
	}

	project, err := o.load(ctx, projectID)
	if err != nil {
		o.breaker.RecordFailure(err)
		o.gate.Inspect(err)
		return types.Project{}, err
	}
	o.breaker.RecordSuccess()

	set := o.tombstones.Resolve(ctx, projectID)
	project.Tasks = tombstone.Filter(set, project.Tasks)
	project.Connections = tombstone.FilterConnections(set, project.Connections)
	return project, nil
}

func (o *Orchestrator) load(ctx context.Context, projectID string) (types.Project, error) {
	rows, err := o.client.Query(ctx, types.EntityProject.Table(), rpc.Filter{"id": projectID})
	if err != nil {
		return types.Project{}, err
	}
	if len(rows) == 0 {
		return types.Project{}, rpc.NewError(rpc.CodeNoRows, "project "+projectID+" not found")
	}
	var project types.Project
	if err := json.Unmarshal(rows[0], &project); err != nil {
		return types.Project{}, fmt.Errorf("decode project %s: %w", projectID, err)
	}

	tasks, err := queryRows[types.Task](ctx, o.client, types.EntityTask.Table(), projectID)
	if err != nil {
		return types.Project{}, err
	}
	conns, err := queryRows[types.Connection](ctx, o.client, types.EntityConnection.Table(), projectID)
	if err != nil {
		return types.Project{}, err
	}
	project.Tasks = tasks
	project.Connections = conns
	return project, nil
}

func queryRows[T any](ctx context.Context, client rpc.Client, table, projectID string) ([]T, error) {
	rows, err := client.Query(ctx, table, rpc.Filter{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := json.Unmarshal(row, &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, nil
}
