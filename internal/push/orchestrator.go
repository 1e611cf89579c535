// Package push sends local project state to the remote store. Batch pushes
// are sequential: project metadata, then tasks, then connections, so
// foreign keys hold and the transport's concurrency ceiling is respected.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/tombstone"
	"github.com/wgje/flowsync/internal/types"
)

// Breaker gates remote calls.
type Breaker interface {
	Check() bool
	RecordSuccess()
	RecordFailure(err error)
}

// Tombstones resolves and answers tombstone membership.
type Tombstones interface {
	Resolve(ctx context.Context, projectID string) tombstone.Set
	IsTombstoned(entityID string) bool
}

// Gate classifies failures and reports session expiry.
type Gate interface {
	Expired() bool
	Inspect(err error) session.Class
}

// Enqueuer is the slice of the retry queue the orchestrator hands failures
// to.
type Enqueuer interface {
	Enqueue(ctx context.Context, m queue.Mutation) error
	EnqueueWithRetry(ctx context.Context, m queue.Mutation) error
	Settle(ctx context.Context, entityType types.EntityType, entityID string)
	Get(entityType types.EntityType, entityID string) (types.MutationRecord, bool)
	NotifyFailure(entityType types.EntityType, entityID string, class session.Class, err error)
}

// State is the slice of SyncState the orchestrator writes.
type State interface {
	SetSyncing(bool)
	SetLastSyncTime(time.Time)
	SetSyncError(string)
	SetConflict(*syncstate.Conflict)
	Snapshot() syncstate.Snapshot
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Client     rpc.Client
	Breaker    Breaker
	Tombstones Tombstones
	Gate       Gate
	Queue      Enqueuer
	State      State
	Clock      func() time.Time
}

// Result reports a batch push.
type Result struct {
	Success    bool `json:"success"`
	Conflict   bool `json:"conflict,omitempty"`
	NewVersion int  `json:"new_version,omitempty"`
	Pushed     int  `json:"pushed"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	Queued     int  `json:"queued"`
}

// Orchestrator pushes projects and single entities.
type Orchestrator struct {
	client     rpc.Client
	breaker    Breaker
	tombstones Tombstones
	gate       Gate
	queue      Enqueuer
	state      State
	now        func() time.Time
	onAccepted func(projectID string, version int)
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		client:     deps.Client,
		breaker:    deps.Breaker,
		tombstones: deps.Tombstones,
		gate:       deps.Gate,
		queue:      deps.Queue,
		state:      deps.State,
		now:        deps.Clock,
	}
	if o.breaker == nil {
		o.breaker = circuit.New(circuit.DefaultConfig())
	}
	if o.tombstones == nil {
		o.tombstones = tombstone.NewGuard(deps.Client, 0)
	}
	if o.gate == nil {
		o.gate = session.NewGate(nil, nil, nil)
	}
	if o.state == nil {
		o.state = syncstate.New()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// SetVersionObserver registers fn to receive every project version the
// remote store accepts from a replayed metadata upsert. Call it before the
// queue starts replaying.
func (o *Orchestrator) SetVersionObserver(fn func(projectID string, version int)) {
	o.onAccepted = fn
}

// outcome is the fate of a single entity push.
type outcome int

const (
	pushed outcome = iota
	queuedRetry
	queuedPlain
	dropped
	aborted
)

// batch accumulates a SaveProjectToCloud call.
type batch struct {
	projectID string
	result    Result
	// failedTasks maps task IDs that did not reach the remote store to
	// whether they were queued for retry.
	failedTasks map[string]bool
}

// SaveProjectToCloud pushes a whole project. Tombstoned and soft-deleted
// entities are filtered first. Offline or with the circuit open, the
// payload goes to the retry queue.
func (o *Orchestrator) SaveProjectToCloud(ctx context.Context, project types.Project) (Result, error) {
	if o.gate.Expired() {
		slog.Warn("push skipped",
			"component", "push",
			"action", "push_skipped",
			"reason", "session_expired",
			"project_id", project.ID,
		)
		return Result{}, session.ErrExpired
	}
	if o.client == nil {
		slog.Error("push failed",
			"component", "push",
			"action", "push_failed",
			"project_id", project.ID,
			"error", rpc.ErrNotInitialized,
		)
		return Result{}, rpc.ErrNotInitialized
	}

	o.state.SetSyncing(true)
	defer o.state.SetSyncing(false)

	set := o.tombstones.Resolve(ctx, project.ID)
	tasks := tombstone.Filter(set, project.Tasks)
	conns := tombstone.FilterConnections(set, project.Connections)

	b := &batch{projectID: project.ID, failedTasks: make(map[string]bool)}
	b.result.Skipped = len(project.Tasks) - len(tasks) + len(project.Connections) - len(conns)

	meta := project.Metadata()
	meta.Version = project.Version + 1
	if meta.UpdatedAt == "" {
		meta.UpdatedAt = types.Timestamp(o.now())
	}

	if !o.state.Snapshot().IsOnline {
		o.enqueueAll(ctx, b, meta, tasks, conns)
		return o.finish(b), nil
	}

	res, err := o.pushMetadata(ctx, b, project, meta, tasks, conns)
	if res != nil {
		return *res, err
	}

	for _, t := range tasks {
		if err := o.pushBatchTask(ctx, b, t); err != nil {
			return o.finish(b), err
		}
	}
	for _, c := range conns {
		if err := o.pushBatchConnection(ctx, b, c); err != nil {
			return o.finish(b), err
		}
	}
	return o.finish(b), nil
}

// pushMetadata pushes the project row. A non-nil result ends the batch.
func (o *Orchestrator) pushMetadata(ctx context.Context, b *batch, project types.Project, meta types.ProjectMetadata, tasks []types.Task, conns []types.Connection) (*Result, error) {
	m := queue.Mutation{
		EntityType: types.EntityProject,
		Operation:  types.OperationUpsert,
		EntityID:   project.ID,
		ProjectID:  project.ID,
		Payload:    meta,
	}
	if !o.breaker.Check() {
		o.logDenied(m)
		o.enqueueAll(ctx, b, meta, tasks, conns)
		r := o.finish(b)
		return &r, nil
	}

	_, err := o.client.Upsert(ctx, types.EntityProject.Table(), project.ID, meta)
	o.record(types.EntityProject, err)
	if err == nil {
		o.settle(ctx, types.EntityProject, project.ID)
		b.result.NewVersion = meta.Version
		b.result.Pushed++
		return nil, nil
	}

	if errors.Is(err, rpc.ErrNotInitialized) {
		slog.Error("push failed", "component", "push", "action", "push_failed", "project_id", project.ID, "error", err)
		return &Result{}, err
	}

	switch class := o.gate.Inspect(err); class {
	case session.VersionConflict:
		o.surfaceConflict(ctx, project, err)
		return &Result{Conflict: true, Skipped: b.result.Skipped}, nil
	case session.SessionExpired:
		return &Result{Skipped: b.result.Skipped}, session.ErrExpired
	case session.Retryable:
		slog.Warn("project push failed, queued",
			"component", "push",
			"action", "push_queued",
			"project_id", project.ID,
			"error", err,
		)
		o.enqueue(ctx, b, m, true)
		o.enqueueEntities(ctx, b, tasks, conns)
		r := o.finish(b)
		return &r, nil
	case session.Permanent:
		slog.Warn("project push rejected",
			"component", "push",
			"action", "push_rejected",
			"project_id", project.ID,
			"error", err,
		)
		b.result.Failed++
		o.notify(types.EntityProject, project.ID, class, err)
		return nil, nil
	default:
		slog.Error("project push failed",
			"component", "push",
			"action", "push_failed",
			"project_id", project.ID,
			"error", err,
		)
		b.result.Failed++
		o.enqueue(ctx, b, m, false)
		return nil, nil
	}
}

// surfaceConflict records both sides of a rejected project push. It never
// enqueues a retry.
func (o *Orchestrator) surfaceConflict(ctx context.Context, local types.Project, err error) {
	slog.Warn("project version conflict",
		"component", "push",
		"action", "version_conflict",
		"project_id", local.ID,
		"local_version", local.Version,
		"error", err,
	)
	remote, loadErr := o.LoadProject(ctx, local.ID)
	if loadErr != nil {
		slog.Warn("could not load remote project for conflict",
			"component", "push",
			"project_id", local.ID,
			"error", loadErr,
		)
		remote = types.Project{ID: local.ID}
	}
	o.state.SetConflict(&syncstate.Conflict{ProjectID: local.ID, Local: local, Remote: remote})
	o.notify(types.EntityProject, local.ID, session.VersionConflict, err)
}

func (o *Orchestrator) pushBatchTask(ctx context.Context, b *batch, t types.Task) error {
	m := queue.Mutation{
		EntityType: types.EntityTask,
		Operation:  types.OperationUpsert,
		EntityID:   t.ID,
		ProjectID:  b.projectID,
		Payload:    t,
	}
	switch out, err := o.pushOne(ctx, m, t); out {
	case pushed:
		b.result.Pushed++
	case queuedRetry, queuedPlain:
		b.result.Queued++
		b.failedTasks[t.ID] = true
	case dropped:
		b.result.Failed++
		b.failedTasks[t.ID] = false
	case aborted:
		return err
	}
	return nil
}

func (o *Orchestrator) pushBatchConnection(ctx context.Context, b *batch, c types.Connection) error {
	m := queue.Mutation{
		EntityType: types.EntityConnection,
		Operation:  types.OperationUpsert,
		EntityID:   c.ID,
		ProjectID:  b.projectID,
		Payload:    c,
	}

	srcQueued, srcFailed := b.failedTasks[c.Source]
	dstQueued, dstFailed := b.failedTasks[c.Target]
	if srcFailed || dstFailed {
		if (srcFailed && !srcQueued) || (dstFailed && !dstQueued) {
			slog.Debug("connection skipped, endpoint rejected",
				"component", "push",
				"action", "connection_skipped",
				"connection_id", c.ID,
			)
			b.result.Skipped++
			return nil
		}
		if err := o.queue.Enqueue(ctx, m); err != nil {
			o.logEnqueueFailure(m, err)
		}
		b.result.Queued++
		return nil
	}

	switch out, err := o.pushOne(ctx, m, c); out {
	case pushed:
		b.result.Pushed++
	case queuedRetry, queuedPlain:
		b.result.Queued++
	case dropped:
		b.result.Failed++
	case aborted:
		return err
	}
	return nil
}

// pushOne pushes a single upsert through the breaker and routes a failure
// by class.
func (o *Orchestrator) pushOne(ctx context.Context, m queue.Mutation, payload any) (outcome, error) {
	if !o.breaker.Check() {
		o.logDenied(m)
		return o.enqueueOutcome(ctx, m, false), nil
	}

	_, err := o.client.Upsert(ctx, m.EntityType.Table(), m.EntityID, payload)
	o.record(m.EntityType, err)
	if err == nil {
		o.settle(ctx, m.EntityType, m.EntityID)
		return pushed, nil
	}
	return o.routeFailure(ctx, m, err)
}

func (o *Orchestrator) routeFailure(ctx context.Context, m queue.Mutation, err error) (outcome, error) {
	if errors.Is(err, rpc.ErrNotInitialized) {
		slog.Error("push failed", "component", "push", "action", "push_failed", "entity_id", m.EntityID, "error", err)
		return aborted, err
	}

	switch class := o.gate.Inspect(err); class {
	case session.SessionExpired:
		return aborted, session.ErrExpired
	case session.Permanent, session.VersionConflict:
		slog.Warn("push rejected",
			"component", "push",
			"action", "push_rejected",
			"class", class.String(),
			"entity_type", string(m.EntityType),
			"entity_id", m.EntityID,
			"error", err,
		)
		o.notify(m.EntityType, m.EntityID, class, err)
		return dropped, err
	case session.Retryable:
		slog.Warn("push failed, queued",
			"component", "push",
			"action", "push_queued",
			"entity_type", string(m.EntityType),
			"entity_id", m.EntityID,
			"error", err,
		)
		return o.enqueueOutcome(ctx, m, true), nil
	default:
		slog.Error("push failed with unclassified error",
			"component", "push",
			"action", "push_failed",
			"entity_type", string(m.EntityType),
			"entity_id", m.EntityID,
			"error", err,
		)
		return o.enqueueOutcome(ctx, m, false), nil
	}
}

func (o *Orchestrator) enqueueOutcome(ctx context.Context, m queue.Mutation, retry bool) outcome {
	if o.queue == nil {
		o.logEnqueueFailure(m, ErrNoQueue)
		return dropped
	}
	var err error
	if retry {
		err = o.queue.EnqueueWithRetry(ctx, m)
	} else {
		err = o.queue.Enqueue(ctx, m)
	}
	if err != nil {
		o.logEnqueueFailure(m, err)
	}
	if retry {
		return queuedRetry
	}
	return queuedPlain
}

func (o *Orchestrator) enqueue(ctx context.Context, b *batch, m queue.Mutation, retry bool) {
	o.enqueueOutcome(ctx, m, retry)
	b.result.Queued++
}

func (o *Orchestrator) enqueueAll(ctx context.Context, b *batch, meta types.ProjectMetadata, tasks []types.Task, conns []types.Connection) {
	o.enqueue(ctx, b, queue.Mutation{
		EntityType: types.EntityProject,
		Operation:  types.OperationUpsert,
		EntityID:   meta.ID,
		ProjectID:  meta.ID,
		Payload:    meta,
	}, false)
	o.enqueueEntities(ctx, b, tasks, conns)
}

func (o *Orchestrator) enqueueEntities(ctx context.Context, b *batch, tasks []types.Task, conns []types.Connection) {
	for _, t := range tasks {
		o.enqueue(ctx, b, queue.Mutation{
			EntityType: types.EntityTask,
			Operation:  types.OperationUpsert,
			EntityID:   t.ID,
			ProjectID:  b.projectID,
			Payload:    t,
		}, false)
	}
	for _, c := range conns {
		o.enqueue(ctx, b, queue.Mutation{
			EntityType: types.EntityConnection,
			Operation:  types.OperationUpsert,
			EntityID:   c.ID,
			ProjectID:  b.projectID,
			Payload:    c,
		}, false)
	}
}

func (o *Orchestrator) finish(b *batch) Result {
	r := b.result
	r.Success = r.Failed == 0 && r.Queued == 0 && !r.Conflict
	if r.Pushed > 0 {
		o.state.SetLastSyncTime(o.now())
	}
	if r.Success {
		o.state.SetSyncError("")
	} else if r.Failed > 0 || r.Queued > 0 {
		o.state.SetSyncError(fmt.Sprintf("%d pushed, %d failed, %d queued", r.Pushed, r.Failed, r.Queued))
	}
	slog.Info("project push finished",
		"component", "push",
		"action", "push_finished",
		"project_id", b.projectID,
		"success", r.Success,
		"pushed", r.Pushed,
		"failed", r.Failed,
		"queued", r.Queued,
		"skipped", r.Skipped,
	)
	return r
}

func (o *Orchestrator) record(entityType types.EntityType, err error) {
	if err == nil {
		o.breaker.RecordSuccess()
		metrics.Pushes.WithLabelValues(string(entityType), "success").Inc()
		return
	}
	o.breaker.RecordFailure(err)
	metrics.Pushes.WithLabelValues(string(entityType), "failure").Inc()
}

func (o *Orchestrator) settle(ctx context.Context, entityType types.EntityType, id string) {
	if o.queue != nil {
		o.queue.Settle(ctx, entityType, id)
	}
}

func (o *Orchestrator) notify(entityType types.EntityType, id string, class session.Class, err error) {
	if o.queue != nil {
		o.queue.NotifyFailure(entityType, id, class, err)
	}
}

func (o *Orchestrator) logDenied(m queue.Mutation) {
	slog.Warn("circuit open, queueing",
		"component", "push",
		"action", "circuit_denied",
		"entity_type", string(m.EntityType),
		"entity_id", m.EntityID,
	)
}

func (o *Orchestrator) logEnqueueFailure(m queue.Mutation, err error) {
	slog.Error("could not queue mutation",
		"component", "push",
		"action", "enqueue_failed",
		"entity_type", string(m.EntityType),
		"entity_id", m.EntityID,
		"error", err,
	)
}
