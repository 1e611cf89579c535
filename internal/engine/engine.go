// Package engine assembles the sync core: retry queue, push orchestrator,
// circuit breaker, session gate, tombstone guard and sync state. It owns the
// local copy of every project the host application edits and drives the
// queue from the scheduler and from lifecycle events.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/push"
	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/telemetry"
	"github.com/wgje/flowsync/internal/tombstone"
	"github.com/wgje/flowsync/internal/types"
)

// Defaults.
const (
	DefaultProcessInterval = 30 * time.Second
	DefaultResumeBudget    = 2 * time.Second
	DefaultResumeMaxItems  = 50
)

// Remote change events passed to OnRemoteChange.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventMerge  = "merge"
)

// Config tunes the engine. Zero fields take their defaults.
type Config struct {
	Queue            queue.Config
	FailureThreshold int
	RecoveryTime     time.Duration
	TombstoneTTL     time.Duration
	ProcessInterval  time.Duration
	ResumeBudget     time.Duration
	ResumeMaxItems   int
	ToastCooldown    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = DefaultProcessInterval
	}
	if c.ResumeBudget <= 0 {
		c.ResumeBudget = DefaultResumeBudget
	}
	if c.ResumeMaxItems <= 0 {
		c.ResumeMaxItems = DefaultResumeMaxItems
	}
	return c
}

// Options are the engine's external collaborators. Only Client is
// required for remote work; everything else has an inert default.
type Options struct {
	Client    rpc.Client
	Store     queue.Store
	Scheduler scheduler.Scheduler
	Sink      telemetry.Sink
	Notifier  telemetry.Notifier

	// OnRemoteChange is called when a pull changes a local project.
	OnRemoteChange func(eventType, projectID string)

	Clock func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg            Config
	client         rpc.Client
	state          *syncstate.State
	breaker        *circuit.Breaker
	guard          *tombstone.Guard
	gate           *session.Gate
	queue          *queue.Queue
	orch           *push.Orchestrator
	sched          scheduler.Scheduler
	sink           telemetry.Sink
	onRemoteChange func(eventType, projectID string)

	mu       sync.Mutex
	projects map[string]types.Project
	lineage  map[string]versionLineage
	started  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	timers   []func()
}

// New wires the components. Call Start to restore the queue and begin
// periodic processing.
func New(cfg Config, opts Options) *Engine {
	cfg = cfg.withDefaults()

	sink := opts.Sink
	if sink == nil {
		sink = telemetry.NewLogSink(nil)
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.Timers{}
	}

	state := syncstate.New()
	toaster := telemetry.NewToaster(opts.Notifier, cfg.ToastCooldown)
	gate := session.NewGate(state, toaster, sink)
	breaker := circuit.New(circuit.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTime:     cfg.RecoveryTime,
	})
	if opts.Clock != nil {
		breaker.SetClock(opts.Clock)
	}
	guard := tombstone.NewGuard(opts.Client, cfg.TombstoneTTL)
	if opts.Clock != nil {
		guard.SetClock(opts.Clock)
	}

	q := queue.New(cfg.Queue, queue.Deps{
		Store:      opts.Store,
		Gate:       gate,
		Tombstones: guard,
		State:      state,
		Sink:       sink,
		Toaster:    toaster,
		Scheduler:  sched,
		Clock:      opts.Clock,
	})
	orch := push.New(push.Deps{
		Client:     opts.Client,
		Breaker:    breaker,
		Tombstones: guard,
		Gate:       gate,
		Queue:      q,
		State:      state,
		Clock:      opts.Clock,
	})
	q.SetReplayer(orch)

	e := &Engine{
		cfg:            cfg,
		client:         opts.Client,
		state:          state,
		breaker:        breaker,
		guard:          guard,
		gate:           gate,
		queue:          q,
		orch:           orch,
		sched:          sched,
		sink:           sink,
		onRemoteChange: opts.OnRemoteChange,
		projects:       make(map[string]types.Project),
		lineage:        make(map[string]versionLineage),
		baseCtx:        context.Background(),
	}
	breaker.SetObserver(e.onCircuitTransition)
	orch.SetVersionObserver(e.advanceVersion)
	return e
}

// Start reloads the durable queue and schedules the periodic pass. A queue
// store failure is logged and the engine continues memory-only.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.baseCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	if err := e.queue.Load(ctx); err != nil {
		slog.Warn("queue restore failed, continuing in memory",
			"component", "engine",
			"action", "queue_restore_failed",
			"error", err,
		)
	}

	stop := e.sched.Every(e.cfg.ProcessInterval, e.tick)

	e.mu.Lock()
	e.timers = append(e.timers, stop)
	e.mu.Unlock()

	slog.Info("sync engine started",
		"component", "engine",
		"action", "engine_started",
		"pending", e.queue.Len(),
		"process_interval", e.cfg.ProcessInterval.String(),
	)
	return nil
}

// Stop cancels scheduled work and flushes the queue synchronously. It is
// the flush-on-exit hook.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	timers := e.timers
	e.timers = nil
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()

	for _, stop := range timers {
		stop()
	}
	if cancel != nil {
		cancel()
	}

	err := e.queue.Flush(ctx)
	slog.Info("sync engine stopped",
		"component", "engine",
		"action", "engine_stopped",
		"pending", e.queue.Len(),
		"flush_error", err,
	)
	return err
}

// tick is the periodic durable-queue pass.
func (e *Engine) tick() {
	e.queue.CheckRecovery()
	if e.queue.Len() == 0 {
		return
	}
	e.queue.ProcessQueue(e.context())
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseCtx
}

func (e *Engine) onCircuitTransition(from, to circuit.State) {
	e.state.SetCircuitState(to.String())
	metrics.CircuitState.Set(float64(to))

	tags := map[string]string{"from": from.String(), "to": to.String()}
	switch to {
	case circuit.Open:
		e.sink.CaptureMessage("circuit breaker opened", telemetry.Options{
			Level: telemetry.LevelError,
			Tags:  tags,
		})
	case circuit.Closed:
		e.sink.CaptureMessage("circuit breaker closed", telemetry.Options{
			Level: telemetry.LevelInfo,
			Tags:  tags,
		})
	}
}

// State returns the current sync state.
func (e *Engine) State() syncstate.Snapshot {
	return e.state.Snapshot()
}

// Subscribe registers for sync state changes. Cancel with Unsubscribe.
func (e *Engine) Subscribe() *syncstate.Subscription {
	return e.state.Subscribe()
}

// Unsubscribe stops delivery to sub.
func (e *Engine) Unsubscribe(sub *syncstate.Subscription) {
	e.state.Unsubscribe(sub)
}

// Queue exposes the retry queue for inspection and maintenance commands.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// PendingMutations returns a copy of the queued mutations in queue order.
func (e *Engine) PendingMutations() []types.MutationRecord {
	return e.queue.Items()
}

// DeadLetters returns the mutations the queue gave up on.
func (e *Engine) DeadLetters() []queue.DeadLetter {
	return e.queue.DeadLetters()
}

// Circuit returns the breaker's counters.
func (e *Engine) Circuit() circuit.Stats {
	return e.breaker.Stats()
}

// Project returns the local copy of a project.
func (e *Engine) Project(id string) (types.Project, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.projects[id]
	return p, ok
}

// ProjectIDs lists the locally held projects in ID order.
func (e *Engine) ProjectIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.projects))
	for id := range e.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// versionLineage is the run of project versions written by this engine
// alone: every version in [origin, head] led to head through our own
// accepted pushes.
type versionLineage struct {
	origin int
	head   int
}

// advanceVersion records that the remote store accepted version, pushed on
// top of version-1, and raises the local copy to it. It never lowers it.
func (e *Engine) advanceVersion(projectID string, version int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordAcceptedLocked(projectID, version-1, version)
}

func (e *Engine) recordAcceptedLocked(projectID string, base, version int) {
	l, ok := e.lineage[projectID]
	switch {
	case ok && base >= l.origin && base <= l.head:
		l.head = max(l.head, version)
	case ok && version <= l.head:
	default:
		l = versionLineage{origin: base, head: version}
	}
	e.lineage[projectID] = l

	if p, ok := e.projects[projectID]; ok && version > p.Version {
		p.Version = version
		e.projects[projectID] = p
	}
}

// rebaseLocked moves a save built on one of our own earlier versions onto
// the latest version we wrote, so the optimistic lock only rejects writes
// that raced another client.
func (e *Engine) rebaseLocked(project *types.Project) {
	l, ok := e.lineage[project.ID]
	if ok && project.Version >= l.origin && project.Version < l.head {
		project.Version = l.head
	}
}

// forgetLineageLocked drops the lineage once the remote copy moved past it.
func (e *Engine) forgetLineageLocked(projectID string, remoteVersion int) {
	if l, ok := e.lineage[projectID]; ok && remoteVersion > l.head {
		delete(e.lineage, projectID)
	}
}

// Stats is a point-in-time summary for status endpoints.
type Stats struct {
	State       syncstate.Snapshot `json:"state"`
	Circuit     circuit.Stats      `json:"circuit"`
	QueueLength int                `json:"queue_length"`
	DeadLetters int                `json:"dead_letters"`
	Retrying    int                `json:"retrying"`
	Projects    int                `json:"projects"`
}

// Stats summarizes the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	projects := len(e.projects)
	e.mu.Unlock()
	return Stats{
		State:       e.state.Snapshot(),
		Circuit:     e.breaker.Stats(),
		QueueLength: e.queue.Len(),
		DeadLetters: len(e.queue.DeadLetters()),
		Retrying:    e.queue.PendingRetries(),
		Projects:    projects,
	}
}
