// Package queue is the durable retry queue. It owns every locally authored
// mutation from enqueue until the mutation reaches the remote store, fails
// permanently, or runs out of retries.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/telemetry"
	"github.com/wgje/flowsync/internal/tombstone"
	"github.com/wgje/flowsync/internal/types"
)

// Defaults.
const (
	DefaultMaxQueueSize        = 500
	DefaultWarnThreshold       = 0.8
	DefaultWarnCooldown        = 5 * time.Minute
	DefaultWarnWorsenPoints    = 10.0
	DefaultMaxRetries          = 5
	DefaultRetryBase           = time.Second
	DefaultMaxImmediateRetries = 3
	maxDeadLetters             = 100
)

// Config configures a Queue. Zero fields take their defaults.
type Config struct {
	// MaxQueueSize is the capacity at which the queue enters queue_full
	// pressure.
	MaxQueueSize int

	// HardLimit is the length at which new entities are refused. Defaults
	// to twice MaxQueueSize.
	HardLimit int

	// WarnThreshold is the fill ratio that triggers capacity warnings and
	// below which pressure clears.
	WarnThreshold float64

	// WarnCooldown rate-limits capacity warnings.
	WarnCooldown time.Duration

	// WarnWorsenPoints bypasses the cooldown when the fill percentage grew
	// by more than this many points since the last warning.
	WarnWorsenPoints float64

	// MaxRetries is the number of failed replays after which a mutation is
	// dropped.
	MaxRetries int

	// RetryBase is the first immediate retry delay; later ones double.
	RetryBase time.Duration

	// MaxImmediateRetries bounds the immediate backoff path.
	MaxImmediateRetries int

	// StoreKey is the key used with the durable store.
	StoreKey string
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.HardLimit < c.MaxQueueSize {
		c.HardLimit = 2 * c.MaxQueueSize
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold > 1 {
		c.WarnThreshold = DefaultWarnThreshold
	}
	if c.WarnCooldown <= 0 {
		c.WarnCooldown = DefaultWarnCooldown
	}
	if c.WarnWorsenPoints <= 0 {
		c.WarnWorsenPoints = DefaultWarnWorsenPoints
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.MaxImmediateRetries <= 0 {
		c.MaxImmediateRetries = DefaultMaxImmediateRetries
	}
	if c.StoreKey == "" {
		c.StoreKey = DefaultStoreKey
	}
	return c
}

// Gate is the slice of the session gate the queue consults.
type Gate interface {
	Expired() bool
	Inspect(err error) session.Class
	Done() <-chan struct{}
	OnExpire(fn func())
}

// State is the slice of SyncState the queue writes and reads.
type State interface {
	SetPendingCount(n int)
	SetQueuePressure(active bool, reason string)
	Snapshot() syncstate.Snapshot
}

// TombstoneResolver is implemented by tombstone checkers that can load a
// project's remote tombstones. The queue resolves every project it is about
// to replay.
type TombstoneResolver interface {
	Resolve(ctx context.Context, projectID string) tombstone.Set
}

// Replayer pushes a single queued mutation to the remote store. It returns
// circuit.ErrOpen when the breaker refuses the call.
type Replayer interface {
	Replay(ctx context.Context, rec types.MutationRecord) error
}

// Deps are the queue's collaborators. Nil fields get inert defaults, except
// Store which degrades the queue to memory-only.
type Deps struct {
	Store      Store
	Gate       Gate
	Tombstones tombstone.Checker
	State      State
	Sink       telemetry.Sink
	Toaster    *telemetry.Toaster
	Scheduler  scheduler.Scheduler
	Clock      func() time.Time
}

// Mutation is a change handed to Enqueue.
type Mutation struct {
	EntityType types.EntityType
	Operation  types.Operation
	EntityID   string
	ProjectID  string
	Payload    any
}

// DeadLetter is a mutation removed without reaching the remote store.
type DeadLetter struct {
	Record types.MutationRecord `json:"record"`
	Reason string               `json:"reason"`
	Error  string               `json:"error,omitempty"`
	At     time.Time            `json:"at"`
}

// Queue is safe for concurrent use. Passes are single-flight.
type Queue struct {
	cfg        Config
	store      Store
	gate       Gate
	tombstones tombstone.Checker
	state      State
	sink       telemetry.Sink
	toaster    *telemetry.Toaster
	now        func() time.Time
	retrier    *retrier

	mu          sync.Mutex
	items       []types.MutationRecord
	inflight    []types.MutationRecord
	replayer    Replayer
	pressure    bool
	reason      string
	lastWarnAt  time.Time
	lastWarnPct float64
	degraded    bool
	deadLetters []DeadLetter
	settled     map[types.EntityKey]struct{}
	reserved    map[types.EntityKey]struct{}

	persistMu sync.Mutex
	running   atomic.Bool
}

// New creates a Queue. Call Load to restore persisted records.
func New(cfg Config, deps Deps) *Queue {
	q := &Queue{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		gate:       deps.Gate,
		tombstones: deps.Tombstones,
		state:      deps.State,
		sink:       deps.Sink,
		toaster:    deps.Toaster,
		now:        deps.Clock,
		reserved:   make(map[types.EntityKey]struct{}),
	}
	if q.gate == nil {
		q.gate = session.NewGate(nil, nil, nil)
	}
	if q.tombstones == nil {
		q.tombstones = tombstone.Set{}
	}
	if q.state == nil {
		q.state = syncstate.New()
	}
	if q.sink == nil {
		q.sink = telemetry.NopSink{}
	}
	if q.toaster == nil {
		q.toaster = telemetry.NewToaster(nil, 0)
	}
	if q.now == nil {
		q.now = time.Now
	}
	sched := deps.Scheduler
	if sched == nil {
		sched = scheduler.Timers{}
	}
	q.retrier = newRetrier(q, sched, q.cfg.RetryBase, q.cfg.MaxImmediateRetries)
	q.gate.OnExpire(q.retrier.cancelAll)
	return q
}

// SetReplayer installs the push path used by passes and immediate retries.
func (q *Queue) SetReplayer(r Replayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replayer = r
}

// Enqueue adds m to the queue, or overwrites the queued mutation for the
// same entity in place, and persists before returning. Upserts of
// tombstoned entities are dropped as a no-op.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) error {
	if !m.EntityType.Valid() || m.EntityID == "" {
		return fmt.Errorf("%w: type %q id %q", ErrInvalidMutation, m.EntityType, m.EntityID)
	}
	if m.Operation == "" {
		m.Operation = types.OperationUpsert
	}
	if q.gate.Expired() {
		slog.Warn("enqueue rejected",
			"component", "queue",
			"action", "enqueue_rejected",
			"reason", "session_expired",
			"entity_type", string(m.EntityType),
			"entity_id", m.EntityID,
		)
		return ErrSessionExpired
	}
	if m.Operation == types.OperationUpsert && q.tombstones.IsTombstoned(m.EntityID) {
		slog.Debug("dropping upsert of tombstoned entity",
			"component", "queue",
			"action", "tombstone_drop",
			"entity_type", string(m.EntityType),
			"entity_id", m.EntityID,
		)
		metrics.QueueDrops.WithLabelValues("tombstoned").Inc()
		return nil
	}

	payload, err := marshalPayload(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	key := types.EntityKey{Type: m.EntityType, ID: m.EntityID}

	q.mu.Lock()
	if q.running.Load() && q.sameAsInflightLocked(key, m.Operation, payload) {
		q.mu.Unlock()
		return nil
	}
	if i := indexOf(q.items, key); i >= 0 {
		q.items[i].Operation = m.Operation
		q.items[i].Payload = payload
		if m.ProjectID != "" {
			q.items[i].ProjectID = m.ProjectID
		}
	} else {
		if q.countLocked() >= q.cfg.HardLimit {
			n := q.countLocked()
			q.mu.Unlock()
			slog.Error("enqueue rejected",
				"component", "queue",
				"action", "enqueue_rejected",
				"reason", "queue_full",
				"queue_length", n,
				"hard_limit", q.cfg.HardLimit,
				"entity_type", string(m.EntityType),
				"entity_id", m.EntityID,
			)
			metrics.QueueDrops.WithLabelValues("queue_full").Inc()
			return ErrQueueFull
		}
		q.items = append(q.items, types.MutationRecord{
			ID:         uuid.NewString(),
			EntityType: m.EntityType,
			Operation:  m.Operation,
			EntityID:   m.EntityID,
			Payload:    payload,
			ProjectID:  m.ProjectID,
			CreatedAt:  q.now().UTC(),
		})
	}
	q.mu.Unlock()

	q.persist(ctx)
	q.afterChange()
	return nil
}

// EnqueueWithRetry enqueues m and schedules immediate backoff retries for it.
// Used for failures classified as retryable.
func (q *Queue) EnqueueWithRetry(ctx context.Context, m Mutation) error {
	if err := q.Enqueue(ctx, m); err != nil {
		return err
	}
	q.retrier.schedule(types.EntityKey{Type: m.EntityType, ID: m.EntityID})
	return nil
}

// Remove deletes the queued mutation for an entity. It reports whether one
// was queued.
func (q *Queue) Remove(ctx context.Context, entityType types.EntityType, entityID string) bool {
	key := types.EntityKey{Type: entityType, ID: entityID}
	q.mu.Lock()
	i := indexOf(q.items, key)
	if i < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.mu.Unlock()

	q.persist(ctx)
	q.afterChange()
	return true
}

// Settle is called after any successful push of an entity: it removes the
// queued mutation and cancels its pending immediate retry.
// A mutation for the same entity that is in flight in a running pass is
// dropped instead of being sent again.
func (q *Queue) Settle(ctx context.Context, entityType types.EntityType, entityID string) {
	key := types.EntityKey{Type: entityType, ID: entityID}
	q.retrier.cancel(key)

	q.mu.Lock()
	if q.running.Load() && indexOf(q.inflight, key) >= 0 {
		q.settled[key] = struct{}{}
	}
	q.mu.Unlock()

	q.Remove(ctx, entityType, entityID)
}

// Clear drops every queued mutation.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.retrier.cancelAll()
	q.persist(ctx)
	q.afterChange()
	return n
}

// Len returns the number of mutations not yet resolved, including any that
// are in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked()
}

// Items returns a copy of the durable queue contents.
func (q *Queue) Items() []types.MutationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.durableLocked()
}

// Get returns the queued mutation for an entity.
func (q *Queue) Get(entityType types.EntityType, entityID string) (types.MutationRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := types.EntityKey{Type: entityType, ID: entityID}
	if i := indexOf(q.items, key); i >= 0 {
		return q.items[i], true
	}
	if i := indexOf(q.inflight, key); i >= 0 {
		return q.inflight[i], true
	}
	return types.MutationRecord{}, false
}

// HasPending reports whether any queued mutation belongs to projectID.
func (q *Queue) HasPending(projectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.durableLocked() {
		if r.ProjectID == projectID {
			return true
		}
	}
	return false
}

// DeadLetters returns the most recent permanently failed mutations.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Load replaces the in-memory queue with the persisted one. A store failure
// leaves the queue empty and memory-only.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	records, err := q.store.LoadAll(ctx, q.cfg.StoreKey)
	if err != nil {
		q.markDegraded(err)
		return fmt.Errorf("load queue: %w", err)
	}

	var items []types.MutationRecord
	for _, r := range records {
		if i := indexOf(items, r.Key()); i >= 0 {
			items[i] = r
			continue
		}
		items = append(items, r)
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	slog.Info("retry queue loaded",
		"component", "queue",
		"action", "queue_loaded",
		"count", len(items),
	)
	q.afterChange()
	return nil
}

// Flush writes the queue synchronously. It is the flush-on-exit hook.
func (q *Queue) Flush(ctx context.Context) error {
	return q.persist(ctx)
}

func (q *Queue) persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	records := q.durableLocked()
	q.mu.Unlock()

	if err := q.store.SaveAll(ctx, q.cfg.StoreKey, records); err != nil {
		q.markDegraded(err)
		return fmt.Errorf("persist queue: %w", err)
	}

	q.mu.Lock()
	recovered := q.degraded
	q.degraded = false
	q.mu.Unlock()
	if recovered {
		slog.Info("queue persistence recovered",
			"component", "queue",
			"action", "persistence_recovered",
		)
	}
	return nil
}

func (q *Queue) markDegraded(err error) {
	q.mu.Lock()
	first := !q.degraded
	q.degraded = true
	q.mu.Unlock()
	if first {
		slog.Warn("queue store unavailable, continuing memory-only",
			"component", "queue",
			"action", "persistence_degraded",
			"error", err,
		)
	}
}

func (q *Queue) addDeadLetter(rec types.MutationRecord, reason string, err error) {
	dl := DeadLetter{Record: rec, Reason: reason, At: q.now().UTC()}
	if err != nil {
		dl.Error = err.Error()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, dl)
	if len(q.deadLetters) > maxDeadLetters {
		q.deadLetters = q.deadLetters[len(q.deadLetters)-maxDeadLetters:]
	}
}

// durableLocked is inflight ∪ live, so a crash mid-pass loses nothing. Live
// records win over in-flight ones for the same entity.
func (q *Queue) durableLocked() []types.MutationRecord {
	out := make([]types.MutationRecord, 0, len(q.inflight)+len(q.items))
	for _, r := range q.inflight {
		if indexOf(q.items, r.Key()) >= 0 {
			continue
		}
		out = append(out, r)
	}
	return append(out, q.items...)
}

func (q *Queue) countLocked() int {
	n := len(q.items)
	for _, r := range q.inflight {
		if indexOf(q.items, r.Key()) < 0 {
			n++
		}
	}
	return n
}

func (q *Queue) sameAsInflightLocked(key types.EntityKey, op types.Operation, payload json.RawMessage) bool {
	i := indexOf(q.inflight, key)
	if i < 0 {
		return false
	}
	r := q.inflight[i]
	return r.Operation == op && bytes.Equal(r.Payload, payload)
}

func indexOf(records []types.MutationRecord, key types.EntityKey) int {
	for i := range records {
		if records[i].EntityType == key.Type && records[i].EntityID == key.ID {
			return i
		}
	}
	return -1
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
