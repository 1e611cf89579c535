package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/telemetry"
	"github.com/wgje/flowsync/internal/types"
)

// StopReason explains why a pass ended before handling every item.
type StopReason string

const (
	StopNone           StopReason = ""
	StopBound          StopReason = "slice_bound"
	StopCircuitOpen    StopReason = "circuit_open"
	StopSessionExpired StopReason = "session_expired"
	StopOffline        StopReason = "offline"
	StopCancelled      StopReason = "cancelled"
	StopNoReplayer     StopReason = "no_replayer"
)

// PassResult summarizes a queue pass.
type PassResult struct {
	Skipped   bool          `json:"skipped"`
	Stopped   StopReason    `json:"stopped,omitempty"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Requeued  int           `json:"requeued"`
	Deferred  int           `json:"deferred"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

// SliceOptions bounds a cooperative pass. Zero fields mean unbounded.
type SliceOptions struct {
	MaxItems    int
	MaxDuration time.Duration
}

// SliceResult reports a bounded pass. Completed is false when a bound was
// hit or another pass was running, in which case the caller may schedule a
// continuation.
type SliceResult struct {
	Processed int           `json:"processed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	Completed bool          `json:"completed"`
}

// ProcessQueue replays every queued mutation once. A call made while
// another pass is running returns immediately with Skipped set.
func (q *Queue) ProcessQueue(ctx context.Context) PassResult {
	return q.process(ctx, SliceOptions{})
}

// ProcessQueueSlice is the time-boxed variant used after resume.
func (q *Queue) ProcessQueueSlice(ctx context.Context, opts SliceOptions) SliceResult {
	r := q.process(ctx, opts)
	return SliceResult{
		Processed: r.Processed,
		Remaining: r.Remaining,
		Duration:  r.Duration,
		Completed: !r.Skipped && r.Stopped != StopBound,
	}
}

func (q *Queue) process(ctx context.Context, opts SliceOptions) PassResult {
	if !q.running.CompareAndSwap(false, true) {
		metrics.QueuePasses.WithLabelValues("skipped").Inc()
		return PassResult{Skipped: true, Remaining: q.Len()}
	}
	defer q.running.Store(false)

	start := q.now()
	result := q.pass(ctx, opts, start)
	result.Duration = q.now().Sub(start)
	result.Remaining = q.Len()

	outcome := string(result.Stopped)
	if outcome == "" {
		outcome = "completed"
	}
	metrics.QueuePasses.WithLabelValues(outcome).Inc()
	metrics.PassDuration.Observe(result.Duration.Seconds())

	if result.Processed > 0 || result.Stopped != StopNone {
		slog.Info("queue pass finished",
			"component", "queue",
			"action", "pass_finished",
			"processed", result.Processed,
			"succeeded", result.Succeeded,
			"requeued", result.Requeued,
			"deferred", result.Deferred,
			"dropped", result.Dropped,
			"remaining", result.Remaining,
			"stopped", string(result.Stopped),
			"duration", result.Duration,
		)
	}
	return result
}

func (q *Queue) pass(ctx context.Context, opts SliceOptions, start time.Time) PassResult {
	var result PassResult

	if q.gate.Expired() {
		result.Stopped = StopSessionExpired
		return result
	}
	if !q.state.Snapshot().IsOnline {
		result.Stopped = StopOffline
		return result
	}

	q.mu.Lock()
	replayer := q.replayer
	if replayer == nil {
		q.mu.Unlock()
		slog.Error("queue pass without replayer", "component", "queue", "error", ErrNoReplayer)
		result.Stopped = StopNoReplayer
		return result
	}
	// Records reserved by an immediate retry stay live and out of the pass.
	var snapshot, held []types.MutationRecord
	for _, rec := range orderForReplay(q.items) {
		if _, ok := q.reserved[rec.Key()]; ok {
			held = append(held, rec)
			continue
		}
		snapshot = append(snapshot, rec)
	}
	if len(snapshot) == 0 {
		q.mu.Unlock()
		return result
	}
	q.inflight = snapshot
	q.items = held
	q.settled = make(map[types.EntityKey]struct{})
	q.mu.Unlock()

	// Durable state is inflight ∪ live from here on.
	q.persist(ctx)

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.gate.Done():
			cancel()
		case <-passCtx.Done():
		}
	}()

	q.resolveTombstones(passCtx, snapshot)

	var keep []types.MutationRecord
	failedTasks := make(map[string]bool)
	for _, rec := range held {
		if rec.EntityType == types.EntityTask {
			failedTasks[rec.EntityID] = true
		}
	}

	for i, rec := range snapshot {
		if stop := q.stopReason(passCtx, opts, start, result.Processed); stop != StopNone {
			result.Stopped = stop
			keep = append(keep, snapshot[i:]...)
			break
		}
		result.Processed++

		if q.isSettled(rec.Key()) {
			result.Succeeded++
			continue
		}
		if q.suppressed(rec) {
			metrics.QueueDrops.WithLabelValues("tombstoned").Inc()
			result.Succeeded++
			continue
		}
		if rec.EntityType == types.EntityConnection && rec.Operation == types.OperationUpsert {
			src, dst := connectionEndpoints(rec.Payload)
			if failedTasks[src] || failedTasks[dst] {
				keep = append(keep, rec)
				result.Deferred++
				continue
			}
		}

		err := replayer.Replay(passCtx, rec)
		if err == nil {
			q.retrier.cancel(rec.Key())
			metrics.Pushes.WithLabelValues(string(rec.EntityType), "success").Inc()
			result.Succeeded++
			continue
		}
		metrics.Pushes.WithLabelValues(string(rec.EntityType), "failure").Inc()
		if rec.EntityType == types.EntityTask {
			failedTasks[rec.EntityID] = true
		}

		if errors.Is(err, circuit.ErrOpen) {
			result.Stopped = StopCircuitOpen
			keep = append(keep, snapshot[i:]...)
			result.Processed--
			break
		}

		class := q.gate.Inspect(err)
		if class == session.SessionExpired {
			result.Stopped = StopSessionExpired
			keep = append(keep, snapshot[i:]...)
			result.Processed--
			break
		}
		if errors.Is(err, context.Canceled) && passCtx.Err() != nil {
			result.Stopped = StopCancelled
			if q.gate.Expired() {
				result.Stopped = StopSessionExpired
			}
			keep = append(keep, snapshot[i:]...)
			result.Processed--
			break
		}

		switch class {
		case session.Permanent, session.VersionConflict:
			q.dropFailed(rec, class, err)
			result.Dropped++
		default:
			rec.RetryCount++
			if rec.RetryCount > q.cfg.MaxRetries {
				q.dropExhausted(rec, err)
				result.Dropped++
				continue
			}
			if class == session.Unknown {
				slog.Error("unclassified replay failure",
					"component", "queue",
					"action", "replay_failed",
					"entity_type", string(rec.EntityType),
					"entity_id", rec.EntityID,
					"error", err,
				)
			}
			keep = append(keep, rec)
			result.Requeued++
		}
	}

	q.mergeBack(keep)
	q.persist(ctx)
	q.afterChange()
	return result
}

// resolveTombstones loads the remote tombstones of every project in
// records, once per project, so replays see deletions made elsewhere.
func (q *Queue) resolveTombstones(ctx context.Context, records []types.MutationRecord) {
	resolver, ok := q.tombstones.(TombstoneResolver)
	if !ok {
		return
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.ProjectID == "" || seen[rec.ProjectID] {
			continue
		}
		seen[rec.ProjectID] = true
		resolver.Resolve(ctx, rec.ProjectID)
	}
}

// suppressed reports whether rec is an upsert that must never reach the
// remote store: the entity is tombstoned, or it is a connection touching a
// tombstoned task.
func (q *Queue) suppressed(rec types.MutationRecord) bool {
	if rec.Operation != types.OperationUpsert {
		return false
	}
	if q.tombstones.IsTombstoned(rec.EntityID) {
		return true
	}
	if rec.EntityType != types.EntityConnection {
		return false
	}
	src, dst := connectionEndpoints(rec.Payload)
	return (src != "" && q.tombstones.IsTombstoned(src)) || (dst != "" && q.tombstones.IsTombstoned(dst))
}

func (q *Queue) stopReason(ctx context.Context, opts SliceOptions, start time.Time, processed int) StopReason {
	select {
	case <-q.gate.Done():
		return StopSessionExpired
	default:
	}
	if ctx.Err() != nil {
		return StopCancelled
	}
	if opts.MaxItems > 0 && processed >= opts.MaxItems {
		return StopBound
	}
	if opts.MaxDuration > 0 && q.now().Sub(start) >= opts.MaxDuration {
		return StopBound
	}
	return StopNone
}

// mergeBack returns unresolved records to the front of the live queue. A
// record enqueued during the pass for the same entity is newer and wins.
func (q *Queue) mergeBack(keep []types.MutationRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]types.MutationRecord, 0, len(keep)+len(q.items))
	for _, r := range keep {
		if _, ok := q.settled[r.Key()]; ok {
			continue
		}
		if indexOf(q.items, r.Key()) >= 0 {
			continue
		}
		merged = append(merged, r)
	}
	q.items = append(merged, q.items...)
	q.inflight = nil
	q.settled = nil
}

func (q *Queue) isSettled(key types.EntityKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.settled[key]
	return ok
}

func (q *Queue) dropFailed(rec types.MutationRecord, class session.Class, err error) {
	slog.Warn("dropping mutation after permanent failure",
		"component", "queue",
		"action", "permanent_drop",
		"class", class.String(),
		"entity_type", string(rec.EntityType),
		"entity_id", rec.EntityID,
		"project_id", rec.ProjectID,
		"error", err,
	)
	metrics.QueueDrops.WithLabelValues(class.String()).Inc()
	q.addDeadLetter(rec, class.String(), err)
	notifyFailure(q.toaster, q.sink, rec.EntityType, rec.EntityID, class, err)
}

func (q *Queue) dropExhausted(rec types.MutationRecord, err error) {
	slog.Warn("dropping mutation after max retries",
		"component", "queue",
		"action", "retries_exhausted",
		"entity_type", string(rec.EntityType),
		"entity_id", rec.EntityID,
		"retry_count", rec.RetryCount,
		"max_retries", q.cfg.MaxRetries,
		"error", err,
	)
	metrics.QueueDrops.WithLabelValues("max_retries").Inc()
	q.addDeadLetter(rec, "max_retries", err)
	q.toaster.Show(telemetry.Toast{
		Class:   "max_retries",
		Level:   telemetry.LevelWarning,
		Title:   "Some changes could not be synced",
		Message: "A change was discarded after repeated sync failures.",
	})
	q.sink.CaptureMessage("mutation dropped after max retries", telemetry.Options{
		Level: telemetry.LevelWarning,
		Tags:  map[string]string{"entity_type": string(rec.EntityType)},
	})
}

// notifyFailure surfaces a permanent or version-conflict failure: one toast
// per class per cooldown. Version conflicts are expected under concurrent
// editing and are captured as messages; other permanent failures as
// exceptions.
func notifyFailure(toaster *telemetry.Toaster, sink telemetry.Sink, entityType types.EntityType, entityID string, class session.Class, err error) {
	tags := map[string]string{
		"entity_type": string(entityType),
		"class":       class.String(),
	}
	if class == session.VersionConflict {
		toaster.Show(telemetry.Toast{
			Class:   class.String(),
			Level:   telemetry.LevelWarning,
			Title:   "Newer version on the server",
			Message: "Reload to pick up the latest changes.",
		})
		sink.CaptureMessage("version conflict on push", telemetry.Options{Level: telemetry.LevelWarning, Tags: tags})
		return
	}
	toaster.Show(telemetry.Toast{
		Class:   class.String(),
		Level:   telemetry.LevelError,
		Title:   "Change rejected by the server",
		Message: "A change could not be saved and was discarded.",
	})
	sink.CaptureException(err, telemetry.Options{Level: telemetry.LevelError, Tags: tags})
}

// NotifyFailure is the shared surface for permanent failures seen outside a
// queue pass.
func (q *Queue) NotifyFailure(entityType types.EntityType, entityID string, class session.Class, err error) {
	notifyFailure(q.toaster, q.sink, entityType, entityID, class, err)
}
