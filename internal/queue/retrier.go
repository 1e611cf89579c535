package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/session"
	"github.com/wgje/flowsync/internal/types"
)

// retrier drives the immediate retry path: up to limit attempts at
// base * 2^attempt for a queued entity, before leaving it to the durable
// queue's periodic passes.
type retrier struct {
	q     *Queue
	sched scheduler.Scheduler
	base  time.Duration
	limit int

	mu      sync.Mutex
	pending map[types.EntityKey]*retryState
}

type retryState struct {
	attempts int
	bo       *backoff.ExponentialBackOff
	cancel   func()
}

type retryOutcome int

const (
	retryDone retryOutcome = iota
	retryAgain
)

func newRetrier(q *Queue, sched scheduler.Scheduler, base time.Duration, limit int) *retrier {
	return &retrier{
		q:       q,
		sched:   sched,
		base:    base,
		limit:   limit,
		pending: make(map[types.EntityKey]*retryState),
	}
}

func (r *retrier) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = r.base << r.limit
	bo.Reset()
	return bo
}

// schedule starts the immediate retry sequence for key unless one is
// already pending.
func (r *retrier) schedule(key types.EntityKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; ok {
		return
	}
	st := &retryState{bo: r.newBackOff()}
	r.pending[key] = st
	r.armLocked(key, st)
}

func (r *retrier) armLocked(key types.EntityKey, st *retryState) {
	if st.attempts >= r.limit {
		delete(r.pending, key)
		return
	}
	delay := st.bo.NextBackOff()
	st.attempts++
	st.cancel = r.sched.After(delay, func() { r.fire(key, st) })
}

func (r *retrier) fire(key types.EntityKey, st *retryState) {
	r.mu.Lock()
	if r.pending[key] != st {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	outcome := r.q.replayImmediate(key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[key] != st {
		return
	}
	if outcome == retryDone {
		delete(r.pending, key)
		return
	}
	r.armLocked(key, st)
}

func (r *retrier) cancel(key types.EntityKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.pending[key]; ok {
		if st.cancel != nil {
			st.cancel()
		}
		delete(r.pending, key)
	}
}

func (r *retrier) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, st := range r.pending {
		if st.cancel != nil {
			st.cancel()
		}
		delete(r.pending, key)
	}
}

func (r *retrier) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingRetries returns the number of entities with an immediate retry
// scheduled.
func (q *Queue) PendingRetries() int {
	return q.retrier.pendingCount()
}

// replayImmediate makes one immediate attempt for the queued mutation of
// key. The record stays queued during the attempt and is removed only if it
// was not overwritten meanwhile. It is reserved while the attempt runs, so a
// pass that starts meanwhile leaves it alone.
func (q *Queue) replayImmediate(key types.EntityKey) retryOutcome {
	if q.gate.Expired() {
		return retryDone
	}

	q.mu.Lock()
	if q.running.Load() {
		q.mu.Unlock()
		return retryAgain
	}
	replayer := q.replayer
	i := indexOf(q.items, key)
	if i < 0 || replayer == nil {
		q.mu.Unlock()
		return retryDone
	}
	rec := q.items[i]
	if rec.EntityType == types.EntityConnection && rec.Operation == types.OperationUpsert {
		src, dst := connectionEndpoints(rec.Payload)
		if indexOf(q.items, types.EntityKey{Type: types.EntityTask, ID: src}) >= 0 ||
			indexOf(q.items, types.EntityKey{Type: types.EntityTask, ID: dst}) >= 0 {
			q.mu.Unlock()
			return retryAgain
		}
	}
	q.reserved[key] = struct{}{}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.reserved, key)
		q.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-q.gate.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	q.resolveTombstones(ctx, []types.MutationRecord{rec})
	if q.suppressed(rec) {
		q.removeIfUnchanged(ctx, rec)
		return retryDone
	}

	err := replayer.Replay(ctx, rec)
	if err == nil {
		metrics.ImmediateRetries.WithLabelValues("success").Inc()
		q.removeIfUnchanged(ctx, rec)
		return retryDone
	}
	metrics.ImmediateRetries.WithLabelValues("failure").Inc()

	if errors.Is(err, circuit.ErrOpen) {
		return retryDone
	}
	switch class := q.gate.Inspect(err); class {
	case session.Retryable:
		slog.Debug("immediate retry failed",
			"component", "queue",
			"action", "immediate_retry_failed",
			"entity_type", string(rec.EntityType),
			"entity_id", rec.EntityID,
			"error", err,
		)
		return retryAgain
	case session.Permanent, session.VersionConflict:
		if q.removeIfUnchanged(ctx, rec) {
			q.dropFailed(rec, class, err)
		}
		return retryDone
	default:
		return retryDone
	}
}

// removeIfUnchanged removes rec if the queue still holds exactly that
// record. It reports whether it did.
func (q *Queue) removeIfUnchanged(ctx context.Context, rec types.MutationRecord) bool {
	q.mu.Lock()
	i := indexOf(q.items, rec.Key())
	if i < 0 || q.items[i].ID != rec.ID || q.items[i].Operation != rec.Operation || string(q.items[i].Payload) != string(rec.Payload) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.mu.Unlock()

	q.persist(context.WithoutCancel(ctx))
	q.afterChange()
	return true
}
