package queue

import (
	"context"
	"testing"
	"time"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/scheduler"
	"github.com/wgje/flowsync/internal/types"
)

func TestRetrier_ExponentialDelays(t *testing.T) {
	f := newFixture(t, Config{})
	start := f.sched.Now()
	f.replayer.failWith("t1", errUnavailable, errUnavailable)

	if err := f.q.EnqueueWithRetry(context.Background(), taskMutation("t1")); err != nil {
		t.Fatal(err)
	}

	f.sched.Advance(10 * time.Second)

	calls := f.replayer.callsFor(types.EntityTask)
	want := []time.Duration{time.Second, 3 * time.Second, 7 * time.Second}
	if len(calls) != len(want) {
		t.Fatalf("attempts = %d, want %d", len(calls), len(want))
	}
	for i, w := range want {
		if got := calls[i].at.Sub(start); got != w {
			t.Errorf("attempt %d at +%v, want +%v", i+1, got, w)
		}
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0 after third attempt succeeded", f.q.Len())
	}
	if f.q.PendingRetries() != 0 {
		t.Errorf("PendingRetries = %d, want 0", f.q.PendingRetries())
	}
}

func TestRetrier_GivesUpAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, Config{})
	f.replayer.failWith("t1", errUnavailable, errUnavailable, errUnavailable, errUnavailable)

	_ = f.q.EnqueueWithRetry(context.Background(), taskMutation("t1"))
	f.sched.Advance(time.Minute)

	if got := f.replayer.callCount(); got != DefaultMaxImmediateRetries {
		t.Errorf("attempts = %d, want %d", got, DefaultMaxImmediateRetries)
	}
	rec, ok := f.q.Get(types.EntityTask, "t1")
	if !ok {
		t.Fatal("mutation left the durable queue")
	}
	if rec.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (immediate attempts are separate)", rec.RetryCount)
	}
}

func TestRetrier_SettleCancelsTimer(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.q.EnqueueWithRetry(context.Background(), taskMutation("t1"))
	if f.sched.Pending() != 1 {
		t.Fatalf("scheduled = %d, want 1", f.sched.Pending())
	}

	// When: a later batch push succeeds for the same entity
	f.q.Settle(context.Background(), types.EntityTask, "t1")
	f.sched.Advance(time.Minute)

	// Then: the pending retry never fires
	if f.replayer.callCount() != 0 {
		t.Errorf("replays = %d, want 0", f.replayer.callCount())
	}
	if f.sched.Pending() != 0 {
		t.Errorf("scheduled = %d, want 0", f.sched.Pending())
	}
}

func TestRetrier_PassSuccessCancelsTimer(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.q.EnqueueWithRetry(context.Background(), taskMutation("t1"))

	f.q.ProcessQueue(context.Background())
	f.sched.Advance(time.Minute)

	if f.replayer.callCount() != 1 {
		t.Errorf("replays = %d, want 1", f.replayer.callCount())
	}
}

func TestRetrier_SessionExpiryCancelsAll(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"t1", "t2", "t3"} {
		_ = f.q.EnqueueWithRetry(context.Background(), taskMutation(id))
	}
	if f.q.PendingRetries() != 3 {
		t.Fatalf("PendingRetries = %d, want 3", f.q.PendingRetries())
	}

	f.gate.MarkExpired(rpc.NewError(rpc.CodeUnauthorized, ""))
	f.sched.Advance(time.Minute)

	if f.q.PendingRetries() != 0 {
		t.Errorf("PendingRetries = %d, want 0", f.q.PendingRetries())
	}
	if f.replayer.callCount() != 0 {
		t.Errorf("replays = %d, want 0", f.replayer.callCount())
	}
	if f.q.Len() != 3 {
		t.Errorf("Len = %d, want 3 (kept for after re-auth)", f.q.Len())
	}
}

func TestRetrier_PermanentFailureStopsAndDrops(t *testing.T) {
	f := newFixture(t, Config{})
	f.replayer.failWith("t1", errFK)

	_ = f.q.EnqueueWithRetry(context.Background(), taskMutation("t1"))
	f.sched.Advance(time.Minute)

	if f.replayer.callCount() != 1 {
		t.Errorf("replays = %d, want 1", f.replayer.callCount())
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
}

func TestRetrier_OverwrittenRecordNotRemoved(t *testing.T) {
	f := newFixture(t, Config{})
	_ = f.q.EnqueueWithRetry(context.Background(), taskMutation("t1"))

	f.replayer.onCall = func(rec types.MutationRecord) {
		m := taskMutation(rec.EntityID)
		m.Payload = types.Task{ID: rec.EntityID, Title: "newer"}
		_ = f.q.Enqueue(context.Background(), m)
	}
	f.sched.Advance(time.Second)

	if f.q.Len() != 1 {
		t.Errorf("Len = %d, want 1 (newer edit kept)", f.q.Len())
	}
}

func TestNew_DefaultSchedulerNeedsNoStop(t *testing.T) {
	q := New(Config{}, Deps{})
	if _, ok := q.retrier.sched.(scheduler.Timers); !ok {
		t.Errorf("default scheduler = %T, want scheduler.Timers", q.retrier.sched)
	}
}
