package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wgje/flowsync/internal/circuit"
	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/tombstone"
	"github.com/wgje/flowsync/internal/types"
)

func TestProcessQueue_SuccessRemovesExactlyOne(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))

	result := f.q.ProcessQueue(context.Background())

	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
	if len(f.store.saved()) != 0 {
		t.Errorf("persisted = %d, want 0", len(f.store.saved()))
	}
}

func TestProcessQueue_ReenqueueDuringReplayDoesNotDuplicate(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))

	// Given: the push path re-enqueues the same mutation before reporting
	// success, as a batch push does on a transient failure
	f.replayer.onCall = func(rec types.MutationRecord) {
		if err := f.q.Enqueue(context.Background(), taskMutation(rec.EntityID)); err != nil {
			t.Errorf("re-enqueue: %v", err)
		}
	}

	f.q.ProcessQueue(context.Background())

	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
}

func TestProcessQueue_ReenqueueAndFailureRequeuesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	f.replayer.failWith("t1", errUnavailable)
	f.replayer.onCall = func(rec types.MutationRecord) {
		_ = f.q.Enqueue(context.Background(), taskMutation(rec.EntityID))
	}

	f.q.ProcessQueue(context.Background())

	items := f.q.Items()
	if len(items) != 1 {
		t.Fatalf("Len = %d, want 1", len(items))
	}
	if items[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", items[0].RetryCount)
	}
}

func TestProcessQueue_NewerEditDuringPassWins(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	f.replayer.failWith("t1", errUnavailable)
	f.replayer.onCall = func(rec types.MutationRecord) {
		m := taskMutation(rec.EntityID)
		m.Payload = types.Task{ID: rec.EntityID, Title: "edited during pass"}
		_ = f.q.Enqueue(context.Background(), m)
	}

	f.q.ProcessQueue(context.Background())

	items := f.q.Items()
	if len(items) != 1 {
		t.Fatalf("Len = %d, want 1", len(items))
	}
	if items[0].RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (fresh edit)", items[0].RetryCount)
	}
}

func TestProcessQueue_ConnectionWaitsForFailedTask(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, connMutation("c1", "task-1", "task-2"))
	mustEnqueue(t, f.q, taskMutation("task-1"))
	f.replayer.failWith("task-1", errUnavailable)

	// When: one pass runs with task-1 failing
	result := f.q.ProcessQueue(context.Background())

	// Then: the connection stays queued and was never sent
	if result.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", result.Deferred)
	}
	if _, ok := f.q.Get(types.EntityConnection, "c1"); !ok {
		t.Fatal("connection no longer queued")
	}
	if calls := f.replayer.callsFor(types.EntityConnection); len(calls) != 0 {
		t.Fatalf("connection replayed %d times, want 0", len(calls))
	}
	rec, _ := f.q.Get(types.EntityConnection, "c1")
	if rec.RetryCount != 0 {
		t.Errorf("deferred connection RetryCount = %d, want 0", rec.RetryCount)
	}

	// When: the next pass runs and task-1 succeeds
	f.q.ProcessQueue(context.Background())

	// Then: the connection is pushed after the task
	conns := f.replayer.callsFor(types.EntityConnection)
	if len(conns) != 1 {
		t.Fatalf("connection replays = %d, want 1", len(conns))
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
}

func TestProcessQueue_OrderParentsFirst(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, connMutation("c1", "t1", "t2"))
	mustEnqueue(t, f.q, taskMutation("t1"))
	mustEnqueue(t, f.q, Mutation{EntityType: types.EntityProject, EntityID: "p1", Payload: types.ProjectMetadata{ID: "p1"}})
	mustEnqueue(t, f.q, Mutation{EntityType: types.EntityTask, Operation: types.OperationDelete, EntityID: "t9"})

	f.q.ProcessQueue(context.Background())

	want := []string{"t9", "p1", "t1", "c1"}
	f.replayer.mu.Lock()
	defer f.replayer.mu.Unlock()
	if len(f.replayer.calls) != len(want) {
		t.Fatalf("calls = %d, want %d", len(f.replayer.calls), len(want))
	}
	for i, id := range want {
		if got := f.replayer.calls[i].rec.EntityID; got != id {
			t.Errorf("call[%d] = %s, want %s", i, got, id)
		}
	}
}

func TestProcessQueue_PermanentFailureDropped(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	mustEnqueue(t, f.q, taskMutation("t2"))
	f.replayer.failWith("t1", errFK)
	f.replayer.failWith("t2", errFK)

	result := f.q.ProcessQueue(context.Background())

	if result.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", result.Dropped)
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
	if got := f.toasts.count(); got != 1 {
		t.Errorf("toasts = %d, want 1 per class", got)
	}
	if len(f.sink.exceptions) != 2 {
		t.Errorf("exceptions = %d, want 2", len(f.sink.exceptions))
	}
	if got := len(f.q.DeadLetters()); got != 2 {
		t.Errorf("dead letters = %d, want 2", got)
	}
}

func TestProcessQueue_VersionConflictCapturedAsMessage(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, Mutation{EntityType: types.EntityProject, EntityID: "p1", Payload: types.ProjectMetadata{ID: "p1", Version: 2}})
	f.replayer.failWith("p1", errVersion)

	f.q.ProcessQueue(context.Background())

	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
	if len(f.sink.exceptions) != 0 {
		t.Errorf("exceptions = %d, want 0", len(f.sink.exceptions))
	}
	if got := f.sink.messageCount("version conflict on push"); got != 1 {
		t.Errorf("conflict messages = %d, want 1", got)
	}
	if got := f.toasts.count(); got != 1 {
		t.Errorf("toasts = %d, want 1", got)
	}
}

func TestProcessQueue_RetryableRequeuedUntilMaxRetries(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	mustEnqueue(t, f.q, taskMutation("t1"))
	f.replayer.failWith("t1", errUnavailable, errUnavailable, errUnavailable)

	f.q.ProcessQueue(context.Background())
	f.q.ProcessQueue(context.Background())
	rec, ok := f.q.Get(types.EntityTask, "t1")
	if !ok || rec.RetryCount != 2 {
		t.Fatalf("after two passes: ok=%v RetryCount=%d, want true 2", ok, rec.RetryCount)
	}

	result := f.q.ProcessQueue(context.Background())

	if result.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", result.Dropped)
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
	if got := f.toasts.count(); got != 1 {
		t.Errorf("toasts = %d, want 1", got)
	}
}

func TestProcessQueue_CircuitOpenStopsWithoutIncrement(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	mustEnqueue(t, f.q, taskMutation("t2"))
	f.replayer.failWith("t1", circuit.ErrOpen)

	result := f.q.ProcessQueue(context.Background())

	if result.Stopped != StopCircuitOpen {
		t.Errorf("Stopped = %q, want circuit_open", result.Stopped)
	}
	if f.replayer.callCount() != 1 {
		t.Errorf("replays = %d, want 1", f.replayer.callCount())
	}
	for _, rec := range f.q.Items() {
		if rec.RetryCount != 0 {
			t.Errorf("%s RetryCount = %d, want 0", rec.EntityID, rec.RetryCount)
		}
	}
	if f.q.Len() != 2 {
		t.Errorf("Len = %d, want 2", f.q.Len())
	}
}

func TestProcessQueue_SessionExpiryKeepsEverything(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"t1", "t2", "t3"} {
		mustEnqueue(t, f.q, taskMutation(id))
	}
	f.replayer.failWith("t2", rpc.NewError(rpc.CodeJWTExpired, "JWT expired"))

	result := f.q.ProcessQueue(context.Background())

	if result.Stopped != StopSessionExpired {
		t.Errorf("Stopped = %q, want session_expired", result.Stopped)
	}
	if f.q.Len() != 2 {
		t.Errorf("Len = %d, want 2 (t1 succeeded)", f.q.Len())
	}
	if !f.state.Snapshot().SessionExpired {
		t.Error("SessionExpired not surfaced")
	}

	// Passes are refused until the session is restored.
	if r := f.q.ProcessQueue(context.Background()); r.Stopped != StopSessionExpired {
		t.Errorf("second pass Stopped = %q", r.Stopped)
	}
	f.gate.Restore()
	f.q.ProcessQueue(context.Background())
	if f.q.Len() != 0 {
		t.Errorf("Len after restore = %d, want 0", f.q.Len())
	}
}

func TestProcessQueue_OfflineIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	f.state.SetOnline(false)

	result := f.q.ProcessQueue(context.Background())

	if result.Stopped != StopOffline || f.replayer.callCount() != 0 {
		t.Errorf("Stopped = %q calls = %d", result.Stopped, f.replayer.callCount())
	}
}

func TestProcessQueue_TombstonedUpsertDroppedAsSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	f.guard.MarkDeleted("p1", "t1")

	result := f.q.ProcessQueue(context.Background())

	if result.Succeeded != 1 || f.replayer.callCount() != 0 {
		t.Errorf("Succeeded = %d calls = %d, want 1 0", result.Succeeded, f.replayer.callCount())
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.replayer.onCall = func(types.MutationRecord) {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.q.ProcessQueue(context.Background())
	}()
	<-entered

	// When: a second pass starts while the first is in flight
	second := f.q.ProcessQueue(context.Background())

	// Then: it returns immediately without effect
	if !second.Skipped {
		t.Error("second pass Skipped = false, want true")
	}
	if f.q.Len() != 1 {
		t.Errorf("Len during pass = %d, want 1 (in flight)", f.q.Len())
	}
	if len(f.store.saved()) != 1 {
		t.Errorf("durable during pass = %d, want 1", len(f.store.saved()))
	}

	close(release)
	wg.Wait()
	if f.replayer.callCount() != 1 {
		t.Errorf("replays = %d, want 1", f.replayer.callCount())
	}
}

func TestProcessQueueSlice_StopsAtBound(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		mustEnqueue(t, f.q, taskMutation(id))
	}

	r := f.q.ProcessQueueSlice(context.Background(), SliceOptions{MaxItems: 2, MaxDuration: time.Minute})

	if r.Processed != 2 || r.Remaining != 3 || r.Completed {
		t.Errorf("slice = %+v, want processed 2 remaining 3 incomplete", r)
	}
	items := f.q.Items()
	if items[0].EntityID != "t3" {
		t.Errorf("front = %s, want t3", items[0].EntityID)
	}

	r = f.q.ProcessQueueSlice(context.Background(), SliceOptions{MaxItems: 10})
	if !r.Completed || r.Remaining != 0 {
		t.Errorf("second slice = %+v, want completed", r)
	}
}

func TestSettle_DuringPassSuppressesStaleReplay(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t1"))
	mustEnqueue(t, f.q, taskMutation("t2"))

	f.replayer.onCall = func(rec types.MutationRecord) {
		if rec.EntityID == "t1" {
			// A batch push succeeds for t2 while the pass is running.
			f.q.Settle(context.Background(), types.EntityTask, "t2")
		}
	}

	result := f.q.ProcessQueue(context.Background())

	if f.replayer.callCount() != 1 {
		t.Errorf("replays = %d, want 1", f.replayer.callCount())
	}
	if result.Succeeded != 2 || f.q.Len() != 0 {
		t.Errorf("Succeeded = %d Len = %d, want 2 0", result.Succeeded, f.q.Len())
	}
}

// tombstoneClient serves remote tombstones per project and nothing else.
type tombstoneClient struct {
	mu      sync.Mutex
	byProj  map[string][]string
	queries []string
}

func (c *tombstoneClient) Upsert(context.Context, string, string, any) (string, error) {
	return "", nil
}

func (c *tombstoneClient) Delete(context.Context, string, string) error { return nil }

func (c *tombstoneClient) Query(_ context.Context, table string, filter rpc.Filter) ([]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	projectID := filter["project_id"]
	c.queries = append(c.queries, table+"/"+projectID)
	var rows []json.RawMessage
	for _, id := range c.byProj[projectID] {
		row, _ := json.Marshal(types.Tombstone{EntityType: types.EntityTask, EntityID: id, ProjectID: projectID})
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *tombstoneClient) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func TestProcessQueue_ResolvesRemoteTombstonesBeforeReplay(t *testing.T) {
	tests := []struct {
		name     string
		queued   []Mutation
		wantSent []string
	}{
		{
			name:     "tombstoned task",
			queued:   []Mutation{taskMutation("t1"), taskMutation("t2")},
			wantSent: []string{"t2"},
		},
		{
			name:     "connection to tombstoned task",
			queued:   []Mutation{taskMutation("t2"), connMutation("c1", "t2", "t1")},
			wantSent: []string{"t2"},
		},
		{
			name:     "delete of tombstoned task still sent",
			queued:   []Mutation{{EntityType: types.EntityTask, Operation: types.OperationDelete, EntityID: "t1", ProjectID: "p1"}},
			wantSent: []string{"t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: t1 was deleted remotely and nothing resolved p1 yet
			f := newFixture(t, Config{})
			client := &tombstoneClient{byProj: map[string][]string{"p1": {"t1"}}}
			f.guard = tombstone.NewGuard(client, time.Minute)
			f.q.tombstones = f.guard
			for _, m := range tt.queued {
				mustEnqueue(t, f.q, m)
			}

			// When
			result := f.q.ProcessQueue(context.Background())

			// Then: the suppressed upserts never reach the wire
			var sent []string
			for _, c := range f.replayer.calls {
				sent = append(sent, c.rec.EntityID)
			}
			if strings.Join(sent, ",") != strings.Join(tt.wantSent, ",") {
				t.Errorf("sent = %v, want %v", sent, tt.wantSent)
			}
			if f.q.Len() != 0 {
				t.Errorf("Len = %d, want 0", f.q.Len())
			}
			if result.Succeeded != len(tt.queued) {
				t.Errorf("Succeeded = %d, want %d", result.Succeeded, len(tt.queued))
			}
			if n := client.queryCount(); n != 1 {
				t.Errorf("tombstone queries = %d, want 1 per project", n)
			}
		})
	}
}

func TestRetrier_ResolvesRemoteTombstones(t *testing.T) {
	f := newFixture(t, Config{})
	client := &tombstoneClient{byProj: map[string][]string{"p1": {"t1"}}}
	f.guard = tombstone.NewGuard(client, time.Minute)
	f.q.tombstones = f.guard

	if err := f.q.EnqueueWithRetry(context.Background(), taskMutation("t1")); err != nil {
		t.Fatal(err)
	}
	f.sched.Advance(time.Minute)

	if n := f.replayer.callCount(); n != 0 {
		t.Errorf("replays = %d, want 0 for a tombstoned task", n)
	}
	if f.q.Len() != 0 {
		t.Errorf("Len = %d, want 0", f.q.Len())
	}
}

func TestProcessQueue_SkipsRecordHeldByImmediateRetry(t *testing.T) {
	f := newFixture(t, Config{})
	mustEnqueue(t, f.q, taskMutation("t2"))
	mustEnqueue(t, f.q, connMutation("c1", "t1", "t2"))

	// Given: a pass starts while the immediate retry of t1 is on the wire
	var passResult PassResult
	started := false
	f.replayer.onCall = func(rec types.MutationRecord) {
		if rec.EntityID == "t1" && !started {
			started = true
			passResult = f.q.ProcessQueue(context.Background())
		}
	}
	if err := f.q.EnqueueWithRetry(context.Background(), taskMutation("t1")); err != nil {
		t.Fatal(err)
	}

	// When
	f.sched.Advance(DefaultRetryBase)

	// Then: t1 went out once, and its connection waited for it
	if n := len(f.replayer.callsFor(types.EntityTask)); n != 2 {
		t.Errorf("task replays = %d, want 2 (t1 once, t2 once)", n)
	}
	var t1 int
	for _, c := range f.replayer.callsFor(types.EntityTask) {
		if c.rec.EntityID == "t1" {
			t1++
		}
	}
	if t1 != 1 {
		t.Errorf("t1 replays = %d, want 1", t1)
	}
	if len(f.replayer.callsFor(types.EntityConnection)) != 0 {
		t.Error("connection replayed while its task was held")
	}
	if passResult.Deferred != 1 {
		t.Errorf("pass = %+v, want the connection deferred", passResult)
	}
	if _, ok := f.q.Get(types.EntityTask, "t1"); ok {
		t.Error("t1 still queued after its immediate retry succeeded")
	}
	if _, ok := f.q.Get(types.EntityConnection, "c1"); !ok {
		t.Error("c1 missing, want it kept for the next pass")
	}
}
