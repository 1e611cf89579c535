package tombstone

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/types"
)

type mockClient struct {
	mu      sync.Mutex
	rows    map[string][]types.Tombstone
	queries int
	err     error
}

func (m *mockClient) Upsert(context.Context, string, string, any) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockClient) Delete(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (m *mockClient) Query(_ context.Context, table string, filter rpc.Filter) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.err != nil {
		return nil, m.err
	}
	if table != "tombstones" {
		return nil, rpc.ErrUnknownTable
	}
	var out []json.RawMessage
	for _, ts := range m.rows[filter["project_id"]] {
		b, _ := json.Marshal(ts)
		out = append(out, b)
	}
	return out, nil
}

func TestGuard_ResolveCachesPerProject(t *testing.T) {
	client := &mockClient{rows: map[string][]types.Tombstone{
		"p1": {{EntityType: types.EntityTask, EntityID: "t-dead", ProjectID: "p1"}},
	}}
	g := NewGuard(client, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	set := g.Resolve(context.Background(), "p1")
	g.Resolve(context.Background(), "p1")

	if !set.IsTombstoned("t-dead") {
		t.Error("t-dead should be tombstoned")
	}
	if client.queries != 1 {
		t.Errorf("queries = %d, want 1 (cached)", client.queries)
	}

	// When: the TTL elapses
	now = now.Add(time.Minute)
	g.Resolve(context.Background(), "p1")
	if client.queries != 2 {
		t.Errorf("queries = %d, want 2 after TTL", client.queries)
	}

	// When: invalidated
	g.Invalidate("p1")
	g.Resolve(context.Background(), "p1")
	if client.queries != 3 {
		t.Errorf("queries = %d, want 3 after Invalidate", client.queries)
	}
}

func TestGuard_FetchFailureFailsOpenButKeepsLocal(t *testing.T) {
	client := &mockClient{err: rpc.NetworkError(errors.New("offline"))}
	g := NewGuard(client, time.Minute)

	g.MarkDeleted("p1", "t-local")
	set := g.Resolve(context.Background(), "p1")

	if !set.IsTombstoned("t-local") {
		t.Error("locally deleted task must stay tombstoned when fetch fails")
	}
	if set.IsTombstoned("t-other") {
		t.Error("unknown task should not be tombstoned")
	}
	if !g.IsTombstoned("t-local") {
		t.Error("Guard.IsTombstoned(t-local) = false")
	}
}

func TestGuard_IsTombstonedSeesRemoteCache(t *testing.T) {
	client := &mockClient{rows: map[string][]types.Tombstone{
		"p1": {{EntityID: "c-dead", EntityType: types.EntityConnection}},
	}}
	g := NewGuard(client, time.Minute)

	if g.IsTombstoned("c-dead") {
		t.Fatal("not resolved yet, want false")
	}
	g.Resolve(context.Background(), "p1")
	if !g.IsTombstoned("c-dead") {
		t.Error("IsTombstoned(c-dead) = false after Resolve")
	}
}

func TestFilter(t *testing.T) {
	deletedAt := "2026-01-01T00:00:00.000Z"
	tasks := []types.Task{
		{ID: "keep"},
		{ID: "tomb"},
		{ID: "soft", DeletedAt: &deletedAt},
	}
	set := Set{"tomb": {}}

	got := Filter(set, tasks)

	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("Filter() = %+v, want [keep]", got)
	}
}

func TestFilterConnections_DropsTombstonedEndpoints(t *testing.T) {
	conns := []types.Connection{
		{ID: "c1", Source: "a", Target: "b"},
		{ID: "c2", Source: "a", Target: "dead"},
		{ID: "c3", Source: "dead", Target: "b"},
		{ID: "dead-conn", Source: "a", Target: "b"},
	}
	set := Set{"dead": {}, "dead-conn": {}}

	got := FilterConnections(set, conns)

	if len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("FilterConnections() = %+v, want [c1]", got)
	}
}
