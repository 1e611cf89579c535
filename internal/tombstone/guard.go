// Package tombstone keeps permanently deleted entities from being synced
// back into existence.
package tombstone

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/types"
)

// DefaultCacheTTL is how long a project's remote tombstones are reused.
const DefaultCacheTTL = 5 * time.Minute

// Checker answers whether an entity ID is tombstoned.
type Checker interface {
	IsTombstoned(entityID string) bool
}

// Set is a resolved set of tombstoned IDs for one project.
type Set map[string]struct{}

// IsTombstoned implements Checker.
func (s Set) IsTombstoned(id string) bool {
	_, ok := s[id]
	return ok
}

type cacheEntry struct {
	ids       Set
	fetchedAt time.Time
}

// Guard resolves remote tombstones per project and records local deletions.
// Local deletions are write-once: nothing on the sync path removes them.
type Guard struct {
	client rpc.Client
	ttl    time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	remote map[string]cacheEntry
	local  map[string]Set
	all    Set
}

// NewGuard creates a Guard. A nil client disables remote fetches.
func NewGuard(client rpc.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Guard{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		remote: make(map[string]cacheEntry),
		local:  make(map[string]Set),
		all:    make(Set),
	}
}

// SetClock replaces the time source, for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Resolve returns the project's tombstones: locally marked deletions plus
// remote ones, fetched at most once per TTL. A failed fetch is logged and
// treated as "no remote tombstones known".
func (g *Guard) Resolve(ctx context.Context, projectID string) Set {
	g.mu.RLock()
	entry, cached := g.remote[projectID]
	fresh := cached && g.now().Sub(entry.fetchedAt) < g.ttl
	g.mu.RUnlock()

	if !fresh && g.client != nil {
		ids, err := g.fetch(ctx, projectID)
		if err != nil {
			slog.Warn("tombstone fetch failed",
				"component", "tombstone",
				"action", "fetch_failed",
				"project_id", projectID,
				"error", err,
			)
		} else {
			g.mu.Lock()
			entry = cacheEntry{ids: ids, fetchedAt: g.now()}
			g.remote[projectID] = entry
			g.mu.Unlock()
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(Set, len(entry.ids)+len(g.local[projectID]))
	for id := range g.remote[projectID].ids {
		out[id] = struct{}{}
	}
	for id := range g.local[projectID] {
		out[id] = struct{}{}
	}
	return out
}

func (g *Guard) fetch(ctx context.Context, projectID string) (Set, error) {
	rows, err := g.client.Query(ctx, "tombstones", rpc.Filter{"project_id": projectID})
	if err != nil {
		return nil, err
	}
	ids := make(Set, len(rows))
	for _, row := range rows {
		var ts types.Tombstone
		if err := json.Unmarshal(row, &ts); err != nil {
			slog.Warn("skipping malformed tombstone row",
				"component", "tombstone",
				"project_id", projectID,
				"error", err,
			)
			continue
		}
		ids[ts.EntityID] = struct{}{}
	}
	return ids, nil
}

// IsTombstoned reports whether id was deleted locally or appears in any
// cached remote tombstone set.
func (g *Guard) IsTombstoned(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.all[id]; ok {
		return true
	}
	for _, entry := range g.remote {
		if _, ok := entry.ids[id]; ok {
			return true
		}
	}
	return false
}

// MarkDeleted records local deletions. It is called only from the deletion
// path.
func (g *Guard) MarkDeleted(projectID string, ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.local[projectID]
	if !ok {
		set = make(Set)
		g.local[projectID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
		g.all[id] = struct{}{}
	}
}

// Invalidate drops the cached remote tombstones for a project.
func (g *Guard) Invalidate(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.remote, projectID)
}

// Entity is anything the guard can filter.
type Entity interface {
	EntityID() string
	Deleted() bool
}

// Filter returns items minus tombstoned and soft-deleted entities.
func Filter[T Entity](ts Checker, items []T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if item.Deleted() || ts.IsTombstoned(item.EntityID()) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// FilterConnections applies Filter and also drops connections whose source
// or target task is tombstoned.
func FilterConnections(ts Checker, conns []types.Connection) []types.Connection {
	out := make([]types.Connection, 0, len(conns))
	for _, c := range Filter(ts, conns) {
		if ts.IsTombstoned(c.Source) || ts.IsTombstoned(c.Target) {
			continue
		}
		out = append(out, c)
	}
	return out
}
