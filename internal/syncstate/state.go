// Package syncstate holds the observable sync aggregate. Each field has a
// single writing component; any number of readers take snapshots or
// subscribe to changes.
package syncstate

import (
	"sync"
	"time"

	"github.com/wgje/flowsync/internal/types"
)

const defaultBufferSize = 100

// Field names carried on change events.
const (
	FieldOnline         = "is_online"
	FieldSyncing        = "is_syncing"
	FieldSessionExpired = "session_expired"
	FieldPendingCount   = "pending_count"
	FieldLastSyncTime   = "last_sync_time"
	FieldSyncError      = "sync_error"
	FieldConflict       = "has_conflict"
	FieldQueuePressure  = "queue_pressure"
	FieldCircuitState   = "circuit_state"
)

// Conflict carries both sides of a project whose remote copy rejected a
// local push.
type Conflict struct {
	ProjectID string        `json:"project_id"`
	Local     types.Project `json:"local"`
	Remote    types.Project `json:"remote"`
}

// Snapshot is a point-in-time copy of the aggregate.
type Snapshot struct {
	IsOnline       bool       `json:"is_online"`
	IsSyncing      bool       `json:"is_syncing"`
	SessionExpired bool       `json:"session_expired"`
	PendingCount   int        `json:"pending_count"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	SyncError      string     `json:"sync_error,omitempty"`
	HasConflict    bool       `json:"has_conflict"`
	ConflictData   *Conflict  `json:"conflict_data,omitempty"`
	QueuePressure  bool       `json:"queue_pressure"`
	PressureReason string     `json:"pressure_reason,omitempty"`
	CircuitState   string     `json:"circuit_state"`
}

// Change is published whenever a field changes value.
type Change struct {
	Field    string
	Snapshot Snapshot
}

// Subscription receives changes until it is cancelled.
type Subscription struct {
	id int
	ch chan Change
}

// Ch returns the channel changes are delivered on.
func (s *Subscription) Ch() <-chan Change {
	return s.ch
}

// State is the sync aggregate.
type State struct {
	mu     sync.RWMutex
	snap   Snapshot
	subs   map[int]*Subscription
	nextID int
}

// New creates a State that starts online with a closed circuit.
func New() *State {
	return &State{
		snap: Snapshot{IsOnline: true, CircuitState: "closed"},
		subs: make(map[int]*Subscription),
	}
}

// Snapshot returns a copy of the current aggregate.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Subscribe registers for change events. Delivery is non-blocking: a slow
// subscriber misses events once its buffer is full.
func (s *State) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sub := &Subscription{id: s.nextID, ch: make(chan Change, defaultBufferSize)}
	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (s *State) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
}

// SetOnline is written by the network hook.
func (s *State) SetOnline(online bool) {
	s.update(FieldOnline, func(v *Snapshot) bool {
		if v.IsOnline == online {
			return false
		}
		v.IsOnline = online
		return true
	})
}

// SetSyncing is written only by the push orchestrator.
func (s *State) SetSyncing(syncing bool) {
	s.update(FieldSyncing, func(v *Snapshot) bool {
		if v.IsSyncing == syncing {
			return false
		}
		v.IsSyncing = syncing
		return true
	})
}

// SetSessionExpired is written by the session gate only.
func (s *State) SetSessionExpired(expired bool) {
	s.update(FieldSessionExpired, func(v *Snapshot) bool {
		if v.SessionExpired == expired {
			return false
		}
		v.SessionExpired = expired
		return true
	})
}

// SetPendingCount is written by the retry queue only.
func (s *State) SetPendingCount(n int) {
	s.update(FieldPendingCount, func(v *Snapshot) bool {
		if v.PendingCount == n {
			return false
		}
		v.PendingCount = n
		return true
	})
}

// SetLastSyncTime records the time of the most recent successful push.
func (s *State) SetLastSyncTime(t time.Time) {
	s.update(FieldLastSyncTime, func(v *Snapshot) bool {
		v.LastSyncTime = &t
		return true
	})
}

// SetSyncError records the most recent batch-level failure; "" clears it.
func (s *State) SetSyncError(msg string) {
	s.update(FieldSyncError, func(v *Snapshot) bool {
		if v.SyncError == msg {
			return false
		}
		v.SyncError = msg
		return true
	})
}

// SetConflict records a project conflict. A nil conflict clears it.
func (s *State) SetConflict(c *Conflict) {
	s.update(FieldConflict, func(v *Snapshot) bool {
		if c == nil && !v.HasConflict {
			return false
		}
		if c == nil {
			v.HasConflict = false
			v.ConflictData = nil
			return true
		}
		cp := *c
		v.HasConflict = true
		v.ConflictData = &cp
		return true
	})
}

// SetQueuePressure is written by the retry queue only.
func (s *State) SetQueuePressure(active bool, reason string) {
	s.update(FieldQueuePressure, func(v *Snapshot) bool {
		if v.QueuePressure == active && v.PressureReason == reason {
			return false
		}
		v.QueuePressure = active
		v.PressureReason = reason
		return true
	})
}

// SetCircuitState is written by the circuit breaker observer only.
func (s *State) SetCircuitState(state string) {
	s.update(FieldCircuitState, func(v *Snapshot) bool {
		if v.CircuitState == state {
			return false
		}
		v.CircuitState = state
		return true
	})
}

func (s *State) update(field string, apply func(*Snapshot) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !apply(&s.snap) {
		return
	}
	change := Change{Field: field, Snapshot: s.copyLocked()}
	for _, sub := range s.subs {
		select {
		case sub.ch <- change:
		default:
		}
	}
}

func (s *State) copyLocked() Snapshot {
	out := s.snap
	if s.snap.LastSyncTime != nil {
		t := *s.snap.LastSyncTime
		out.LastSyncTime = &t
	}
	if s.snap.ConflictData != nil {
		c := *s.snap.ConflictData
		out.ConflictData = &c
	}
	return out
}
