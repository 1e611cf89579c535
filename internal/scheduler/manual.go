package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by Advance. Nothing runs until the test asks.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	entries map[int]*manualEntry
	once    []func()
}

type manualEntry struct {
	id       int
	due      time.Time
	interval time.Duration
	fn       func()
}

// NewManual creates a Manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, entries: make(map[int]*manualEntry)}
}

// Now returns the scheduler's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every implements Scheduler.
func (m *Manual) Every(interval time.Duration, fn func()) func() {
	return m.add(interval, interval, fn)
}

// Once implements Scheduler. The function runs on the next RunPending or
// Advance.
func (m *Manual) Once(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.once = append(m.once, fn)
}

// After implements Scheduler.
func (m *Manual) After(delay time.Duration, fn func()) func() {
	return m.add(delay, 0, fn)
}

// Pending returns the number of scheduled delays and periodic jobs.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunPending runs queued Once functions.
func (m *Manual) RunPending() {
	for {
		m.mu.Lock()
		if len(m.once) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.once[0]
		m.once = m.once[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves time forward by d, running every job that falls due in
// chronological order. Jobs scheduled by running jobs are honoured if they
// fall due within the window.
func (m *Manual) Advance(d time.Duration) {
	m.RunPending()

	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(m.entries, next.id)
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
		m.RunPending()
	}
}

func (m *Manual) add(delay, interval time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.entries[id] = &manualEntry{id: id, due: m.now.Add(delay), interval: interval, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, id)
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualEntry {
	due := make([]*manualEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.due.After(target) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
