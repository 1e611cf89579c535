package queue

import (
	"log/slog"
	"sort"
	"strconv"

	"github.com/wgje/flowsync/internal/metrics"
	"github.com/wgje/flowsync/internal/telemetry"
	"github.com/wgje/flowsync/internal/types"
)

// PressureQueueFull is the pressure reason set at capacity.
const PressureQueueFull = "queue_full"

// Pressure reports whether the queue is in a pressure mode and why.
func (q *Queue) Pressure() (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pressure, q.reason
}

// AcceptsNewEntities reports whether an enqueue for an entity that is not
// already queued would be accepted.
func (q *Queue) AcceptsNewEntities() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked() < q.cfg.HardLimit
}

// CheckRecovery force-clears pressure when the queue is below capacity. It
// returns whether pressure is still active.
func (q *Queue) CheckRecovery() bool {
	q.mu.Lock()
	n := q.countLocked()
	release := q.pressure && n < q.cfg.MaxQueueSize
	q.mu.Unlock()

	if release {
		q.setPressure(false, "", n)
	}
	active, _ := q.Pressure()
	return active
}

// afterChange publishes the queue length and re-evaluates pressure and
// capacity warnings.
func (q *Queue) afterChange() {
	q.mu.Lock()
	n := q.countLocked()
	pressure := q.pressure
	q.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	q.state.SetPendingCount(n)

	highWater := q.cfg.WarnThreshold * float64(q.cfg.MaxQueueSize)
	switch {
	case n >= q.cfg.MaxQueueSize && !pressure:
		q.setPressure(true, PressureQueueFull, n)
	case pressure && float64(n) < highWater:
		q.setPressure(false, "", n)
	}
	if float64(n) >= highWater {
		q.maybeWarnCapacity(n)
	}
}

func (q *Queue) setPressure(active bool, reason string, n int) {
	q.mu.Lock()
	if q.pressure == active && q.reason == reason {
		q.mu.Unlock()
		return
	}
	prevReason := q.reason
	q.pressure = active
	q.reason = reason
	q.mu.Unlock()

	q.state.SetQueuePressure(active, reason)
	if active {
		metrics.QueuePressure.WithLabelValues(reason).Set(1)
		slog.Error("retry queue entered pressure mode",
			"component", "queue",
			"action", "pressure_entered",
			"reason", reason,
			"queue_length", n,
			"max_queue_size", q.cfg.MaxQueueSize,
		)
		q.sink.CaptureMessage("retry queue full", telemetry.Options{
			Level: telemetry.LevelWarning,
			Tags:  map[string]string{"reason": reason, "queue_length": strconv.Itoa(n)},
		})
		return
	}
	metrics.QueuePressure.WithLabelValues(prevReason).Set(0)
	slog.Info("retry queue pressure cleared",
		"component", "queue",
		"action", "pressure_cleared",
		"queue_length", n,
	)
}

func (q *Queue) maybeWarnCapacity(n int) {
	pct := float64(n) / float64(q.cfg.MaxQueueSize) * 100
	now := q.now()

	q.mu.Lock()
	inCooldown := !q.lastWarnAt.IsZero() && now.Sub(q.lastWarnAt) < q.cfg.WarnCooldown
	worsened := pct-q.lastWarnPct > q.cfg.WarnWorsenPoints
	if inCooldown && !worsened {
		q.mu.Unlock()
		return
	}
	q.lastWarnAt = now
	q.lastWarnPct = pct
	breakdown := breakdownByType(q.durableLocked())
	q.mu.Unlock()

	snap := q.state.Snapshot()
	slog.Warn("retry queue near capacity",
		"component", "queue",
		"action", "capacity_warning",
		"queue_length", n,
		"max_queue_size", q.cfg.MaxQueueSize,
		"fill_pct", pct,
		"tasks", breakdown[types.EntityTask],
		"projects", breakdown[types.EntityProject],
		"connections", breakdown[types.EntityConnection],
		"is_online", snap.IsOnline,
		"is_syncing", snap.IsSyncing,
		"circuit_state", snap.CircuitState,
	)
	q.sink.CaptureMessage("retry queue near capacity", telemetry.Options{
		Level: telemetry.LevelWarning,
		Tags: map[string]string{
			"fill_pct":      strconv.Itoa(int(pct)),
			"breakdown":     formatBreakdown(breakdown),
			"circuit_state": snap.CircuitState,
		},
	})
}

func breakdownByType(records []types.MutationRecord) map[types.EntityType]int {
	out := make(map[types.EntityType]int)
	for _, r := range records {
		out[r.EntityType]++
	}
	return out
}

func formatBreakdown(b map[types.EntityType]int) string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + strconv.Itoa(b[types.EntityType(k)])
	}
	return out
}
