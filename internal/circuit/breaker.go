// Package circuit implements the three-state breaker that guards the remote
// store. State is recomputed lazily on each Check; there is no timer.
package circuit

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wgje/flowsync/internal/rpc"
)

// ErrOpen is returned by callers that were refused by Check.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name used in logs, metrics and SyncState.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTime     = 30 * time.Second
)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// open the circuit.
	FailureThreshold int

	// RecoveryTime is how long the circuit stays open before granting a
	// single probe.
	RecoveryTime time.Duration

	// Trips reports whether an error counts toward the threshold. Defaults
	// to rpc.IsServerClass: client errors never trip the breaker.
	Trips func(error) bool

	// Observer is called after every state transition, outside the lock.
	Observer func(from, to State)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		RecoveryTime:     DefaultRecoveryTime,
		Trips:            rpc.IsServerClass,
	}
}

// Stats is a snapshot of breaker internals.
type Stats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeIssued bool
}

// New creates a Breaker. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = DefaultRecoveryTime
	}
	if cfg.Trips == nil {
		cfg.Trips = rpc.IsServerClass
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetObserver replaces the transition observer.
func (b *Breaker) SetObserver(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Observer = fn
}

// Check reports whether a remote call may be attempted. Once RecoveryTime
// has elapsed in the open state it returns true exactly once, for the
// half-open probe.
func (b *Breaker) Check() bool {
	b.mu.Lock()
	var from State
	changed := false
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTime {
			from, changed = b.state, true
			b.state = HalfOpen
			b.probeIssued = true
			allowed = true
		}
	case HalfOpen:
		if !b.probeIssued {
			b.probeIssued = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return allowed
}

// RecordSuccess records a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.probeIssued = false
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// RecordFailure records a failed attempt. Errors rejected by the trip
// predicate leave the failure count untouched; in half-open such an error
// still proves the endpoint answered, so the circuit closes.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	from := b.state

	if !b.cfg.Trips(err) {
		if b.state == HalfOpen {
			b.state = Closed
			b.failures = 0
			b.probeIssued = false
		}
		to := b.state
		b.mu.Unlock()
		if from != to {
			b.notify(from, to)
		}
		return
	}

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.probeIssued = false
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		slog.Warn("circuit opened",
			"component", "circuit",
			"action", "circuit_opened",
			"consecutive_failures", failures,
			"recovery_time", b.cfg.RecoveryTime,
			"error", err,
		)
		b.notify(from, to)
	}
}

// State returns the stored state without recomputing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot for diagnostics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probeIssued = false
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) notify(from, to State) {
	slog.Info("circuit transition",
		"component", "circuit",
		"action", "circuit_transition",
		"from", from.String(),
		"to", to.String(),
	)
	b.mu.Lock()
	obs := b.cfg.Observer
	b.mu.Unlock()
	if obs != nil {
		obs(from, to)
	}
}
