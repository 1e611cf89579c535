// Package session classifies remote failures and tracks whether the
// session is still usable.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/telemetry"
)

// ErrExpired is returned by operations refused because the session expired.
var ErrExpired = errors.New("session expired")

// Class is the failure taxonomy every remote error maps into.
type Class int

const (
	Unknown Class = iota
	Retryable
	Permanent
	VersionConflict
	SessionExpired
)

// String returns the class name used in logs, toasts and metrics.
func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	case VersionConflict:
		return "version_conflict"
	case SessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Classify maps err into a Class. It has no side effects.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	switch rpc.CodeOf(err) {
	case rpc.CodeUnauthorized, rpc.CodeRLSDenied, rpc.CodeJWTExpired:
		return SessionExpired
	case rpc.CodeVersionRegression:
		return VersionConflict
	case rpc.CodeForeignKey, rpc.CodeUniqueViolation, rpc.CodeNotNullViolation,
		rpc.CodeCheckViolation, rpc.CodeInvalidInput, rpc.CodeNoRows,
		rpc.CodeBadRequest, rpc.CodeNotFound, rpc.CodeConflict, rpc.CodeUnprocessable:
		return Permanent
	}
	if rpc.IsServerClass(err) {
		return Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	return Unknown
}

// StateWriter is the slice of SyncState the gate owns.
type StateWriter interface {
	SetSessionExpired(bool)
}

// Gate records session expiry exactly once and lets in-flight work observe
// it through Done.
type Gate struct {
	state   StateWriter
	toaster *telemetry.Toaster
	sink    telemetry.Sink

	mu       sync.Mutex
	expired  bool
	done     chan struct{}
	onExpire []func()
}

// NewGate creates a Gate. Any collaborator may be nil.
func NewGate(state StateWriter, toaster *telemetry.Toaster, sink telemetry.Sink) *Gate {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Gate{
		state:   state,
		toaster: toaster,
		sink:    sink,
		done:    make(chan struct{}),
	}
}

// OnExpire registers fn to run once per expiry, after the flag is set.
func (g *Gate) OnExpire(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onExpire = append(g.onExpire, fn)
}

// Inspect classifies err and marks the session expired when it says so.
func (g *Gate) Inspect(err error) Class {
	class := Classify(err)
	if class == SessionExpired {
		g.MarkExpired(err)
	}
	return class
}

// MarkExpired sets the expired flag. Only the first call after a restore
// notifies the user and telemetry.
func (g *Gate) MarkExpired(cause error) {
	g.mu.Lock()
	if g.expired {
		g.mu.Unlock()
		return
	}
	g.expired = true
	close(g.done)
	hooks := append([]func(){}, g.onExpire...)
	g.mu.Unlock()

	slog.Warn("session expired",
		"component", "session",
		"action", "session_expired",
		"error", cause,
	)
	if g.state != nil {
		g.state.SetSessionExpired(true)
	}
	if g.toaster != nil {
		g.toaster.Show(telemetry.Toast{
			Class:   SessionExpired.String(),
			Level:   telemetry.LevelWarning,
			Title:   "Session expired",
			Message: "Sign in again to resume syncing. Local changes are kept.",
		})
	}
	g.sink.CaptureMessage("session expired", telemetry.Options{
		Level: telemetry.LevelWarning,
		Tags:  map[string]string{"code": rpc.CodeOf(cause)},
	})
	for _, fn := range hooks {
		fn()
	}
}

// Expired reports whether the session is expired.
func (g *Gate) Expired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expired
}

// Done returns a channel closed when the session expires. A new channel is
// issued after Restore.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Restore clears the expired flag after re-authentication.
func (g *Gate) Restore() {
	g.mu.Lock()
	if !g.expired {
		g.mu.Unlock()
		return
	}
	g.expired = false
	g.done = make(chan struct{})
	g.mu.Unlock()

	slog.Info("session restored",
		"component", "session",
		"action", "session_restored",
	)
	if g.state != nil {
		g.state.SetSessionExpired(false)
	}
}
