// Package queuestore provides durable backends for the retry queue. Every
// backend stores the whole queue under a key and replaces it atomically on
// save.
package queuestore

import (
	"errors"
	"fmt"
	"io"

	"github.com/wgje/flowsync/internal/queue"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// ErrUnknownBackend is returned by Open for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown queue backend")

// Config selects and locates a backend.
type Config struct {
	Backend string
	// Path is a database file for sqlite, a directory for badger and a JSON
	// file for file. Ignored by memory.
	Path string
}

// Store is a queue.Store that must be closed.
type Store interface {
	queue.Store
	io.Closer
}

// Open creates the backend named by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteStore(cfg.Path)
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: cfg.Path, SyncWrites: true})
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
