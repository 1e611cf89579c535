// Package store is the reference remote database: the tables a synced
// client pushes to, with the optimistic lock on projects and tombstones
// written on delete.
package store

import (
	"context"
	"encoding/json"
)

// Store is the remote table store served by the API.
type Store interface {
	// Upsert writes payload under key and returns the row's updated_at.
	Upsert(ctx context.Context, table, key string, payload json.RawMessage) (string, error)
	// Delete hard-deletes the row and records a tombstone for it.
	Delete(ctx context.Context, table, key string) error
	// Query returns rows of table whose columns equal filter's values.
	Query(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats counts rows per table.
type Stats struct {
	Projects    int64 `json:"projects"`
	Tasks       int64 `json:"tasks"`
	Connections int64 `json:"connections"`
	Tombstones  int64 `json:"tombstones"`
}
