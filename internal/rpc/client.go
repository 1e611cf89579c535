// Package rpc defines the boundary to the remote database: an abstract
// table-oriented client, the remote error code space, and an HTTP
// implementation of the client.
package rpc

import (
	"context"
	"encoding/json"
)

// Filter restricts a query to rows whose columns equal the given values.
type Filter map[string]string

// Client is the abstract remote store.
type Client interface {
	// Upsert writes payload under key and returns the server timestamp
	// assigned to the row.
	Upsert(ctx context.Context, table, key string, payload any) (string, error)

	// Delete removes the row with the given key.
	Delete(ctx context.Context, table, key string) error

	// Query returns the rows of table matching filter.
	Query(ctx context.Context, table string, filter Filter) ([]json.RawMessage, error)
}

// Tables lists the tables clients may address.
var Tables = map[string]bool{
	"projects":    true,
	"tasks":       true,
	"connections": true,
	"tombstones":  true,
}
