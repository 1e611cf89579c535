package queue

import (
	"context"

	"github.com/wgje/flowsync/internal/types"
)

// DefaultStoreKey is the key the queue persists under.
const DefaultStoreKey = "flowsync.retry_queue"

// Store is the durable persistence the queue writes through. Implementations
// live in internal/queuestore.
type Store interface {
	LoadAll(ctx context.Context, key string) ([]types.MutationRecord, error)
	SaveAll(ctx context.Context, key string, records []types.MutationRecord) error
}
