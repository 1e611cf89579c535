package queuestore

import (
	"context"
	"sync"

	"github.com/wgje/flowsync/internal/types"
)

// MemoryStore keeps queues in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]types.MutationRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]types.MutationRecord)}
}

// LoadAll implements queue.Store.
func (s *MemoryStore) LoadAll(_ context.Context, key string) ([]types.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.data[key]), nil
}

// SaveAll implements queue.Store.
func (s *MemoryStore) SaveAll(_ context.Context, key string, records []types.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cloneRecords(records)
	return nil
}

// Close implements io.Closer.
func (s *MemoryStore) Close() error { return nil }

func cloneRecords(in []types.MutationRecord) []types.MutationRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.MutationRecord, len(in))
	for i, r := range in {
		r.Payload = append([]byte(nil), r.Payload...)
		out[i] = r
	}
	return out
}
