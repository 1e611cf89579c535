package queuestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wgje/flowsync/internal/types"
)

// FileStore keeps all queues in one JSON document. Saves write a temporary
// file in the same directory and rename it over the original.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file queue store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// LoadAll implements queue.Store.
func (s *FileStore) LoadAll(_ context.Context, key string) ([]types.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc[key], nil
}

// SaveAll implements queue.Store.
func (s *FileStore) SaveAll(_ context.Context, key string, records []types.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		delete(doc, key)
	} else {
		doc[key] = records
	}
	return s.write(doc)
}

// Close implements io.Closer.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (map[string][]types.MutationRecord, error) {
	doc := make(map[string][]types.MutationRecord)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode queue file: %w", err)
	}
	return doc, nil
}

func (s *FileStore) write(doc map[string][]types.MutationRecord) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queue file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".queue-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
