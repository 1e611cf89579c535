package snapshot

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wgje/flowsync/internal/queue"
	"github.com/wgje/flowsync/internal/syncstate"
	"github.com/wgje/flowsync/internal/types"
)

const fileExt = ".json"

// QueueSnapshot is the document written for each snapshot.
type QueueSnapshot struct {
	ID          string                 `json:"id"`
	TakenAt     time.Time              `json:"taken_at"`
	Pending     []types.MutationRecord `json:"pending"`
	DeadLetters []queue.DeadLetter     `json:"dead_letters"`
	State       syncstate.Snapshot     `json:"state"`
}

// New stamps a snapshot with a ULID derived from takenAt, so file names
// sort chronologically.
func New(takenAt time.Time, pending []types.MutationRecord, dead []queue.DeadLetter, state syncstate.Snapshot) QueueSnapshot {
	if pending == nil {
		pending = []types.MutationRecord{}
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	return QueueSnapshot{
		ID:          ulid.MustNew(ulid.Timestamp(takenAt), rand.Reader).String(),
		TakenAt:     takenAt.UTC(),
		Pending:     pending,
		DeadLetters: dead,
		State:       state,
	}
}

// FileName returns the snapshot's file name.
func (s QueueSnapshot) FileName() string {
	return s.ID + fileExt
}

// Write stores snap in dir and returns the file path. The file appears
// atomically.
func Write(dir string, snap QueueSnapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	path := filepath.Join(dir, snap.FileName())
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}

// Read loads a snapshot file.
func Read(path string) (QueueSnapshot, error) {
	var snap QueueSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// List returns the snapshot files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if _, err := ulid.ParseStrict(strings.TrimSuffix(name, fileExt)); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Prune deletes all but the newest keep snapshots and returns how many
// were removed.
func Prune(dir string, keep int) (int, error) {
	paths, err := List(dir)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for len(paths)-removed > keep {
		if err := os.Remove(paths[removed]); err != nil {
			return removed, fmt.Errorf("remove snapshot: %w", err)
		}
		removed++
	}
	return removed, nil
}
