package queuestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wgje/flowsync/internal/types"
	"github.com/wgje/flowsync/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps queues in a SQLite table, one row per record.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// the queue migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := migrations.Up(context.Background(), db, migrations.QueueDir); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadAll implements queue.Store.
func (s *SQLiteStore) LoadAll(ctx context.Context, key string) ([]types.MutationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, operation, entity_id, project_id, payload, retry_count, created_at
		FROM retry_queue
		WHERE store_key = ?
		ORDER BY position
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []types.MutationRecord
	for rows.Next() {
		var (
			rec       types.MutationRecord
			payload   []byte
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.Operation, &rec.EntityID, &rec.ProjectID, &payload, &rec.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		if len(payload) > 0 {
			rec.Payload = payload
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveAll implements queue.Store. The previous contents of key are replaced
// in a single transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, key string, records []types.MutationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM retry_queue WHERE store_key = ?", key); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO retry_queue (store_key, position, id, entity_type, operation, entity_id, project_id, payload, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			key, i, rec.ID, string(rec.EntityType), string(rec.Operation), rec.EntityID,
			rec.ProjectID, []byte(rec.Payload), rec.RetryCount, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue: %w", err)
	}
	return nil
}
