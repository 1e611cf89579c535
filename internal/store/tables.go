package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wgje/flowsync/internal/types"
)

// filterColumns lists, per table, the columns Query may filter on.
var filterColumns = map[string]map[string]bool{
	"projects":    {"id": true, "owner_id": true},
	"tasks":       {"id": true, "project_id": true, "parent_id": true, "status": true},
	"connections": {"id": true, "project_id": true, "source_id": true, "target_id": true},
	"tombstones":  {"entity_id": true, "entity_type": true, "project_id": true},
}

// Upsert implements Store. Tombstoned keys are accepted and ignored, so a
// stale client cannot resurrect a deleted entity.
func (s *SQLiteStore) Upsert(ctx context.Context, table, key string, payload json.RawMessage) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var updatedAt string
	switch table {
	case "projects":
		updatedAt, err = s.upsertProject(ctx, tx, key, payload)
	case "tasks":
		updatedAt, err = s.upsertTask(ctx, tx, key, payload)
	case "connections":
		updatedAt, err = s.upsertConnection(ctx, tx, key, payload)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", mapConstraintError(err))
	}
	return updatedAt, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err.Error())
	}
	return nil
}

func checkKey(id *string, key string) error {
	if *id == "" {
		*id = key
	}
	if *id != key {
		return fmt.Errorf("%w: %q vs %q", ErrKeyMismatch, *id, key)
	}
	return nil
}

// upsertProject enforces the optimistic lock: an existing row is replaced
// only by a strictly greater version.
func (s *SQLiteStore) upsertProject(ctx context.Context, tx *sql.Tx, key string, payload json.RawMessage) (string, error) {
	var p types.ProjectMetadata
	if err := decodePayload(payload, &p); err != nil {
		return "", err
	}
	if err := checkKey(&p.ID, key); err != nil {
		return "", err
	}
	if dead, err := isTombstoned(ctx, tx, p.ID); err != nil || dead {
		return s.timestamp(p.UpdatedAt), err
	}

	var stored int
	err := tx.QueryRowContext(ctx, "SELECT version FROM projects WHERE id = ?", p.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("read project version: %w", err)
	case p.Version <= stored:
		return "", fmt.Errorf("%w: incoming %d, stored %d", ErrVersionRegression, p.Version, stored)
	}

	updatedAt := s.timestamp(p.UpdatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, description, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, p.ID, p.OwnerID, p.Name, p.Description, p.Version, updatedAt)
	if err != nil {
		return "", fmt.Errorf("upsert project: %w", mapConstraintError(err))
	}
	return updatedAt, nil
}

func (s *SQLiteStore) upsertTask(ctx context.Context, tx *sql.Tx, key string, payload json.RawMessage) (string, error) {
	var t types.Task
	if err := decodePayload(payload, &t); err != nil {
		return "", err
	}
	if err := checkKey(&t.ID, key); err != nil {
		return "", err
	}
	if dead, err := isTombstoned(ctx, tx, t.ID); err != nil || dead {
		return s.timestamp(t.UpdatedAt), err
	}

	updatedAt := s.timestamp(t.UpdatedAt)
	status := t.Status
	if status == "" {
		status = "active"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, parent_id, title, content, stage, rank, status, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			parent_id = excluded.parent_id,
			title = excluded.title,
			content = excluded.content,
			stage = excluded.stage,
			rank = excluded.rank,
			status = excluded.status,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, t.ID, t.ProjectID, nullString(t.ParentID), t.Title, t.Content, nullInt(t.Stage), t.Rank, status, updatedAt, nullString(t.DeletedAt))
	if err != nil {
		return "", fmt.Errorf("upsert task: %w", mapConstraintError(err))
	}
	return updatedAt, nil
}

func (s *SQLiteStore) upsertConnection(ctx context.Context, tx *sql.Tx, key string, payload json.RawMessage) (string, error) {
	var c types.Connection
	if err := decodePayload(payload, &c); err != nil {
		return "", err
	}
	if err := checkKey(&c.ID, key); err != nil {
		return "", err
	}
	if dead, err := isTombstoned(ctx, tx, c.ID); err != nil || dead {
		return s.timestamp(c.UpdatedAt), err
	}

	updatedAt := s.timestamp(c.UpdatedAt)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO connections (id, project_id, source_id, target_id, label, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			label = excluded.label,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, c.ID, c.ProjectID, c.Source, c.Target, c.Label, updatedAt, nullString(c.DeletedAt))
	if err != nil {
		return "", fmt.Errorf("upsert connection: %w", mapConstraintError(err))
	}
	return updatedAt, nil
}

// Delete implements Store. Deleting an absent row succeeds. Deleting a
// task also tombstones the connections that cascade with it.
func (s *SQLiteStore) Delete(ctx context.Context, table, key string) error {
	entityType, ok := entityTypes[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	projectCol := "project_id"
	if table == "projects" {
		projectCol = "id"
	}
	var projectID string
	err = tx.QueryRowContext(ctx, "SELECT "+projectCol+" FROM "+table+" WHERE id = ?", key).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}

	deletedAt := types.Timestamp(s.now())
	if table == "tasks" {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tombstones (entity_id, entity_type, project_id, deleted_at)
			SELECT id, ?, project_id, ? FROM connections WHERE source_id = ? OR target_id = ?
		`, string(types.EntityConnection), deletedAt, key, key)
		if err != nil {
			return fmt.Errorf("tombstone connections: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO tombstones (entity_id, entity_type, project_id, deleted_at)
		VALUES (?, ?, ?, ?)
	`, key, string(entityType), projectID, deletedAt); err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", table, mapConstraintError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var entityTypes = map[string]types.EntityType{
	"projects":    types.EntityProject,
	"tasks":       types.EntityTask,
	"connections": types.EntityConnection,
}

// Query implements Store. Rows are ordered by primary key.
func (s *SQLiteStore) Query(ctx context.Context, table string, filter map[string]string) ([]json.RawMessage, error) {
	allowed, ok := filterColumns[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	cols := make([]string, 0, len(filter))
	for col := range filter {
		if !allowed[col] {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var where []string
	var args []any
	for _, col := range cols {
		where = append(where, col+" = ?")
		args = append(args, filter[col])
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	switch table {
	case "projects":
		return queryProjects(ctx, s.db, clause, args)
	case "tasks":
		return queryTasks(ctx, s.db, clause, args)
	case "connections":
		return queryConnections(ctx, s.db, clause, args)
	default:
		return queryTombstones(ctx, s.db, clause, args)
	}
}

func collect[T any](rows *sql.Rows, scan func(*sql.Rows) (T, error)) ([]json.RawMessage, error) {
	defer rows.Close()
	out := []json.RawMessage{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func queryProjects(ctx context.Context, db *sql.DB, clause string, args []any) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, owner_id, name, description, version, updated_at FROM projects"+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	return collect(rows, func(r *sql.Rows) (types.ProjectMetadata, error) {
		var p types.ProjectMetadata
		err := r.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Version, &p.UpdatedAt)
		return p, err
	})
}

func queryTasks(ctx context.Context, db *sql.DB, clause string, args []any) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, project_id, parent_id, title, content, stage, rank, status, updated_at, deleted_at FROM tasks"+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collect(rows, func(r *sql.Rows) (types.Task, error) {
		var (
			t                   types.Task
			parentID, deletedAt sql.NullString
			stage               sql.NullInt64
		)
		err := r.Scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Content, &stage, &t.Rank, &t.Status, &t.UpdatedAt, &deletedAt)
		t.ParentID = stringPtr(parentID)
		t.Stage = intPtr(stage)
		t.DeletedAt = stringPtr(deletedAt)
		return t, err
	})
}

func queryConnections(ctx context.Context, db *sql.DB, clause string, args []any) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, project_id, source_id, target_id, label, updated_at, deleted_at FROM connections"+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	return collect(rows, func(r *sql.Rows) (types.Connection, error) {
		var (
			c         types.Connection
			deletedAt sql.NullString
		)
		err := r.Scan(&c.ID, &c.ProjectID, &c.Source, &c.Target, &c.Label, &c.UpdatedAt, &deletedAt)
		c.DeletedAt = stringPtr(deletedAt)
		return c, err
	})
}

func queryTombstones(ctx context.Context, db *sql.DB, clause string, args []any) ([]json.RawMessage, error) {
	rows, err := db.QueryContext(ctx, "SELECT entity_id, entity_type, project_id, deleted_at FROM tombstones"+clause+" ORDER BY entity_id", args...)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	return collect(rows, func(r *sql.Rows) (types.Tombstone, error) {
		var ts types.Tombstone
		err := r.Scan(&ts.EntityID, &ts.EntityType, &ts.ProjectID, &ts.DeletedAt)
		return ts, err
	})
}
