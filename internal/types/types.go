package types

import (
	"encoding/json"
	"time"
)

// EntityType identifies which remote table a mutation targets.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityProject    EntityType = "project"
	EntityConnection EntityType = "connection"
)

// Table returns the remote table name for the entity type.
func (t EntityType) Table() string {
	switch t {
	case EntityTask:
		return "tasks"
	case EntityProject:
		return "projects"
	case EntityConnection:
		return "connections"
	default:
		return ""
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t.Table() != ""
}

// Operation is the kind of mutation applied to an entity.
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Task is a node in a project's flow diagram.
type Task struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Title     string  `json:"title"`
	Content   string  `json:"content,omitempty"`
	Stage     *int    `json:"stage,omitempty"`
	Rank      float64 `json:"rank"`
	Status    string  `json:"status"`
	UpdatedAt string  `json:"updated_at"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

// EntityID returns the task ID.
func (t Task) EntityID() string { return t.ID }

// Deleted reports whether the task is soft-deleted.
func (t Task) Deleted() bool { return t.DeletedAt != nil }

// Connection is a directed edge between two tasks.
type Connection struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Source    string  `json:"source_id"`
	Target    string  `json:"target_id"`
	Label     string  `json:"label,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
	DeletedAt *string `json:"deleted_at,omitempty"`
}

// EntityID returns the connection ID.
func (c Connection) EntityID() string { return c.ID }

// Deleted reports whether the connection is soft-deleted.
func (c Connection) Deleted() bool { return c.DeletedAt != nil }

// Project is the unit of synchronization: metadata plus its task graph.
// Version is the optimistic-lock counter enforced by the remote store.
type Project struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"owner_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Version     int          `json:"version"`
	UpdatedAt   string       `json:"updated_at"`
	Tasks       []Task       `json:"tasks,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}

// Metadata returns the project without its task graph, the shape pushed
// to the projects table.
func (p Project) Metadata() ProjectMetadata {
	return ProjectMetadata{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ProjectMetadata is the row stored in the projects table.
type ProjectMetadata struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	UpdatedAt   string `json:"updated_at"`
}

// MutationRecord is a locally authored change waiting to reach the remote
// store. It is owned by the retry queue from enqueue until it succeeds,
// fails permanently, or exhausts its retries.
type MutationRecord struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	Operation  Operation       `json:"operation"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProjectID  string          `json:"project_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Key identifies the entity a record refers to. Records with the same key
// coalesce in the queue.
func (r MutationRecord) Key() EntityKey {
	return EntityKey{Type: r.EntityType, ID: r.EntityID}
}

// EntityKey is the (type, id) pair used for coalescing and cancellation.
type EntityKey struct {
	Type EntityType
	ID   string
}

// String returns "type:id".
func (k EntityKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Tombstone records a permanently deleted entity.
type Tombstone struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ProjectID  string     `json:"project_id"`
	DeletedAt  string     `json:"deleted_at"`
}

// Timestamp formats t the way entity UpdatedAt fields are stored, so that
// lexicographic comparison matches chronological order.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
