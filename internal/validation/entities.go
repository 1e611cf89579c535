package validation

import (
	"math"

	"github.com/wgje/flowsync/internal/types"
)

// Field limits for stored entities.
const (
	MaxIDLength      = 128
	MaxTitleLength   = 500
	MaxContentLength = 100_000
	MaxLabelLength   = 200
	MaxNameLength    = 200
)

// TaskStatuses are the accepted task status values.
var TaskStatuses = []string{"active", "completed", "archived"}

// Required reports whether errs contains only missing-field failures.
func Required(errs []ValidationError) bool {
	if len(errs) == 0 {
		return false
	}
	for _, e := range errs {
		if e.Message != requiredMessage {
			return false
		}
	}
	return true
}

const requiredMessage = "is required"

func validateText(c *Collector, field, value string, max int) {
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateProject checks a projects row.
func ValidateProject(p types.ProjectMetadata) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("id", p.ID))
	c.Add(ValidateMaxLength("id", p.ID, MaxIDLength))
	c.Add(ValidateRequired("name", p.Name))
	validateText(&c, "name", p.Name, MaxNameLength)
	validateText(&c, "description", p.Description, MaxContentLength)
	if p.Version < 0 {
		c.Add(&ValidationError{Field: "version", Message: "must not be negative"})
	}
	return c.Errors()
}

// ValidateTask checks a tasks row.
func ValidateTask(t types.Task) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("id", t.ID))
	c.Add(ValidateMaxLength("id", t.ID, MaxIDLength))
	c.Add(ValidateRequired("project_id", t.ProjectID))
	c.Add(ValidateRequired("title", t.Title))
	validateText(&c, "title", t.Title, MaxTitleLength)
	validateText(&c, "content", t.Content, MaxContentLength)
	if t.Status != "" {
		c.Add(ValidateEnum("status", t.Status, TaskStatuses))
	}
	if t.ParentID != nil && *t.ParentID == t.ID {
		c.Add(&ValidationError{Field: "parent_id", Message: "must not reference the task itself"})
	}
	if math.IsNaN(t.Rank) || math.IsInf(t.Rank, 0) {
		c.Add(&ValidationError{Field: "rank", Message: "must be a finite number"})
	}
	return c.Errors()
}

// ValidateConnection checks a connections row.
func ValidateConnection(conn types.Connection) []ValidationError {
	var c Collector
	c.Add(ValidateRequired("id", conn.ID))
	c.Add(ValidateMaxLength("id", conn.ID, MaxIDLength))
	c.Add(ValidateRequired("project_id", conn.ProjectID))
	c.Add(ValidateRequired("source_id", conn.Source))
	c.Add(ValidateRequired("target_id", conn.Target))
	validateText(&c, "label", conn.Label, MaxLabelLength)
	return c.Errors()
}
