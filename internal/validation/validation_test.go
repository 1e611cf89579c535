package validation

import (
	"math"
	"strings"
	"testing"

	"github.com/wgje/flowsync/internal/types"
)

func TestFieldValidators(t *testing.T) {
	tests := []struct {
		name    string
		err     *ValidationError
		wantErr bool
	}{
		{"utf8 valid", ValidateUTF8("f", "Hello, 世界"), false},
		{"utf8 invalid", ValidateUTF8("f", string([]byte{0xff, 0xfe})), true},
		{"no null bytes", ValidateNoNullBytes("f", "clean"), false},
		{"null byte", ValidateNoNullBytes("f", "a\x00b"), true},
		{"length at limit", ValidateMaxLength("f", strings.Repeat("世", 5), 5), false},
		{"length exceeds", ValidateMaxLength("f", strings.Repeat("a", 6), 5), true},
		{"required present", ValidateRequired("f", "x"), false},
		{"required whitespace", ValidateRequired("f", "  \t"), true},
		{"enum member", ValidateEnum("f", "done", []string{"todo", "done"}), false},
		{"enum case sensitive", ValidateEnum("f", "Done", []string{"todo", "done"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", tt.err, tt.wantErr)
			}
			if tt.err != nil && tt.err.Field != "f" {
				t.Errorf("Field = %q, want f", tt.err.Field)
			}
		})
	}
}

func TestCollector(t *testing.T) {
	c := &Collector{}
	if c.HasErrors() {
		t.Error("HasErrors() = true for empty collector")
	}
	c.Add(nil)
	c.Add(&ValidationError{Field: "f1", Message: "m1"})
	c.Add(nil)
	c.Add(&ValidationError{Field: "f2", Message: "m2"})

	errs := c.Errors()
	if len(errs) != 2 || errs[0].Field != "f1" || errs[1].Field != "f2" {
		t.Errorf("Errors() = %+v, want f1 then f2", errs)
	}
}

func validTask() types.Task {
	return types.Task{ID: "t1", ProjectID: "p1", Title: "Write docs", Status: "active"}
}

func TestValidateTask(t *testing.T) {
	self := "t1"
	tests := []struct {
		name       string
		mutate     func(*types.Task)
		wantFields []string
	}{
		{name: "valid", mutate: func(*types.Task) {}},
		{name: "empty status allowed", mutate: func(t *types.Task) { t.Status = "" }},
		{name: "missing title", mutate: func(t *types.Task) { t.Title = "" }, wantFields: []string{"title"}},
		{name: "missing ids", mutate: func(t *types.Task) { t.ID, t.ProjectID = "", "" }, wantFields: []string{"id", "project_id"}},
		{name: "bad status", mutate: func(t *types.Task) { t.Status = "blocked" }, wantFields: []string{"status"}},
		{name: "title too long", mutate: func(t *types.Task) { t.Title = strings.Repeat("x", MaxTitleLength+1) }, wantFields: []string{"title"}},
		{name: "null byte in content", mutate: func(t *types.Task) { t.Content = "a\x00" }, wantFields: []string{"content"}},
		{name: "self parent", mutate: func(t *types.Task) { t.ParentID = &self }, wantFields: []string{"parent_id"}},
		{name: "non-finite rank", mutate: func(t *types.Task) { t.Rank = math.Inf(1) }, wantFields: []string{"rank"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(&task)
			assertFields(t, ValidateTask(task), tt.wantFields)
		})
	}
}

func TestValidateConnection(t *testing.T) {
	errs := ValidateConnection(types.Connection{ID: "c1", ProjectID: "p1"})
	assertFields(t, errs, []string{"source_id", "target_id"})
	if !Required(errs) {
		t.Error("Required() = false for missing endpoints")
	}

	errs = ValidateConnection(types.Connection{ID: "c1", ProjectID: "p1", Source: "a", Target: "b", Label: strings.Repeat("l", MaxLabelLength+1)})
	assertFields(t, errs, []string{"label"})
	if Required(errs) {
		t.Error("Required() = true for a length failure")
	}
}

func TestValidateProject(t *testing.T) {
	assertFields(t, ValidateProject(types.ProjectMetadata{ID: "p1", Name: "Roadmap"}), nil)
	assertFields(t, ValidateProject(types.ProjectMetadata{ID: "p1", Version: -1}), []string{"name", "version"})
}

func TestRequired_Empty(t *testing.T) {
	if Required(nil) {
		t.Error("Required(nil) = true, want false")
	}
}

func assertFields(t *testing.T, errs []ValidationError, want []string) {
	t.Helper()
	if len(errs) != len(want) {
		t.Fatalf("errors = %+v, want fields %v", errs, want)
	}
	for i, f := range want {
		if errs[i].Field != f {
			t.Errorf("errors[%d].Field = %q, want %q", i, errs[i].Field, f)
		}
	}
}
