package conflict

import (
	"reflect"
	"testing"

	"github.com/wgje/flowsync/internal/types"
)

func task(id, updatedAt, title string) types.Task {
	return types.Task{ID: id, ProjectID: "p1", Title: title, UpdatedAt: updatedAt}
}

func TestMergeTasks(t *testing.T) {
	tests := []struct {
		name   string
		local  []types.Task
		remote []types.Task
		want   []types.Task
	}{
		{
			name:   "local newer wins",
			local:  []types.Task{task("a", "2026-01-02T00:00:00.000Z", "local")},
			remote: []types.Task{task("a", "2026-01-01T00:00:00.000Z", "remote")},
			want:   []types.Task{task("a", "2026-01-02T00:00:00.000Z", "local")},
		},
		{
			name:   "remote newer wins",
			local:  []types.Task{task("a", "2026-01-01T00:00:00.000Z", "local")},
			remote: []types.Task{task("a", "2026-01-02T00:00:00.000Z", "remote")},
			want:   []types.Task{task("a", "2026-01-02T00:00:00.000Z", "remote")},
		},
		{
			name:   "tie goes to remote",
			local:  []types.Task{task("a", "2026-01-01T00:00:00.000Z", "local")},
			remote: []types.Task{task("a", "2026-01-01T00:00:00.000Z", "remote")},
			want:   []types.Task{task("a", "2026-01-01T00:00:00.000Z", "remote")},
		},
		{
			name:   "local-only appended after remote order",
			local:  []types.Task{task("z", "2026-01-01T00:00:00.000Z", "new"), task("b", "2026-01-01T00:00:00.000Z", "local b")},
			remote: []types.Task{task("b", "2026-01-03T00:00:00.000Z", "remote b"), task("c", "2026-01-01T00:00:00.000Z", "c")},
			want: []types.Task{
				task("b", "2026-01-03T00:00:00.000Z", "remote b"),
				task("c", "2026-01-01T00:00:00.000Z", "c"),
				task("z", "2026-01-01T00:00:00.000Z", "new"),
			},
		},
		{
			name:   "empty local keeps remote",
			remote: []types.Task{task("a", "2026-01-01T00:00:00.000Z", "remote")},
			want:   []types.Task{task("a", "2026-01-01T00:00:00.000Z", "remote")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeTasks(tt.local, tt.remote)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeTasks() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMergeTasks_Idempotent(t *testing.T) {
	local := []types.Task{
		task("a", "2026-01-02T00:00:00.000Z", "local a"),
		task("b", "2026-01-01T00:00:00.000Z", "local b"),
		task("d", "2026-01-01T00:00:00.000Z", "local d"),
	}
	remote := []types.Task{
		task("a", "2026-01-01T00:00:00.000Z", "remote a"),
		task("b", "2026-01-01T00:00:00.000Z", "remote b"),
		task("c", "2026-01-05T00:00:00.000Z", "remote c"),
	}

	once := MergeTasks(local, remote)
	twice := MergeTasks(local, once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge(x, merge(x,y)) = %+v, want %+v", twice, once)
	}
}

func TestMergeTasks_LaterTimestampWinsEitherOrder(t *testing.T) {
	older := task("a", "2026-01-01T00:00:00.000Z", "older")
	newer := task("a", "2026-01-01T00:00:00.001Z", "newer")

	ab := MergeTasks([]types.Task{older}, []types.Task{newer})
	ba := MergeTasks([]types.Task{newer}, []types.Task{older})

	if ab[0].Title != "newer" || ba[0].Title != "newer" {
		t.Errorf("winners = %q, %q; want newer both ways", ab[0].Title, ba[0].Title)
	}
}

func TestMergeConnections_LocalAlwaysWins(t *testing.T) {
	local := []types.Connection{{ID: "c1", Source: "a", Target: "b", Label: "local", UpdatedAt: "2020-01-01T00:00:00.000Z"}}
	remote := []types.Connection{
		{ID: "c1", Source: "a", Target: "b", Label: "remote", UpdatedAt: "2026-01-01T00:00:00.000Z"},
		{ID: "c2", Source: "b", Target: "c"},
	}

	got := MergeConnections(local, remote)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Label != "local" {
		t.Errorf("c1 label = %q, want local", got[0].Label)
	}
	if got[1].ID != "c2" {
		t.Errorf("second = %q, want c2", got[1].ID)
	}

	again := MergeConnections(local, got)
	if !reflect.DeepEqual(again, got) {
		t.Errorf("not idempotent: %+v vs %+v", again, got)
	}
}

func TestMergeProject(t *testing.T) {
	local := types.Project{
		ID: "p1", Name: "Local name", Version: 4, UpdatedAt: "2026-02-02T00:00:00.000Z",
		Tasks: []types.Task{task("a", "2026-02-02T00:00:00.000Z", "local a")},
	}
	remote := types.Project{
		ID: "p1", Name: "Remote name", Version: 7, UpdatedAt: "2026-02-01T00:00:00.000Z",
		Tasks: []types.Task{task("a", "2026-02-01T00:00:00.000Z", "remote a"), task("b", "2026-02-01T00:00:00.000Z", "b")},
	}

	got := MergeProject(local, remote)

	if got.Name != "Local name" {
		t.Errorf("Name = %q, want Local name", got.Name)
	}
	if got.Version != 7 {
		t.Errorf("Version = %d, want 7", got.Version)
	}
	if len(got.Tasks) != 2 || got.Tasks[0].Title != "local a" {
		t.Errorf("Tasks = %+v", got.Tasks)
	}
}
