// Package conflict merges local and remote copies of a project with
// last-write-wins semantics. Everything here is pure.
//
// Timestamps are ISO-8601 strings in a fixed UTC layout, so byte order is
// chronological order. Equal timestamps resolve to the remote copy for tasks
// and project metadata. Connections carry no reliable timestamp: any
// connection present locally wins.
package conflict

import "github.com/wgje/flowsync/internal/types"

// MergeTasks merges local and remote tasks by ID. The result lists remote
// tasks in remote order followed by local-only tasks in local order.
func MergeTasks(local, remote []types.Task) []types.Task {
	return mergeByID(local, remote,
		func(t types.Task) string { return t.ID },
		func(l, r types.Task) bool { return l.UpdatedAt > r.UpdatedAt },
	)
}

// MergeConnections merges local and remote connections by ID; the local copy
// always wins when both exist.
func MergeConnections(local, remote []types.Connection) []types.Connection {
	return mergeByID(local, remote,
		func(c types.Connection) string { return c.ID },
		func(types.Connection, types.Connection) bool { return true },
	)
}

// MergeProject merges two copies of the same project. Metadata follows the
// task rule, Version is the larger of the two so the next push clears the
// optimistic lock.
func MergeProject(local, remote types.Project) types.Project {
	out := remote
	if local.UpdatedAt > remote.UpdatedAt {
		out = local
	}
	out.Version = max(local.Version, remote.Version)
	out.Tasks = MergeTasks(local.Tasks, remote.Tasks)
	out.Connections = MergeConnections(local.Connections, remote.Connections)
	return out
}

func mergeByID[T any](local, remote []T, id func(T) string, localWins func(l, r T) bool) []T {
	merged := make([]T, 0, len(remote)+len(local))
	index := make(map[string]int, len(remote)+len(local))

	for _, r := range remote {
		k := id(r)
		if i, ok := index[k]; ok {
			merged[i] = r
			continue
		}
		index[k] = len(merged)
		merged = append(merged, r)
	}

	for _, l := range local {
		k := id(l)
		i, ok := index[k]
		if !ok {
			index[k] = len(merged)
			merged = append(merged, l)
			continue
		}
		if localWins(l, merged[i]) {
			merged[i] = l
		}
	}
	return merged
}
