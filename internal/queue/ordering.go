package queue

import (
	"encoding/json"
	"sort"

	"github.com/wgje/flowsync/internal/types"
)

// entityPriority is the FK depth of each entity type. Lower values are
// closer to the root and must be upserted first.
var entityPriority = map[types.EntityType]int{
	types.EntityProject:    0,
	types.EntityTask:       1,
	types.EntityConnection: 2,
}

// orderForReplay returns records in an order that satisfies remote foreign
// keys: deletes children-first, then upserts parents-first, with task
// upserts topologically sorted by parent_id. The sort is stable, so records
// of the same kind keep queue order.
func orderForReplay(records []types.MutationRecord) []types.MutationRecord {
	if len(records) == 0 {
		return records
	}

	var deletes, upserts []types.MutationRecord
	for _, r := range records {
		if r.Operation == types.OperationDelete {
			deletes = append(deletes, r)
		} else {
			upserts = append(upserts, r)
		}
	}

	sort.SliceStable(deletes, func(i, j int) bool {
		return entityPriority[deletes[i].EntityType] > entityPriority[deletes[j].EntityType]
	})
	sort.SliceStable(upserts, func(i, j int) bool {
		return entityPriority[upserts[i].EntityType] < entityPriority[upserts[j].EntityType]
	})
	upserts = sortTasksByParent(upserts)

	out := make([]types.MutationRecord, 0, len(records))
	out = append(out, deletes...)
	out = append(out, upserts...)
	return out
}

// sortTasksByParent reorders task upserts so a parent precedes its children
// when both are in the batch. Other records keep their positions; tasks
// caught in a cycle are appended in queue order.
func sortTasksByParent(records []types.MutationRecord) []types.MutationRecord {
	var slots []int
	byID := make(map[string]types.MutationRecord)
	parent := make(map[string]string)
	var ids []string

	for i, r := range records {
		if r.EntityType != types.EntityTask {
			continue
		}
		slots = append(slots, i)
		byID[r.EntityID] = r
		ids = append(ids, r.EntityID)
		parent[r.EntityID] = parentID(r.Payload)
	}
	if len(slots) <= 1 {
		return records
	}

	inDegree := make(map[string]int, len(ids))
	children := make(map[string][]string)
	for _, id := range ids {
		p := parent[id]
		if _, inBatch := byID[p]; p != "" && inBatch {
			inDegree[id]++
			children[p] = append(children[p], id)
		}
	}

	var ready []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]types.MutationRecord, 0, len(ids))
	placed := make(map[string]bool, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, byID[id])
		placed[id] = true
		for _, c := range children[id] {
			inDegree[c]--
			if inDegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	for _, id := range ids {
		if !placed[id] {
			sorted = append(sorted, byID[id])
		}
	}

	out := make([]types.MutationRecord, len(records))
	copy(out, records)
	for i, slot := range slots {
		out[slot] = sorted[i]
	}
	return out
}

func parentID(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var data struct {
		ParentID *string `json:"parent_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil || data.ParentID == nil {
		return ""
	}
	return *data.ParentID
}

// connectionEndpoints decodes the source and target task IDs of a
// connection payload.
func connectionEndpoints(payload json.RawMessage) (string, string) {
	var c types.Connection
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", ""
	}
	return c.Source, c.Target
}
