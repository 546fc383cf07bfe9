package event

import "github.com/google/uuid"

// Fields on task.updated that the pipeline cares about.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldAssignees   = "assignees"
	FieldDueAt       = "due_at"
	FieldPriority    = "priority"
	FieldStage       = "stage"
)

// ChangedFields diffs two snapshots over the tracked fields.
func ChangedFields(old, new *TaskSnapshot) []string {
	var changed []string
	if old.Title != new.Title {
		changed = append(changed, FieldTitle)
	}
	if old.Description != new.Description {
		changed = append(changed, FieldDescription)
	}
	if !sameAssignees(old, new) {
		changed = append(changed, FieldAssignees)
	}
	if !sameDueAt(old, new) {
		changed = append(changed, FieldDueAt)
	}
	if old.Priority != new.Priority {
		changed = append(changed, FieldPriority)
	}
	if old.Stage != new.Stage {
		changed = append(changed, FieldStage)
	}
	return changed
}

// AddedAssignees returns users present on new but not on old.
func AddedAssignees(old, new *TaskSnapshot) []uuid.UUID {
	return assigneeDiff(new.Assignees, old.Assignees)
}

// RemovedAssignees returns users present on old but not on new.
func RemovedAssignees(old, new *TaskSnapshot) []uuid.UUID {
	return assigneeDiff(old.Assignees, new.Assignees)
}

func assigneeDiff(a, b []uuid.UUID) []uuid.UUID {
	set := make(map[uuid.UUID]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	var out []uuid.UUID
	for _, id := range a {
		if _, ok := set[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func sameAssignees(old, new *TaskSnapshot) bool {
	if len(old.Assignees) != len(new.Assignees) {
		return false
	}
	set := make(map[uuid.UUID]struct{}, len(old.Assignees))
	for _, id := range old.Assignees {
		set[id] = struct{}{}
	}
	for _, id := range new.Assignees {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func sameDueAt(old, new *TaskSnapshot) bool {
	if (old.DueAt == nil) != (new.DueAt == nil) {
		return false
	}
	return old.DueAt == nil || old.DueAt.Equal(*new.DueAt)
}
