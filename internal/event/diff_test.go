package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestChangedFields(t *testing.T) {
	due := time.Now().Add(24 * time.Hour)
	laterDue := due.Add(time.Hour)
	userA, userB := uuid.New(), uuid.New()

	base := TaskSnapshot{
		Title:       "Title",
		Description: "Desc",
		Stage:       StageTodo,
		Priority:    "normal",
		Assignees:   []uuid.UUID{userA},
		DueAt:       &due,
	}

	t.Run("no changes", func(t *testing.T) {
		same := base
		if got := ChangedFields(&base, &same); len(got) != 0 {
			t.Errorf("expected no changes, got %v", got)
		}
	})

	t.Run("assignee order does not matter", func(t *testing.T) {
		old := base
		old.Assignees = []uuid.UUID{userA, userB}
		new := base
		new.Assignees = []uuid.UUID{userB, userA}
		if got := ChangedFields(&old, &new); len(got) != 0 {
			t.Errorf("expected no changes, got %v", got)
		}
	})

	t.Run("several fields", func(t *testing.T) {
		new := base
		new.Title = "Other title"
		new.DueAt = &laterDue
		new.Stage = StageReview

		got := ChangedFields(&base, &new)
		want := map[string]bool{FieldTitle: true, FieldDueAt: true, FieldStage: true}
		if len(got) != len(want) {
			t.Fatalf("expected %d changes, got %v", len(want), got)
		}
		for _, f := range got {
			if !want[f] {
				t.Errorf("unexpected field %s", f)
			}
		}
	})

	t.Run("due date cleared", func(t *testing.T) {
		new := base
		new.DueAt = nil
		got := ChangedFields(&base, &new)
		if len(got) != 1 || got[0] != FieldDueAt {
			t.Errorf("expected due_at only, got %v", got)
		}
	})
}

func TestAssigneeDiff(t *testing.T) {
	userA, userB, userC := uuid.New(), uuid.New(), uuid.New()
	old := &TaskSnapshot{Assignees: []uuid.UUID{userA, userB}}
	new := &TaskSnapshot{Assignees: []uuid.UUID{userB, userC}}

	added := AddedAssignees(old, new)
	if len(added) != 1 || added[0] != userC {
		t.Errorf("added mismatch: got %v, want [%s]", added, userC)
	}

	removed := RemovedAssignees(old, new)
	if len(removed) != 1 || removed[0] != userA {
		t.Errorf("removed mismatch: got %v, want [%s]", removed, userA)
	}
}
