package fanout

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
)

func taskEvent(typ string, actor uuid.UUID, task *event.TaskSnapshot) *event.Event {
	id := task.ID
	return &event.Event{
		Type:        typ,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &actor,
		ProjectID:   task.ProjectID,
		TaskID:      &id,
		Task:        task,
	}
}

func findTarget(p *Plan, user uuid.UUID) *db.UpsertAttentionParams {
	for i := range p.Targets {
		if p.Targets[i].UserID == user {
			return &p.Targets[i]
		}
	}
	return nil
}

func TestBuildPlan_TaskCreated(t *testing.T) {
	actor := uuid.New()
	assignee := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "New task",
		Priority:  db.PriorityNormal,
		Assignees: []uuid.UUID{assignee, actor},
	}

	plan := BuildPlan(taskEvent(event.TypeTaskCreated, actor, task), Aux{})

	if len(plan.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(plan.Targets))
	}
	target := plan.Targets[0]
	if target.UserID != assignee {
		t.Errorf("actor must not be a recipient")
	}
	if target.Kind != db.KindAssignment {
		t.Errorf("kind mismatch: got %s", target.Kind)
	}
	if target.Priority != db.PriorityHigh {
		t.Errorf("assignment should be high priority, got %s", target.Priority)
	}
	if !strings.HasPrefix(target.DedupKey, "assignment:") {
		t.Errorf("dedup key mismatch: %s", target.DedupKey)
	}
	if !target.ElevateUnread {
		t.Errorf("assignment should clear read state on repeat")
	}
}

func TestBuildPlan_UrgentTaskElevates(t *testing.T) {
	actor := uuid.New()
	assignee := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "Hot",
		Priority:  db.PriorityUrgent,
		Assignees: []uuid.UUID{assignee},
	}

	plan := BuildPlan(taskEvent(event.TypeTaskCreated, actor, task), Aux{})
	if plan.Targets[0].Priority != db.PriorityUrgent {
		t.Errorf("urgent task should elevate assignment to urgent, got %s", plan.Targets[0].Priority)
	}
}

func TestBuildPlan_TaskUpdated_AssigneeChurn(t *testing.T) {
	actor := uuid.New()
	kept, added, removed := uuid.New(), uuid.New(), uuid.New()
	old := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		Assignees: []uuid.UUID{kept, removed},
	}
	new := *old
	new.Assignees = []uuid.UUID{kept, added}

	ev := taskEvent(event.TypeTaskUpdated, actor, &new)
	ev.OldTask = old

	plan := BuildPlan(ev, Aux{})

	if len(plan.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(plan.Targets))
	}
	if tg := findTarget(plan, added); tg == nil || tg.Kind != db.KindAssignment {
		t.Errorf("added assignee should get an assignment item")
	}
	if tg := findTarget(plan, removed); tg == nil || tg.Kind != db.KindUnassignment {
		t.Errorf("removed assignee should get an unassignment item")
	}
	if tg := findTarget(plan, kept); tg != nil {
		t.Errorf("kept assignee should get nothing")
	}
}

func TestBuildPlan_DueDatePushedDismisses(t *testing.T) {
	actor := uuid.New()
	oldDue := time.Now().Add(2 * time.Hour)
	newDue := oldDue.Add(48 * time.Hour)
	old := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		DueAt:     &oldDue,
	}
	new := *old
	new.DueAt = &newDue

	ev := taskEvent(event.TypeTaskUpdated, actor, &new)
	ev.OldTask = old

	plan := BuildPlan(ev, Aux{})
	if len(plan.Dismissals) != 2 {
		t.Fatalf("expected due_soon and overdue dismissals, got %v", plan.Dismissals)
	}
	for _, key := range plan.Dismissals {
		if !strings.Contains(key, old.ID.String()) {
			t.Errorf("dismissal key not scoped to the task: %s", key)
		}
	}
}

func TestBuildPlan_DueDateMovedEarlierKeepsItems(t *testing.T) {
	actor := uuid.New()
	oldDue := time.Now().Add(48 * time.Hour)
	newDue := oldDue.Add(-24 * time.Hour)
	old := &event.TaskSnapshot{ID: uuid.New(), ProjectID: uuid.New(), DueAt: &oldDue}
	new := *old
	new.DueAt = &newDue

	ev := taskEvent(event.TypeTaskUpdated, actor, &new)
	ev.OldTask = old

	plan := BuildPlan(ev, Aux{})
	if len(plan.Dismissals) != 0 {
		t.Errorf("moving a due date earlier must not dismiss, got %v", plan.Dismissals)
	}
}

func TestBuildPlan_StageChanged(t *testing.T) {
	actor := uuid.New()
	assignee := uuid.New()
	watcher := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		Assignees: []uuid.UUID{assignee},
	}

	ev := taskEvent(event.TypeTaskStageChanged, actor, task)
	ev.OldStage, ev.NewStage = event.StageInProgress, event.StageReview

	plan := BuildPlan(ev, Aux{Watchers: []uuid.UUID{watcher, assignee, actor}})

	// assignee appears in both sets and must be planned once.
	if len(plan.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(plan.Targets))
	}
	for _, tg := range plan.Targets {
		if tg.Kind != db.KindStatusChange {
			t.Errorf("kind mismatch: %s", tg.Kind)
		}
		if !strings.HasSuffix(tg.DedupKey, ":"+event.StageReview) {
			t.Errorf("dedup key must carry the new stage: %s", tg.DedupKey)
		}
	}
}

func TestBuildPlan_CompletionDismissesDueItems(t *testing.T) {
	actor := uuid.New()
	task := &event.TaskSnapshot{ID: uuid.New(), ProjectID: uuid.New(), Title: "T"}

	ev := taskEvent(event.TypeTaskStageChanged, actor, task)
	ev.OldStage, ev.NewStage = event.StageReview, event.StageDone

	plan := BuildPlan(ev, Aux{})
	wantSoon := "due_soon:" + task.ID.String()
	wantOverdue := "overdue:" + task.ID.String()
	found := map[string]bool{}
	for _, key := range plan.Dismissals {
		found[key] = true
	}
	if !found[wantSoon] || !found[wantOverdue] {
		t.Errorf("completion must dismiss due items, got %v", plan.Dismissals)
	}
}

func TestBuildPlan_ReopenDismissesDonePending(t *testing.T) {
	actor := uuid.New()
	task := &event.TaskSnapshot{ID: uuid.New(), ProjectID: uuid.New(), Title: "T"}

	ev := taskEvent(event.TypeTaskStageChanged, actor, task)
	ev.OldStage, ev.NewStage = event.StageDone, event.StageInProgress

	plan := BuildPlan(ev, Aux{})
	want := "status_change:" + task.ID.String() + ":" + event.StageDone
	found := false
	for _, key := range plan.Dismissals {
		if key == want {
			found = true
		}
	}
	if !found {
		t.Errorf("reopening must dismiss the done item, got %v", plan.Dismissals)
	}
}

func TestBuildPlan_CommentRecipients(t *testing.T) {
	author := uuid.New()
	assignee := uuid.New()
	creator := uuid.New()
	participant := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		CreatorID: creator,
		Assignees: []uuid.UUID{assignee},
	}

	ev := taskEvent(event.TypeCommentCreated, author, task)
	ev.Comment = &event.CommentSnapshot{
		ID:       uuid.New(),
		TaskID:   task.ID,
		AuthorID: author,
		Body:     strings.Repeat("x", 400),
	}

	plan := BuildPlan(ev, Aux{Participants: []uuid.UUID{participant, author}})

	if len(plan.Targets) != 3 {
		t.Fatalf("expected assignee+creator+participant, got %d", len(plan.Targets))
	}
	tg := findTarget(plan, assignee)
	if tg == nil || tg.Body == nil {
		t.Fatal("comment target missing body")
	}
	if got := len([]rune(*tg.Body)); got > 281 {
		t.Errorf("body not truncated: %d runes", got)
	}
	if tg.CommentID == nil || *tg.CommentID != ev.Comment.ID {
		t.Errorf("comment reference missing")
	}
}

func TestBuildPlan_MentionDoesNotElevateUnread(t *testing.T) {
	mentioner := uuid.New()
	mentioned := uuid.New()
	commentID := uuid.New()
	taskID := uuid.New()

	ev := &event.Event{
		Type:        event.TypeMentionCreated,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &mentioner,
		ProjectID:   uuid.New(),
		TaskID:      &taskID,
		Mention: &event.MentionPayload{
			MentionID:       uuid.New(),
			MentionedUserID: mentioned,
			MentionerUserID: mentioner,
			TaskID:          &taskID,
			CommentID:       &commentID,
		},
	}

	plan := BuildPlan(ev, Aux{})
	if len(plan.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(plan.Targets))
	}
	tg := plan.Targets[0]
	if tg.ElevateUnread {
		t.Errorf("repeat mention must not clear read state")
	}
	if tg.Kind != db.KindMention || tg.Priority != db.PriorityHigh {
		t.Errorf("mention kind/priority mismatch: %s/%s", tg.Kind, tg.Priority)
	}
	if tg.MentionID == nil || *tg.MentionID != ev.Mention.MentionID {
		t.Errorf("mention reference missing")
	}
	if want := "mention:" + commentID.String() + ":" + mentioned.String(); tg.DedupKey != want {
		t.Errorf("dedup key mismatch: got %s, want %s", tg.DedupKey, want)
	}
}

func TestBuildPlan_SelfMentionDropped(t *testing.T) {
	user := uuid.New()
	taskID := uuid.New()
	ev := &event.Event{
		Type:        event.TypeMentionCreated,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &user,
		ProjectID:   uuid.New(),
		TaskID:      &taskID,
		Mention: &event.MentionPayload{
			MentionID:       uuid.New(),
			MentionedUserID: user,
			MentionerUserID: user,
			TaskID:          &taskID,
		},
	}

	plan := BuildPlan(ev, Aux{})
	if len(plan.Targets) != 0 {
		t.Errorf("self mention must produce no targets")
	}
}

func TestBuildPlan_DueThresholds(t *testing.T) {
	assignee := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		Assignees: []uuid.UUID{assignee},
	}

	t.Run("soon", func(t *testing.T) {
		id := task.ID
		ev := &event.Event{
			Type:       event.TypeDueThresholdCrossed,
			OccurredAt: time.Now().UTC(),
			ProjectID:  task.ProjectID,
			TaskID:     &id,
			Task:       task,
			Threshold:  event.ThresholdSoon,
		}
		plan := BuildPlan(ev, Aux{})
		if len(plan.Targets) != 1 {
			t.Fatalf("expected 1 target, got %d", len(plan.Targets))
		}
		tg := plan.Targets[0]
		if tg.Kind != db.KindDueSoon || tg.Priority != db.PriorityHigh {
			t.Errorf("due_soon kind/priority mismatch: %s/%s", tg.Kind, tg.Priority)
		}
		if tg.ElevateUnread {
			t.Errorf("scanner re-emission must not clear read state")
		}
	})

	t.Run("overdue", func(t *testing.T) {
		id := task.ID
		ev := &event.Event{
			Type:       event.TypeDueThresholdCrossed,
			OccurredAt: time.Now().UTC(),
			ProjectID:  task.ProjectID,
			TaskID:     &id,
			Task:       task,
			Threshold:  event.ThresholdOverdue,
		}
		plan := BuildPlan(ev, Aux{})
		tg := plan.Targets[0]
		if tg.Kind != db.KindOverdue || tg.Priority != db.PriorityUrgent {
			t.Errorf("overdue kind/priority mismatch: %s/%s", tg.Kind, tg.Priority)
		}
	})
}

func TestBuildPlan_DeleteHasNoRecipients(t *testing.T) {
	actor := uuid.New()
	task := &event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		Assignees: []uuid.UUID{uuid.New()},
	}
	plan := BuildPlan(taskEvent(event.TypeTaskDeleted, actor, task), Aux{})
	if len(plan.Targets) != 0 {
		t.Errorf("delete must produce no attention items")
	}
	if plan.Activity == nil {
		t.Errorf("delete should still log activity")
	}
}
