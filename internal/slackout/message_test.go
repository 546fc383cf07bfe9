package slackout

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskline/attentiond/internal/event"
)

func TestBuildMessage_StageChange(t *testing.T) {
	ev := testEvent(event.TypeTaskStageChanged)
	ev.OldStage, ev.NewStage = event.StageTodo, event.StageReview

	text, blocks := BuildMessage(ev)
	if !strings.Contains(text, ev.Task.Title) {
		t.Errorf("text must carry the task title: %s", text)
	}
	if !strings.Contains(text, event.StageReview) {
		t.Errorf("text must carry the new stage: %s", text)
	}
	if len(blocks) == 0 {
		t.Errorf("expected at least one block")
	}
}

func TestBuildMessage_UpdateChangeSummary(t *testing.T) {
	due := time.Now().Add(24 * time.Hour)
	ev := testEvent(event.TypeTaskUpdated)
	old := *ev.Task
	old.Title = "Old title"
	old.DueAt = nil
	ev.OldTask = &old
	ev.Task.DueAt = &due

	text, blocks := BuildMessage(ev)
	if text == "" {
		t.Fatal("fallback text must be non-empty")
	}
	if len(blocks) != 2 {
		t.Fatalf("expected summary block, got %d blocks", len(blocks))
	}
}

func TestBuildMessage_CommentPreviewTruncated(t *testing.T) {
	ev := testEvent(event.TypeCommentCreated)
	ev.Comment = &event.CommentSnapshot{
		ID:       uuid.New(),
		TaskID:   ev.Task.ID,
		AuthorID: uuid.New(),
		Body:     strings.Repeat("a", 500),
	}

	_, blocks := BuildMessage(ev)
	if len(blocks) != 2 {
		t.Fatalf("expected preview block, got %d blocks", len(blocks))
	}
}
