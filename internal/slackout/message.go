package slackout

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/taskline/attentiond/internal/event"
)

const maxCommentPreview = 200

// BuildMessage renders an event as Slack blocks. The plain-text fallback
// is always non-empty so clients without block support still render
// something.
func BuildMessage(ev *event.Event) (string, []slack.Block) {
	var text string
	var lines []string

	switch ev.Type {
	case event.TypeTaskCreated:
		text = fmt.Sprintf(":new: Task created: %s", ev.Task.Title)

	case event.TypeTaskUpdated:
		text = fmt.Sprintf(":pencil2: Task updated: %s", ev.Task.Title)
		lines = changeSummary(ev.OldTask, ev.Task)

	case event.TypeTaskStageChanged:
		text = fmt.Sprintf(":arrows_counterclockwise: %s: %s → %s",
			ev.Task.Title, ev.OldStage, ev.NewStage)

	case event.TypeTaskDeleted:
		text = fmt.Sprintf(":wastebasket: Task deleted: %s", ev.Task.Title)

	case event.TypeCommentCreated:
		text = fmt.Sprintf(":speech_balloon: New comment on %s", ev.Task.Title)
		body := ev.Comment.Body
		if len([]rune(body)) > maxCommentPreview {
			body = string([]rune(body)[:maxCommentPreview]) + "…"
		}
		lines = append(lines, "> "+strings.ReplaceAll(body, "\n", "\n> "))

	default:
		text = fmt.Sprintf("Task update: %s", ev.Task.Title)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
	if len(lines) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false),
			nil, nil,
		))
	}
	return text, blocks
}

func changeSummary(old, new *event.TaskSnapshot) []string {
	var lines []string
	for _, field := range event.ChangedFields(old, new) {
		switch field {
		case event.FieldTitle:
			lines = append(lines, fmt.Sprintf("*title*: %s → %s", old.Title, new.Title))
		case event.FieldDescription:
			lines = append(lines, "*description* updated")
		case event.FieldAssignees:
			lines = append(lines, fmt.Sprintf("*assignees*: %d → %d", len(old.Assignees), len(new.Assignees)))
		case event.FieldDueAt:
			lines = append(lines, fmt.Sprintf("*due*: %s → %s", formatDue(old), formatDue(new)))
		case event.FieldPriority:
			lines = append(lines, fmt.Sprintf("*priority*: %s → %s", old.Priority, new.Priority))
		case event.FieldStage:
			lines = append(lines, fmt.Sprintf("*stage*: %s → %s", old.Stage, new.Stage))
		}
	}
	return lines
}

func formatDue(t *event.TaskSnapshot) string {
	if t.DueAt == nil {
		return "none"
	}
	return t.DueAt.UTC().Format("2006-01-02 15:04")
}
