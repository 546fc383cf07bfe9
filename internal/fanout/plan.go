// Package fanout converts domain events into per-recipient attention
// items, notifications and activity entries.
package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
)

const maxNotifyBody = 280

// Aux carries recipient sets that live in the store rather than on the
// event: watchers and comment thread participants.
type Aux struct {
	Watchers     []uuid.UUID
	Participants []uuid.UUID
}

// Plan is the full set of writes one event produces. Built without side
// effects so recipient and dedup rules are testable in isolation.
type Plan struct {
	Targets    []db.UpsertAttentionParams
	Dismissals []string
	Activity   *db.ActivityLogEntry
}

// BuildPlan computes recipients, kinds, priorities and dedup keys for one
// event. The actor never appears as a recipient.
func BuildPlan(ev *event.Event, aux Aux) *Plan {
	p := &Plan{}
	actor := ev.Actor()

	switch ev.Type {
	case event.TypeTaskCreated:
		for _, user := range ev.Task.Assignees {
			p.add(ev, user, db.KindAssignment, db.PriorityHigh,
				assignmentKey(ev.Task.ID, user),
				fmt.Sprintf("Assigned: %s", ev.Task.Title), nil, true)
		}

	case event.TypeTaskUpdated:
		for _, user := range event.AddedAssignees(ev.OldTask, ev.Task) {
			p.add(ev, user, db.KindAssignment, db.PriorityHigh,
				assignmentKey(ev.Task.ID, user),
				fmt.Sprintf("Assigned: %s", ev.Task.Title), nil, true)
		}
		for _, user := range event.RemovedAssignees(ev.OldTask, ev.Task) {
			p.add(ev, user, db.KindUnassignment, db.PriorityNormal,
				fmt.Sprintf("unassignment:%s:%s", ev.Task.ID, user),
				fmt.Sprintf("Unassigned: %s", ev.Task.Title), nil, true)
		}
		p.planDueResolution(ev)

	case event.TypeTaskStageChanged:
		key := stageKey(ev.Task.ID, ev.NewStage)
		title := fmt.Sprintf("%s moved to %s", ev.Task.Title, ev.NewStage)
		for _, user := range ev.Task.Assignees {
			p.add(ev, user, db.KindStatusChange, db.PriorityNormal, key, title, nil, true)
		}
		for _, user := range aux.Watchers {
			p.add(ev, user, db.KindStatusChange, db.PriorityNormal, key, title, nil, true)
		}
		// A task leaving done reopens its approval; the pending item for
		// the done transition no longer applies.
		if ev.OldStage == event.StageDone && ev.NewStage != event.StageDone {
			p.Dismissals = append(p.Dismissals, stageKey(ev.Task.ID, event.StageDone))
		}
		// Completing a task resolves its deadline pressure.
		if ev.NewStage == event.StageDone {
			p.Dismissals = append(p.Dismissals,
				dueKey(db.KindDueSoon, ev.Task.ID), dueKey(db.KindOverdue, ev.Task.ID))
		}

	case event.TypeCommentCreated:
		key := fmt.Sprintf("comment:%s:%s", ev.Task.ID, actor)
		title := fmt.Sprintf("New comment on %s", ev.Task.Title)
		body := truncate(ev.Comment.Body, maxNotifyBody)
		for _, user := range ev.Task.Assignees {
			p.add(ev, user, db.KindComment, db.PriorityNormal, key, title, &body, true)
		}
		p.add(ev, ev.Task.CreatorID, db.KindComment, db.PriorityNormal, key, title, &body, true)
		for _, user := range aux.Participants {
			p.add(ev, user, db.KindComment, db.PriorityNormal, key, title, &body, true)
		}

	case event.TypeMentionCreated:
		m := ev.Mention
		ref := ""
		if m.CommentID != nil {
			ref = m.CommentID.String()
		} else {
			ref = m.TaskID.String()
		}
		// A repeated mention of the same user in the same body is not new
		// information; it must not clear read_at.
		params := db.UpsertAttentionParams{
			UserID:        m.MentionedUserID,
			Kind:          db.KindMention,
			Priority:      elevateIfUrgent(ev, db.PriorityHigh),
			TaskID:        m.TaskID,
			CommentID:     m.CommentID,
			ProjectID:     &ev.ProjectID,
			ActorUserID:   ev.ActorUserID,
			Title:         "You were mentioned",
			DedupKey:      fmt.Sprintf("mention:%s:%s", ref, m.MentionedUserID),
			ElevateUnread: false,
		}
		id := m.MentionID
		params.MentionID = &id
		if m.MentionedUserID != m.MentionerUserID {
			p.Targets = append(p.Targets, params)
		}

	case event.TypeDueThresholdCrossed:
		kind, priority := db.KindDueSoon, db.PriorityHigh
		title := fmt.Sprintf("Due soon: %s", ev.Task.Title)
		if ev.Threshold == event.ThresholdOverdue {
			kind, priority = db.KindOverdue, db.PriorityUrgent
			title = fmt.Sprintf("Overdue: %s", ev.Task.Title)
		}
		for _, user := range ev.Task.Assignees {
			// The scanner re-emits every tick; touches must not reset
			// read state.
			p.add(ev, user, kind, priority, dueKey(kind, ev.Task.ID), title, nil, false)
		}

	case event.TypeTaskDeleted:
		// No recipients; domain rows cascade. Slack gets its own say via
		// the on_delete flag.
	}

	p.Activity = activityFor(ev, len(p.Targets))
	return p
}

// add appends a target unless it is the actor or already planned.
func (p *Plan) add(ev *event.Event, user uuid.UUID, kind, priority, dedupKey, title string, body *string, elevateUnread bool) {
	if user == uuid.Nil || user == ev.Actor() {
		return
	}
	for _, t := range p.Targets {
		if t.UserID == user && t.DedupKey == dedupKey {
			return
		}
	}
	p.Targets = append(p.Targets, db.UpsertAttentionParams{
		UserID:        user,
		Kind:          kind,
		Priority:      elevateIfUrgent(ev, priority),
		TaskID:        ev.TaskID,
		CommentID:     commentRef(ev),
		ProjectID:     &ev.ProjectID,
		ActorUserID:   ev.ActorUserID,
		Title:         title,
		Body:          body,
		DedupKey:      dedupKey,
		ElevateUnread: elevateUnread,
	})
}

// planDueResolution dismisses due items when the due date is cleared or
// pushed later.
func (p *Plan) planDueResolution(ev *event.Event) {
	old, new := ev.OldTask.DueAt, ev.Task.DueAt
	cleared := old != nil && new == nil
	pushed := old != nil && new != nil && new.After(*old)
	if cleared || pushed {
		p.Dismissals = append(p.Dismissals,
			dueKey(db.KindDueSoon, ev.Task.ID), dueKey(db.KindOverdue, ev.Task.ID))
	}
}

func elevateIfUrgent(ev *event.Event, priority string) string {
	if ev.Task != nil && ev.Task.Priority == db.PriorityUrgent {
		return db.Elevate(priority)
	}
	return priority
}

func assignmentKey(taskID, userID uuid.UUID) string {
	return fmt.Sprintf("assignment:%s:%s", taskID, userID)
}

func stageKey(taskID uuid.UUID, stage string) string {
	return fmt.Sprintf("status_change:%s:%s", taskID, stage)
}

func dueKey(kind string, taskID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", kind, taskID)
}

func commentRef(ev *event.Event) *uuid.UUID {
	if ev.Comment == nil {
		return nil
	}
	id := ev.Comment.ID
	return &id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

func activityFor(ev *event.Event, targets int) *db.ActivityLogEntry {
	entityType, entityID := "task", uuid.Nil
	switch {
	case ev.Mention != nil:
		entityType, entityID = "mention", ev.Mention.MentionID
	case ev.Comment != nil:
		entityType, entityID = "comment", ev.Comment.ID
	case ev.TaskID != nil:
		entityID = *ev.TaskID
	}
	detail, _ := json.Marshal(map[string]any{
		"event":      ev.Type,
		"recipients": targets,
	})
	return &db.ActivityLogEntry{
		ProjectID:  &ev.ProjectID,
		TaskID:     ev.TaskID,
		UserID:     ev.Actor(),
		Action:     db.ActionFanout,
		EntityType: entityType,
		EntityID:   entityID,
		NewValues:  detail,
	}
}
