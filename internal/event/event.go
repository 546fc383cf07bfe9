// Package event defines the typed domain events consumed by the fanout
// pipeline and the JSON envelope they travel in.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskline/attentiond/internal/fault"
)

// Event type variants.
const (
	TypeTaskCreated         = "task.created"
	TypeTaskUpdated         = "task.updated"
	TypeTaskStageChanged    = "task.stage_changed"
	TypeTaskDeleted         = "task.deleted"
	TypeCommentCreated      = "comment.created"
	TypeMentionCreated      = "mention.created"
	TypeDueThresholdCrossed = "due.threshold_crossed"
)

// Due thresholds for TypeDueThresholdCrossed.
const (
	ThresholdSoon    = "soon"
	ThresholdOverdue = "overdue"
)

// Task stages. StageDone is the only terminal stage.
const (
	StageTodo       = "todo"
	StageInProgress = "in_progress"
	StageReview     = "review"
	StageDone       = "done"
)

// TaskSnapshot is the task state carried inside event payloads.
type TaskSnapshot struct {
	ID          uuid.UUID   `json:"id"`
	ProjectID   uuid.UUID   `json:"project_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Stage       string      `json:"stage"`
	Priority    string      `json:"priority"`
	Assignees   []uuid.UUID `json:"assignees"`
	CreatorID   uuid.UUID   `json:"creator_id"`
	DueAt       *time.Time  `json:"due_at,omitempty"`
}

// CommentSnapshot is the comment state carried inside event payloads.
type CommentSnapshot struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// MentionPayload is the mention record carried by mention.created.
type MentionPayload struct {
	MentionID       uuid.UUID  `json:"mention_id"`
	MentionedUserID uuid.UUID  `json:"mentioned_user_id"`
	MentionerUserID uuid.UUID  `json:"mentioner_user_id"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	CommentID       *uuid.UUID `json:"comment_id,omitempty"`
	ProjectID       uuid.UUID  `json:"project_id"`
}

// Envelope is the wire format accepted by the event ingress.
type Envelope struct {
	Type        string          `json:"type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ActorUserID *uuid.UUID      `json:"actor_user_id"`
	ProjectID   uuid.UUID       `json:"project_id"`
	TaskID      *uuid.UUID      `json:"task_id"`
	Payload     json.RawMessage `json:"payload"`
}

// Event is a decoded, validated domain event. Exactly the fields relevant
// to the variant are populated.
type Event struct {
	Type        string
	OccurredAt  time.Time
	ActorUserID *uuid.UUID
	ProjectID   uuid.UUID
	TaskID      *uuid.UUID

	Task    *TaskSnapshot
	OldTask *TaskSnapshot
	Comment *CommentSnapshot
	Mention *MentionPayload

	OldStage  string
	NewStage  string
	Threshold string
}

// Actor returns the acting user ID, or uuid.Nil for system events.
func (e *Event) Actor() uuid.UUID {
	if e.ActorUserID == nil {
		return uuid.Nil
	}
	return *e.ActorUserID
}

type taskPayload struct {
	Task *TaskSnapshot `json:"task"`
}

type updatedPayload struct {
	Old *TaskSnapshot `json:"old"`
	New *TaskSnapshot `json:"new"`
}

type stagePayload struct {
	Task     *TaskSnapshot `json:"task"`
	OldStage string        `json:"old_stage"`
	NewStage string        `json:"new_stage"`
}

type commentPayload struct {
	Comment *CommentSnapshot `json:"comment"`
	Task    *TaskSnapshot    `json:"task"`
}

type mentionPayload struct {
	Mention *MentionPayload `json:"mention"`
}

type duePayload struct {
	Task      *TaskSnapshot `json:"task"`
	Threshold string        `json:"threshold"`
}

// Decode parses and validates a raw envelope. Malformed input is reported
// as fault.KindBadInput so the consumer acknowledges instead of retrying.
func Decode(data []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.BadInput("decode envelope: %v", err)
	}
	return FromEnvelope(&env)
}

// FromEnvelope validates an already-unmarshaled envelope.
func FromEnvelope(env *Envelope) (*Event, error) {
	if env.ProjectID == uuid.Nil {
		return nil, fault.BadInput("event %q missing project_id", env.Type)
	}
	if env.OccurredAt.IsZero() {
		return nil, fault.BadInput("event %q missing occurred_at", env.Type)
	}

	ev := &Event{
		Type:        env.Type,
		OccurredAt:  env.OccurredAt,
		ActorUserID: env.ActorUserID,
		ProjectID:   env.ProjectID,
		TaskID:      env.TaskID,
	}

	switch env.Type {
	case TypeTaskCreated, TypeTaskDeleted:
		var p taskPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Task == nil {
			return nil, fault.BadInput("event %q: missing task snapshot", env.Type)
		}
		ev.Task = p.Task

	case TypeTaskUpdated:
		var p updatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Old == nil || p.New == nil {
			return nil, fault.BadInput("event %q: needs old and new snapshots", env.Type)
		}
		ev.OldTask, ev.Task = p.Old, p.New

	case TypeTaskStageChanged:
		var p stagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Task == nil {
			return nil, fault.BadInput("event %q: missing task snapshot", env.Type)
		}
		if p.OldStage == "" || p.NewStage == "" {
			return nil, fault.BadInput("event %q: missing stages", env.Type)
		}
		ev.Task, ev.OldStage, ev.NewStage = p.Task, p.OldStage, p.NewStage

	case TypeCommentCreated:
		var p commentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Comment == nil || p.Task == nil {
			return nil, fault.BadInput("event %q: needs comment and task", env.Type)
		}
		ev.Comment, ev.Task = p.Comment, p.Task

	case TypeMentionCreated:
		var p mentionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Mention == nil {
			return nil, fault.BadInput("event %q: missing mention", env.Type)
		}
		if p.Mention.TaskID == nil && p.Mention.CommentID == nil {
			return nil, fault.BadInput("mention must reference a task or a comment")
		}
		ev.Mention = p.Mention

	case TypeDueThresholdCrossed:
		var p duePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Task == nil {
			return nil, fault.BadInput("event %q: missing task snapshot", env.Type)
		}
		if p.Threshold != ThresholdSoon && p.Threshold != ThresholdOverdue {
			return nil, fault.BadInput("unknown due threshold %q", p.Threshold)
		}
		ev.Task, ev.Threshold = p.Task, p.Threshold

	default:
		return nil, fault.BadInput("unknown event type %q", env.Type)
	}

	if ev.Task != nil && ev.TaskID == nil {
		id := ev.Task.ID
		ev.TaskID = &id
	}
	return ev, nil
}

// Encode wraps a variant payload back into an envelope for transport.
func Encode(typ string, occurredAt time.Time, actor *uuid.UUID, projectID uuid.UUID, taskID *uuid.UUID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:        typ,
		OccurredAt:  occurredAt,
		ActorUserID: actor,
		ProjectID:   projectID,
		TaskID:      taskID,
		Payload:     raw,
	})
}

// NewDueCrossed builds a due.threshold_crossed envelope for the scanner.
func NewDueCrossed(task *TaskSnapshot, threshold string, now time.Time) ([]byte, error) {
	id := task.ID
	return Encode(TypeDueThresholdCrossed, now, nil, task.ProjectID, &id, duePayload{Task: task, Threshold: threshold})
}

// NewMentionCreated builds a mention.created envelope for the extractor.
func NewMentionCreated(m *MentionPayload, actor uuid.UUID, now time.Time) ([]byte, error) {
	a := actor
	return Encode(TypeMentionCreated, now, &a, m.ProjectID, m.TaskID, mentionPayload{Mention: m})
}
