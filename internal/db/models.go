package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Attention kinds
const (
	KindMention      = "mention"
	KindAssignment   = "assignment"
	KindUnassignment = "unassignment"
	KindDueSoon      = "due_soon"
	KindOverdue      = "overdue"
	KindComment      = "comment"
	KindStatusChange = "status_change"
)

// Priorities, lowest to highest
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var priorityRank = map[string]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// PriorityRank returns the sort rank for a priority, defaulting to normal.
func PriorityRank(p string) int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Elevate bumps a priority one level, capping at urgent.
func Elevate(p string) string {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh, PriorityUrgent:
		return PriorityUrgent
	default:
		return p
	}
}

// AttentionItem is the recipient-scoped record that powers the inbox.
// At most one non-dismissed row exists per (user_id, dedup_key).
type AttentionItem struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Kind        string     `json:"kind"`
	Priority    string     `json:"priority"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	CommentID   *uuid.UUID `json:"comment_id,omitempty"`
	MentionID   *uuid.UUID `json:"mention_id,omitempty"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	Title       string     `json:"title"`
	Body        *string    `json:"body,omitempty"`
	DedupKey    string     `json:"dedup_key"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	ActionedAt  *time.Time `json:"actioned_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Notification is the lightweight bell-icon counterpart of an AttentionItem.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Mention records one @handle hit. Immutable except read_at.
type Mention struct {
	ID              uuid.UUID  `json:"id"`
	MentionedUserID uuid.UUID  `json:"mentioned_user_id"`
	MentionerUserID uuid.UUID  `json:"mentioner_user_id"`
	TaskID          *uuid.UUID `json:"task_id,omitempty"`
	CommentID       *uuid.UUID `json:"comment_id,omitempty"`
	ProjectID       uuid.UUID  `json:"project_id"`
	CreatedAt       time.Time  `json:"created_at"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
}

// SlackConfig is a project's incoming-webhook integration. Unique per project.
type SlackConfig struct {
	ProjectID  uuid.UUID `json:"project_id"`
	WebhookURL string    `json:"webhook_url"`
	ChannelID  *string   `json:"channel_id,omitempty"`
	OnCreate   bool      `json:"on_create"`
	OnUpdate   bool      `json:"on_update"`
	OnDelete   bool      `json:"on_delete"`
	OnMove     bool      `json:"on_move"`
	OnComplete bool      `json:"on_complete"`
	CreatedBy  uuid.UUID `json:"created_by"`
}

// ActivityLogEntry is append-only; writers never update or delete rows.
type ActivityLogEntry struct {
	ID         uuid.UUID       `json:"id"`
	ProjectID  *uuid.UUID      `json:"project_id,omitempty"`
	TaskID     *uuid.UUID      `json:"task_id,omitempty"`
	UserID     uuid.UUID       `json:"user_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	OldValues  json.RawMessage `json:"old_values,omitempty"`
	NewValues  json.RawMessage `json:"new_values,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Activity actions written by this service.
const (
	ActionSlackFailed   = "slack_failed"
	ActionEventRejected = "event_rejected"
	ActionFanout        = "attention_fanout"
)

// TaskRecord is the store's view of a task. The Slack pointers are the only
// columns this service writes.
type TaskRecord struct {
	ID             uuid.UUID   `json:"id"`
	ProjectID      uuid.UUID   `json:"project_id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Stage          string      `json:"stage"`
	Priority       string      `json:"priority"`
	CreatorID      uuid.UUID   `json:"creator_id"`
	Assignees      []uuid.UUID `json:"assignees"`
	DueAt          *time.Time  `json:"due_at,omitempty"`
	SlackThreadTS  *string     `json:"slack_thread_ts,omitempty"`
	SlackMessageTS *string     `json:"slack_message_ts,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
