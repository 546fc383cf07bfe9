// Package mention turns @handle tokens in task and comment bodies into
// Mention records and mention.created events.
package mention

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fault"
)

// A token is an @ followed by a handle, bounded on the left by start of
// body or a non-handle character. "user@host.com" is not a mention.
var tokenRe = regexp.MustCompile(`(^|[^A-Za-z0-9._-])@([A-Za-z0-9._-]{1,64})`)

// ExtractHandles returns the lowercased handle tokens found in body, in
// order of first appearance, without duplicates.
func ExtractHandles(body string) []string {
	var handles []string
	seen := make(map[string]struct{})
	for _, m := range tokenRe.FindAllStringSubmatch(body, -1) {
		h := strings.ToLower(m[2])
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		handles = append(handles, h)
	}
	return handles
}

// Resolver maps handles to project members.
type Resolver interface {
	ResolveHandles(ctx context.Context, projectID uuid.UUID, handles []string) (map[string]uuid.UUID, error)
}

// Store persists mention records.
type Store interface {
	InsertMention(ctx context.Context, m *db.Mention) (bool, error)
}

// Publisher enqueues follow-up events.
type Publisher interface {
	Publish(ctx context.Context, envelope []byte) error
}

type Extractor struct {
	resolver  Resolver
	store     Store
	publisher Publisher
	logger    *zap.Logger
}

func New(resolver Resolver, store Store, publisher Publisher, logger *zap.Logger) *Extractor {
	return &Extractor{resolver: resolver, store: store, publisher: publisher, logger: logger}
}

// ExtractComment scans a comment body. Inserted mentions produce
// mention.created events; re-extraction after a retried event inserts and
// emits nothing.
func (e *Extractor) ExtractComment(ctx context.Context, ev *event.Event) error {
	c := ev.Comment
	return e.extract(ctx, ev, c.Body, &c.TaskID, &c.ID, c.AuthorID)
}

// ExtractTask scans a task description on create, or on update when the
// description changed.
func (e *Extractor) ExtractTask(ctx context.Context, ev *event.Event) error {
	if ev.Type == event.TypeTaskUpdated && ev.OldTask.Description == ev.Task.Description {
		return nil
	}
	taskID := ev.Task.ID
	return e.extract(ctx, ev, ev.Task.Description, &taskID, nil, ev.Actor())
}

func (e *Extractor) extract(ctx context.Context, ev *event.Event, body string, taskID, commentID *uuid.UUID, author uuid.UUID) error {
	if !utf8.ValidString(body) {
		return fault.BadInput("body is not valid UTF-8")
	}

	handles := ExtractHandles(body)
	if len(handles) == 0 {
		return nil
	}

	resolved, err := e.resolver.ResolveHandles(ctx, ev.ProjectID, handles)
	if err != nil {
		return fmt.Errorf("resolve handles: %w", err)
	}

	for _, h := range handles {
		userID, ok := resolved[h]
		if !ok {
			// Unresolved handles are dropped, not an error.
			continue
		}
		if userID == author {
			continue
		}

		m := &db.Mention{
			MentionedUserID: userID,
			MentionerUserID: author,
			TaskID:          taskID,
			CommentID:       commentID,
			ProjectID:       ev.ProjectID,
		}
		// Idempotent: a retried event finds the existing row and re-emits
		// the same mention event, which the planner dedups.
		_, err := e.store.InsertMention(ctx, m)
		if err != nil {
			return fmt.Errorf("insert mention @%s: %w", h, err)
		}

		payload := &event.MentionPayload{
			MentionID:       m.ID,
			MentionedUserID: m.MentionedUserID,
			MentionerUserID: m.MentionerUserID,
			TaskID:          m.TaskID,
			CommentID:       m.CommentID,
			ProjectID:       m.ProjectID,
		}
		envelope, err := event.NewMentionCreated(payload, author, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("encode mention event: %w", err)
		}
		if err := e.publisher.Publish(ctx, envelope); err != nil {
			return fault.Transient(fmt.Errorf("publish mention event: %w", err))
		}

		e.logger.Debug("mention extracted",
			zap.String("handle", h),
			zap.String("mentioned_user_id", userID.String()),
			zap.String("project_id", ev.ProjectID.String()),
		)
	}
	return nil
}
