// Package api exposes the event intake and inbox endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fault"
)

// InboxRepository defines the attention store operations the API uses.
type InboxRepository interface {
	ListInbox(ctx context.Context, userID uuid.UUID, filter db.InboxFilter, cursor string, limit int) ([]*db.AttentionItem, string, error)
	InboxCounts(ctx context.Context, userID uuid.UUID) ([]db.KindCount, error)
	MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error
	MarkDismissed(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error
	MarkActioned(ctx context.Context, userID, id uuid.UUID) (*db.AttentionItem, error)
	MarkMentionRead(ctx context.Context, mentionID uuid.UUID) error
}

// Publisher enqueues accepted events for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, envelope []byte) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	repo      InboxRepository
	publisher Publisher
}

func NewHandler(logger *zap.Logger, repo InboxRepository, publisher Publisher) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		publisher: publisher,
	}
}

// IngestEvent handles POST /v1/events. The envelope is validated and
// enqueued; fanout happens asynchronously.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_event", "Event rejected", err.Error())
		return
	}

	if err := h.publisher.Publish(ctx, body); err != nil {
		h.logger.Error("event enqueue failed",
			zap.Error(err),
			zap.String("event_type", ev.Type),
		)
		h.writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue event", "")
		return
	}

	h.logger.Info("event accepted",
		zap.String("event_type", ev.Type),
		zap.String("project_id", ev.ProjectID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// ListInbox handles GET /v1/inbox?cursor=...&limit=20&kind=mention&priority=high
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	filter := db.InboxFilter{
		Kind:     r.URL.Query().Get("kind"),
		Priority: r.URL.Query().Get("priority"),
	}
	if filter.Kind != "" && !validKind(filter.Kind) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "unknown attention kind")
		return
	}
	if filter.Priority != "" && !validPriority(filter.Priority) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid priority", "priority must be low, normal, high, or urgent")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	items, next, err := h.repo.ListInbox(ctx, userID, filter, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if fault.KindOf(err) == fault.KindBadInput {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid cursor", err.Error())
			return
		}
		h.logger.Error("failed to list inbox",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list inbox", "")
		return
	}

	counts, err := h.repo.InboxCounts(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count inbox",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count inbox", "")
		return
	}

	if items == nil {
		items = []*db.AttentionItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":        items,
		"counts":      counts,
		"next_cursor": next,
	})
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

// MarkRead handles POST /v1/inbox/mark-read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.bulkUpdate(w, r, h.repo.MarkRead, "read")
}

// Dismiss handles POST /v1/inbox/dismiss. Dismissing an already-dismissed
// or unknown item still returns 200.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.bulkUpdate(w, r, h.repo.MarkDismissed, "dismissed")
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request, apply func(context.Context, uuid.UUID, []uuid.UUID) error, status string) {
	ctx := r.Context()

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids is required and must be non-empty")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", "ids must be valid UUIDs")
			return
		}
		ids = append(ids, id)
	}

	if err := apply(ctx, userID, ids); err != nil {
		h.logger.Error("inbox bulk update failed",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("status", status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update items", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"count":  len(ids),
	})
}

// Action handles POST /v1/inbox/action. Marks the item actioned and
// returns where the client should navigate.
func (h *Handler) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id", "id must be a valid UUID")
		return
	}

	item, err := h.repo.MarkActioned(ctx, userID, id)
	if errors.Is(err, pgx.ErrNoRows) {
		h.writeError(w, http.StatusNotFound, "not_found", "Attention item not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to action item",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("id", req.ID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to action item", "")
		return
	}

	// Actioning a mention also marks the underlying mention record read.
	if item.MentionID != nil {
		if err := h.repo.MarkMentionRead(ctx, *item.MentionID); err != nil {
			h.logger.Warn("mention read mark failed",
				zap.Error(err),
				zap.String("mention_id", item.MentionID.String()),
			)
		}
	}

	nav := map[string]interface{}{"status": "actioned"}
	if item.TaskID != nil {
		nav["task_id"] = item.TaskID.String()
	}
	if item.CommentID != nil {
		nav["comment_id"] = item.CommentID.String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(nav)
}

// requireUser resolves the calling user from the X-User-ID header.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "X-User-ID header is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid identity", "X-User-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return userID, true
}

func validPriority(p string) bool {
	switch p {
	case db.PriorityLow, db.PriorityNormal, db.PriorityHigh, db.PriorityUrgent:
		return true
	}
	return false
}

func validKind(kind string) bool {
	switch kind {
	case db.KindMention, db.KindAssignment, db.KindUnassignment,
		db.KindStatusChange, db.KindComment, db.KindDueSoon, db.KindOverdue:
		return true
	}
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
