package db

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/fault"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so store methods run
// the same inside and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store handles persistence for attention items, notifications, mentions
// and the activity log.
type Store struct {
	q      DBTX
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a store backed by the pool.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{q: db.Pool(), pool: db.Pool(), logger: logger}
}

// WithTx runs fn with a store bound to a single transaction, under the
// given deadline. The planner uses this so all writes for one event commit
// or roll back together.
func (s *Store) WithTx(ctx context.Context, deadline time.Duration, fn func(ctx context.Context, tx *Store) error) error {
	if s.pool == nil {
		return errors.New("store already transactional")
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault.Fatal(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStore := &Store{q: tx, logger: s.logger}
	if err := fn(ctx, txStore); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fault.Transient(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// LockTaskKey serializes pipeline work per task via an advisory lock held
// until the surrounding transaction ends.
func (s *Store) LockTaskKey(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, taskID.String())
	if err != nil {
		return fault.Transient(fmt.Errorf("advisory lock task %s: %w", taskID, err))
	}
	return nil
}

// UpsertResult reports whether an upsert created a new row or touched an
// existing one. The two paths are indistinguishable to callers otherwise.
type UpsertResult string

const (
	UpsertCreated UpsertResult = "created"
	UpsertTouched UpsertResult = "touched"
)

// UpsertAttentionParams describes one attention item insertion.
type UpsertAttentionParams struct {
	UserID      uuid.UUID
	Kind        string
	Priority    string
	TaskID      *uuid.UUID
	CommentID   *uuid.UUID
	MentionID   *uuid.UUID
	ProjectID   *uuid.UUID
	ActorUserID *uuid.UUID
	Title       string
	Body        *string
	DedupKey    string
	// ElevateUnread clears read_at on touch when the triggering event
	// carries strictly new information.
	ElevateUnread bool
}

// UpsertAttention inserts an attention item, or touches the existing
// non-dismissed row for (user_id, dedup_key). Atomic against concurrent
// inserts via the partial unique index.
func (s *Store) UpsertAttention(ctx context.Context, p UpsertAttentionParams) (UpsertResult, error) {
	const query = `
		INSERT INTO attention_items (
			id, user_id, kind, priority, task_id, comment_id, mention_id,
			project_id, actor_user_id, title, body, dedup_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, dedup_key) WHERE dismissed_at IS NULL
		DO UPDATE SET
			title      = EXCLUDED.title,
			body       = EXCLUDED.body,
			priority   = EXCLUDED.priority,
			read_at    = CASE WHEN $13 THEN NULL ELSE attention_items.read_at END,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := s.q.QueryRow(ctx, query,
		uuid.New(), p.UserID, p.Kind, p.Priority, p.TaskID, p.CommentID,
		p.MentionID, p.ProjectID, p.ActorUserID, p.Title, p.Body, p.DedupKey,
		p.ElevateUnread,
	).Scan(&inserted)
	if err != nil {
		return "", classifyPgError("upsert attention", err)
	}

	if inserted {
		return UpsertCreated, nil
	}
	return UpsertTouched, nil
}

// DismissByDedup dismisses a user's non-dismissed item for a dedup key.
// Missing rows are not an error.
func (s *Store) DismissByDedup(ctx context.Context, userID uuid.UUID, dedupKey string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE attention_items
		SET dismissed_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND dedup_key = $2 AND dismissed_at IS NULL
	`, userID, dedupKey)
	if err != nil {
		return classifyPgError("dismiss by dedup", err)
	}
	return nil
}

// DismissAllByDedup dismisses every user's non-dismissed item for a dedup
// key. Used when the triggering state resolves (due date cleared, task
// leaving done).
func (s *Store) DismissAllByDedup(ctx context.Context, dedupKey string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE attention_items
		SET dismissed_at = NOW(), updated_at = NOW()
		WHERE dedup_key = $1 AND dismissed_at IS NULL
	`, dedupKey)
	if err != nil {
		return 0, classifyPgError("dismiss all by dedup", err)
	}
	return tag.RowsAffected(), nil
}

// MarkRead marks items read. Already-read and dismissed items are left
// untouched so the call is idempotent.
func (s *Store) MarkRead(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE attention_items
		SET read_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND id = ANY($2) AND read_at IS NULL AND dismissed_at IS NULL
	`, userID, ids)
	if err != nil {
		return classifyPgError("mark read", err)
	}
	return nil
}

// MarkActioned marks an item actioned (and read) and returns it so the
// caller can produce a navigation hint.
func (s *Store) MarkActioned(ctx context.Context, userID, id uuid.UUID) (*AttentionItem, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE attention_items
		SET actioned_at = COALESCE(actioned_at, NOW()),
		    read_at     = COALESCE(read_at, NOW()),
		    updated_at  = NOW()
		WHERE user_id = $1 AND id = $2
		RETURNING `+attentionColumns, userID, id)

	item, err := scanAttention(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, classifyPgError("mark actioned", err)
	}
	return item, nil
}

// MarkDismissed dismisses items by ID. Dismissing an already-dismissed
// item is a no-op.
func (s *Store) MarkDismissed(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE attention_items
		SET dismissed_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND id = ANY($2) AND dismissed_at IS NULL
	`, userID, ids)
	if err != nil {
		return classifyPgError("mark dismissed", err)
	}
	return nil
}

// InboxFilter narrows an inbox listing.
type InboxFilter struct {
	Kind     string
	Priority string
}

// KindCount is the unread/total tally for one attention kind.
type KindCount struct {
	Kind   string `json:"kind"`
	Unread int    `json:"unread"`
	Total  int    `json:"total"`
}

const attentionColumns = `
	id, user_id, kind, priority, task_id, comment_id, mention_id, project_id,
	actor_user_id, title, body, dedup_key, read_at, dismissed_at, actioned_at,
	created_at, updated_at`

const priorityRankSQL = `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END`

// ListInbox returns non-dismissed items for a user ordered by
// (priority desc, created_at desc), with keyset pagination. Returns the
// page and the cursor for the next one ("" when exhausted).
func (s *Store) ListInbox(ctx context.Context, userID uuid.UUID, filter InboxFilter, cursor string, limit int) ([]*AttentionItem, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + attentionColumns + `
		FROM attention_items
		WHERE user_id = $1 AND dismissed_at IS NULL`)
	args := []any{userID}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		fmt.Fprintf(&sb, " AND kind = $%d", len(args))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		fmt.Fprintf(&sb, " AND priority = $%d", len(args))
	}

	if cursor != "" {
		rank, createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fault.BadInput("invalid cursor: %v", err)
		}
		args = append(args, rank, createdAt, id)
		fmt.Fprintf(&sb, " AND (%s, created_at, id) < ($%d, $%d, $%d)",
			priorityRankSQL, len(args)-2, len(args)-1, len(args))
	}

	args = append(args, limit+1)
	fmt.Fprintf(&sb, " ORDER BY %s DESC, created_at DESC, id DESC LIMIT $%d",
		priorityRankSQL, len(args))

	rows, err := s.q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", classifyPgError("list inbox", err)
	}
	defer rows.Close()

	var items []*AttentionItem
	for rows.Next() {
		item, err := scanAttention(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan attention item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, "", classifyPgError("iterate inbox", err)
	}

	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = encodeCursor(PriorityRank(last.Priority), last.CreatedAt, last.ID)
	}
	return items, next, nil
}

// InboxCounts returns unread/total counts per kind for a user.
func (s *Store) InboxCounts(ctx context.Context, userID uuid.UUID) ([]KindCount, error) {
	rows, err := s.q.Query(ctx, `
		SELECT kind,
		       COUNT(*) FILTER (WHERE read_at IS NULL) AS unread,
		       COUNT(*) AS total
		FROM attention_items
		WHERE user_id = $1 AND dismissed_at IS NULL
		GROUP BY kind
		ORDER BY kind
	`, userID)
	if err != nil {
		return nil, classifyPgError("inbox counts", err)
	}
	defer rows.Close()

	var counts []KindCount
	for rows.Next() {
		var c KindCount
		if err := rows.Scan(&c.Kind, &c.Unread, &c.Total); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// InsertNotification writes the lightweight bell-icon row.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Data)
	if err != nil {
		return classifyPgError("insert notification", err)
	}
	return nil
}

// AppendActivity writes one append-only activity log entry.
func (s *Store) AppendActivity(ctx context.Context, e *ActivityLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO activity_logs (id, project_id, task_id, user_id, action, entity_type, entity_id, old_values, new_values)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.ProjectID, e.TaskID, e.UserID, e.Action, e.EntityType, e.EntityID, e.OldValues, e.NewValues)
	if err != nil {
		return classifyPgError("append activity", err)
	}
	return nil
}

// InsertMention inserts a mention, or returns the existing row for the
// same (comment|task, mentioned user). Reports whether a row was created;
// m.ID is set either way so re-extraction stays idempotent end to end.
func (s *Store) InsertMention(ctx context.Context, m *Mention) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	query := `
		INSERT INTO mentions (id, mentioned_user_id, mentioner_user_id, task_id, comment_id, project_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (comment_id, mentioned_user_id) WHERE comment_id IS NOT NULL
		DO UPDATE SET mentioned_user_id = EXCLUDED.mentioned_user_id
		RETURNING id, (xmax = 0) AS inserted
	`
	if m.CommentID == nil {
		query = `
		INSERT INTO mentions (id, mentioned_user_id, mentioner_user_id, task_id, comment_id, project_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, mentioned_user_id) WHERE comment_id IS NULL
		DO UPDATE SET mentioned_user_id = EXCLUDED.mentioned_user_id
		RETURNING id, (xmax = 0) AS inserted
	`
	}

	var (
		id       uuid.UUID
		inserted bool
	)
	err := s.q.QueryRow(ctx, query,
		m.ID, m.MentionedUserID, m.MentionerUserID, m.TaskID, m.CommentID, m.ProjectID,
	).Scan(&id, &inserted)
	if err != nil {
		return false, classifyPgError("insert mention", err)
	}
	m.ID = id
	return inserted, nil
}

// MarkMentionRead sets read_at on a mention once.
func (s *Store) MarkMentionRead(ctx context.Context, mentionID uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE mentions SET read_at = NOW() WHERE id = $1 AND read_at IS NULL
	`, mentionID)
	if err != nil {
		return classifyPgError("mark mention read", err)
	}
	return nil
}

// ProjectMemberIDs returns all member user IDs of a project.
func (s *Store) ProjectMemberIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT user_id FROM project_members WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, classifyPgError("project members", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResolveHandles maps display handles (case-insensitive) to user IDs,
// restricted to members of the project. Unknown handles are absent from
// the result, not an error.
func (s *Store) ResolveHandles(ctx context.Context, projectID uuid.UUID, handles []string) (map[string]uuid.UUID, error) {
	lowered := make([]string, len(handles))
	for i, h := range handles {
		lowered[i] = strings.ToLower(h)
	}

	rows, err := s.q.Query(ctx, `
		SELECT LOWER(u.handle), u.id
		FROM users u
		JOIN project_members pm ON pm.user_id = u.id AND pm.project_id = $1
		WHERE LOWER(u.handle) = ANY($2)
	`, projectID, lowered)
	if err != nil {
		return nil, classifyPgError("resolve handles", err)
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID)
	for rows.Next() {
		var handle string
		var id uuid.UUID
		if err := rows.Scan(&handle, &id); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		out[handle] = id
	}
	return out, rows.Err()
}

// UserEmail returns a user's email address for the digest sender.
func (s *Store) UserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.q.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		return "", classifyPgError("user email", err)
	}
	return email, nil
}

// SlackConfigByProject returns the project's Slack integration, or nil if
// none is configured.
func (s *Store) SlackConfigByProject(ctx context.Context, projectID uuid.UUID) (*SlackConfig, error) {
	var c SlackConfig
	err := s.q.QueryRow(ctx, `
		SELECT project_id, webhook_url, channel_id,
		       on_create, on_update, on_delete, on_move, on_complete, created_by
		FROM slack_integrations
		WHERE project_id = $1
	`, projectID).Scan(
		&c.ProjectID, &c.WebhookURL, &c.ChannelID,
		&c.OnCreate, &c.OnUpdate, &c.OnDelete, &c.OnMove, &c.OnComplete, &c.CreatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("slack config", err)
	}
	return &c, nil
}

func scanAttention(row pgx.Row) (*AttentionItem, error) {
	var it AttentionItem
	err := row.Scan(
		&it.ID, &it.UserID, &it.Kind, &it.Priority, &it.TaskID, &it.CommentID,
		&it.MentionID, &it.ProjectID, &it.ActorUserID, &it.Title, &it.Body,
		&it.DedupKey, &it.ReadAt, &it.DismissedAt, &it.ActionedAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func encodeCursor(rank int, createdAt time.Time, id uuid.UUID) string {
	raw, _ := json.Marshal([3]string{
		fmt.Sprintf("%d", rank),
		createdAt.UTC().Format(time.RFC3339Nano),
		id.String(),
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (int, time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, time.Time{}, uuid.Nil, err
	}
	var parts [3]string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return 0, time.Time{}, uuid.Nil, err
	}
	var rank int
	if _, err := fmt.Sscanf(parts[0], "%d", &rank); err != nil {
		return 0, time.Time{}, uuid.Nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return 0, time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return 0, time.Time{}, uuid.Nil, err
	}
	return rank, createdAt, id, nil
}

// classifyPgError maps database failures onto the pipeline taxonomy.
// Unique violations outside the dedup upsert are integrity faults; dead
// connections are fatal; the rest is retryable.
func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fault.New(fault.KindIntegrity, fmt.Errorf("%s: %w", op, err))
		}
		return fault.Transient(fmt.Errorf("%s: %w", op, err))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fault.Transient(fmt.Errorf("%s: %w", op, err))
}
