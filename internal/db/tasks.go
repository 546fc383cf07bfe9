package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `
	t.id, t.project_id, t.title, t.description, t.stage, t.priority,
	t.creator_id,
	COALESCE((SELECT array_agg(ta.user_id) FROM task_assignees ta WHERE ta.task_id = t.id), '{}'),
	t.due_at, t.slack_thread_ts, t.slack_message_ts, t.updated_at`

// GetTask reads a task with its assignee set.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*TaskRecord, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, classifyPgError("get task", err)
	}
	return t, nil
}

// LockTask reads a task under FOR UPDATE. Must run inside a transaction;
// the dispatcher holds this lock across the Slack send so two events never
// race to create two thread anchors.
func (s *Store) LockTask(ctx context.Context, taskID uuid.UUID) (*TaskRecord, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = $1 FOR UPDATE OF t`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pgx.ErrNoRows
	}
	if err != nil {
		return nil, classifyPgError("lock task", err)
	}
	return t, nil
}

// UpdateSlackPointers persists the thread anchor and latest message
// timestamps. Pass nil to leave a pointer unchanged.
func (s *Store) UpdateSlackPointers(ctx context.Context, taskID uuid.UUID, threadTS, messageTS *string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE tasks
		SET slack_thread_ts  = COALESCE($2, slack_thread_ts),
		    slack_message_ts = COALESCE($3, slack_message_ts)
		WHERE id = $1
	`, taskID, threadTS, messageTS)
	if err != nil {
		return classifyPgError("update slack pointers", err)
	}
	return nil
}

// ThreadParticipants returns distinct comment authors on a task.
func (s *Store) ThreadParticipants(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT author_id FROM comments WHERE task_id = $1
	`, taskID)
	if err != nil {
		return nil, classifyPgError("thread participants", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// TaskWatchers returns users watching a task.
func (s *Store) TaskWatchers(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT user_id FROM task_watchers WHERE task_id = $1
	`, taskID)
	if err != nil {
		return nil, classifyPgError("task watchers", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// DueSoonCandidates returns non-terminal tasks whose due date falls inside
// (now, now+window], oldest deadline first. Tasks whose due_soon attention
// was dismissed inside the current window are skipped; dismissals from
// before the window opened (e.g. after the due date was pushed) do not
// suppress a fresh crossing.
func (s *Store) DueSoonCandidates(ctx context.Context, now time.Time, window time.Duration) ([]*TaskRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.due_at IS NOT NULL
		  AND t.due_at > $1
		  AND t.due_at <= $2
		  AND t.stage <> 'done'
		  AND NOT EXISTS (
			SELECT 1 FROM attention_items a
			WHERE a.dedup_key = 'due_soon:' || t.id
			  AND a.dismissed_at >= t.due_at - make_interval(secs => $3)
		  )
		ORDER BY t.due_at ASC
	`, now, now.Add(window), window.Seconds())
	if err != nil {
		return nil, classifyPgError("due soon candidates", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// OverdueCandidates returns non-terminal tasks past their due date, oldest
// deadline first, skipping tasks whose overdue attention was dismissed
// after the deadline passed.
func (s *Store) OverdueCandidates(ctx context.Context, now time.Time) ([]*TaskRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.due_at IS NOT NULL
		  AND t.due_at <= $1
		  AND t.stage <> 'done'
		  AND NOT EXISTS (
			SELECT 1 FROM attention_items a
			WHERE a.dedup_key = 'overdue:' || t.id
			  AND a.dismissed_at >= t.due_at
		  )
		ORDER BY t.due_at ASC
	`, now)
	if err != nil {
		return nil, classifyPgError("overdue candidates", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func scanTask(row pgx.Row) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Stage, &t.Priority,
		&t.CreatorID, &t.Assignees, &t.DueAt,
		&t.SlackThreadTS, &t.SlackMessageTS, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*TaskRecord, error) {
	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
