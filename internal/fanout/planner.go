package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fault"
	"github.com/taskline/attentiond/internal/metrics"
)

// TxStore is the slice of the attention store the planner uses inside one
// event transaction. *db.Store satisfies it.
type TxStore interface {
	LockTaskKey(ctx context.Context, taskID uuid.UUID) error
	UpsertAttention(ctx context.Context, p db.UpsertAttentionParams) (db.UpsertResult, error)
	InsertNotification(ctx context.Context, n *db.Notification) error
	AppendActivity(ctx context.Context, e *db.ActivityLogEntry) error
	DismissAllByDedup(ctx context.Context, dedupKey string) (int64, error)
	ThreadParticipants(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
	TaskWatchers(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error)
}

type Config struct {
	TxnDeadline       time.Duration
	TransientAttempts int
}

// Planner applies fanout plans atomically, one transaction per event.
type Planner struct {
	store  *db.Store
	cfg    Config
	logger *zap.Logger
}

func New(store *db.Store, cfg Config, logger *zap.Logger) *Planner {
	if cfg.TxnDeadline == 0 {
		cfg.TxnDeadline = 2 * time.Second
	}
	if cfg.TransientAttempts == 0 {
		cfg.TransientAttempts = 3
	}
	return &Planner{store: store, cfg: cfg, logger: logger}
}

// Apply plans and persists all attention items, notifications and activity
// for one event. Either everything for the event commits or nothing does.
// Transient failures are retried a bounded number of times before being
// surfaced; only BadInput and Fatal reach the event source directly.
// The committed plan is returned so callers can hand off best-effort
// side channels (email) for its targets.
func (p *Planner) Apply(ctx context.Context, ev *event.Event) (*Plan, error) {
	start := time.Now()
	defer func() { metrics.RecordPlannerLatency(time.Since(start)) }()

	var lastErr error
	for attempt := 0; attempt < p.cfg.TransientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fault.Transient(ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		var plan *Plan
		err := p.store.WithTx(ctx, p.cfg.TxnDeadline, func(ctx context.Context, tx *db.Store) error {
			var txErr error
			plan, txErr = p.ApplyTx(ctx, tx, ev)
			return txErr
		})
		if err == nil {
			return plan, nil
		}

		switch fault.KindOf(err) {
		case fault.KindBadInput, fault.KindFatal:
			return nil, err
		case fault.KindIntegrity:
			// Unexpected unique violation: retry once in case of a racing
			// dismissal, then escalate.
			p.logger.Warn("integrity fault in fanout, retrying",
				zap.String("event_type", ev.Type), zap.Error(err))
			lastErr = err
		default:
			lastErr = err
		}
	}
	return nil, fault.Transient(fmt.Errorf("fanout exhausted retries: %w", lastErr))
}

// ApplyTx runs the fanout for one event against an open transaction. The
// per-task advisory lock serializes events touching the same task across
// processes.
func (p *Planner) ApplyTx(ctx context.Context, tx TxStore, ev *event.Event) (*Plan, error) {
	if ev.TaskID != nil {
		if err := tx.LockTaskKey(ctx, *ev.TaskID); err != nil {
			return nil, err
		}
	}

	aux, err := p.gather(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	plan := BuildPlan(ev, aux)

	for _, key := range plan.Dismissals {
		if _, err := tx.DismissAllByDedup(ctx, key); err != nil {
			return nil, err
		}
	}

	for _, target := range plan.Targets {
		result, err := tx.UpsertAttention(ctx, target)
		if err != nil {
			return nil, err
		}
		metrics.RecordAttentionUpsert(target.Kind, string(result))

		// A touched item only earns a fresh bell notification when the
		// event carried new information.
		if result == db.UpsertCreated || target.ElevateUnread {
			if err := tx.InsertNotification(ctx, notificationFor(&target)); err != nil {
				return nil, err
			}
		}
	}

	if plan.Activity != nil {
		if err := tx.AppendActivity(ctx, plan.Activity); err != nil {
			return nil, err
		}
	}

	p.logger.Info("fanout applied",
		zap.String("event_type", ev.Type),
		zap.Int("recipients", len(plan.Targets)),
		zap.Int("dismissals", len(plan.Dismissals)),
	)
	return plan, nil
}

func (p *Planner) gather(ctx context.Context, tx TxStore, ev *event.Event) (Aux, error) {
	var aux Aux
	var err error

	switch ev.Type {
	case event.TypeTaskStageChanged:
		aux.Watchers, err = tx.TaskWatchers(ctx, ev.Task.ID)
	case event.TypeCommentCreated:
		aux.Participants, err = tx.ThreadParticipants(ctx, ev.Task.ID)
	}
	if err != nil {
		return Aux{}, err
	}
	return aux, nil
}

func notificationFor(t *db.UpsertAttentionParams) *db.Notification {
	message := t.Title
	if t.Body != nil {
		message = *t.Body
	}
	data := map[string]any{}
	if t.TaskID != nil {
		data["task_id"] = t.TaskID
	}
	if t.CommentID != nil {
		data["comment_id"] = t.CommentID
	}
	raw, _ := json.Marshal(data)
	return &db.Notification{
		UserID:  t.UserID,
		Type:    t.Kind,
		Title:   t.Title,
		Message: message,
		Data:    raw,
	}
}
