// Package scanner emits due.threshold_crossed events for tasks whose
// deadlines approach or pass.
package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/metrics"
)

// Repository supplies candidate tasks for each threshold.
type Repository interface {
	DueSoonCandidates(ctx context.Context, now time.Time, window time.Duration) ([]*db.TaskRecord, error)
	OverdueCandidates(ctx context.Context, now time.Time) ([]*db.TaskRecord, error)
}

// Publisher enqueues emitted events.
type Publisher interface {
	Publish(ctx context.Context, envelope []byte) error
}

type Config struct {
	Tick   time.Duration
	Window time.Duration
}

// Scanner periodically emits due events. Emission is idempotent: the
// fanout layer deduplicates, so re-emitting the same crossing every
// tick only touches existing items.
type Scanner struct {
	repo      Repository
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(repo Repository, publisher Publisher, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.Tick <= 0 {
		cfg.Tick = 60 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &Scanner{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep over both thresholds. Tasks whose due date
// already passed get only the overdue event, not a late due_soon.
func (s *Scanner) RunOnce(ctx context.Context) {
	start := s.now()
	defer func() { metrics.RecordScannerTick(time.Since(start)) }()

	now := s.now().UTC()

	overdue, err := s.repo.OverdueCandidates(ctx, now)
	if err != nil {
		s.logger.Error("overdue scan failed", zap.Error(err))
	} else {
		s.emit(ctx, overdue, event.ThresholdOverdue, now)
	}

	soon, err := s.repo.DueSoonCandidates(ctx, now, s.cfg.Window)
	if err != nil {
		s.logger.Error("due soon scan failed", zap.Error(err))
	} else {
		s.emit(ctx, soon, event.ThresholdSoon, now)
	}
}

func (s *Scanner) emit(ctx context.Context, tasks []*db.TaskRecord, threshold string, now time.Time) {
	for _, task := range tasks {
		envelope, err := event.NewDueCrossed(snapshot(task), threshold, now)
		if err != nil {
			s.logger.Error("due event encode failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		if err := s.publisher.Publish(ctx, envelope); err != nil {
			// Dropped emissions are recovered on the next tick.
			s.logger.Warn("due event publish failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
			continue
		}
		metrics.RecordDueEvent(threshold)
	}
}

func snapshot(t *db.TaskRecord) *event.TaskSnapshot {
	return &event.TaskSnapshot{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		Stage:       t.Stage,
		Priority:    t.Priority,
		Assignees:   t.Assignees,
		CreatorID:   t.CreatorID,
		DueAt:       t.DueAt,
	}
}
