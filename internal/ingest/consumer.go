// Package ingest drives the event pipeline: decode, mention extraction,
// fanout, then best-effort outbound deliveries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fanout"
	"github.com/taskline/attentiond/internal/fault"
	"github.com/taskline/attentiond/internal/metrics"
)

// Planner applies the fanout for one event.
type Planner interface {
	Apply(ctx context.Context, ev *event.Event) (*fanout.Plan, error)
}

// Extractor scans bodies for @mentions.
type Extractor interface {
	ExtractComment(ctx context.Context, ev *event.Event) error
	ExtractTask(ctx context.Context, ev *event.Event) error
}

// SlackDispatcher delivers the Slack message owed for an event.
type SlackDispatcher interface {
	Dispatch(ctx context.Context, ev *event.Event)
}

// EmailSender mirrors urgent items to email.
type EmailSender interface {
	NotifyUrgent(ctx context.Context, item *db.UpsertAttentionParams)
}

// ActivityStore records rejected events.
type ActivityStore interface {
	AppendActivity(ctx context.Context, e *db.ActivityLogEntry) error
}

// Processor handles one raw event end to end. A nil return from Process
// acknowledges the event at the source; an error leaves it for
// redelivery. Malformed events are rejected and acknowledged so they
// cannot wedge the queue.
type Processor struct {
	planner   Planner
	extractor Extractor
	slack     SlackDispatcher // optional
	email     EmailSender     // optional
	activity  ActivityStore
	logger    *zap.Logger
}

func NewProcessor(planner Planner, extractor Extractor, slack SlackDispatcher, email EmailSender, activity ActivityStore, logger *zap.Logger) *Processor {
	return &Processor{
		planner:   planner,
		extractor: extractor,
		slack:     slack,
		email:     email,
		activity:  activity,
		logger:    logger,
	}
}

func (p *Processor) Process(ctx context.Context, raw []byte) error {
	ev, err := event.Decode(raw)
	if err != nil {
		p.reject(ctx, raw, err)
		return nil
	}

	// Mention extraction runs before fanout so a crash after extraction
	// redelivers the whole event; both halves are idempotent.
	if err := p.extractMentions(ctx, ev); err != nil {
		if fault.KindOf(err) == fault.KindBadInput {
			p.reject(ctx, raw, err)
			return nil
		}
		metrics.RecordEvent(ev.Type, "retry")
		return err
	}

	plan, err := p.planner.Apply(ctx, ev)
	if err != nil {
		if fault.KindOf(err) == fault.KindBadInput {
			p.reject(ctx, raw, err)
			return nil
		}
		metrics.RecordEvent(ev.Type, "retry")
		return err
	}

	// Outbound deliveries never fail the event: the attention items are
	// already committed.
	if p.slack != nil {
		p.slack.Dispatch(ctx, ev)
	}
	if p.email != nil && plan != nil {
		for i := range plan.Targets {
			p.email.NotifyUrgent(ctx, &plan.Targets[i])
		}
	}

	metrics.RecordEvent(ev.Type, "processed")
	return nil
}

func (p *Processor) extractMentions(ctx context.Context, ev *event.Event) error {
	switch ev.Type {
	case event.TypeCommentCreated:
		return p.extractor.ExtractComment(ctx, ev)
	case event.TypeTaskCreated, event.TypeTaskUpdated:
		return p.extractor.ExtractTask(ctx, ev)
	default:
		return nil
	}
}

// reject records a permanently unprocessable event and drops it.
func (p *Processor) reject(ctx context.Context, raw []byte, cause error) {
	eventType := "unknown"
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.Type != "" {
		eventType = probe.Type
	}

	metrics.RecordEvent(eventType, "rejected")
	p.logger.Warn("event rejected",
		zap.String("event_type", eventType),
		zap.Error(cause),
	)

	detail, _ := json.Marshal(map[string]string{
		"event": eventType,
		"error": cause.Error(),
	})
	if err := p.activity.AppendActivity(ctx, &db.ActivityLogEntry{
		UserID:     uuid.Nil,
		Action:     db.ActionEventRejected,
		EntityType: "event",
		EntityID:   uuid.Nil,
		NewValues:  detail,
	}); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("reject activity write failed", zap.Error(err))
	}
}
