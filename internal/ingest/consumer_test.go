package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fanout"
	"github.com/taskline/attentiond/internal/fault"
)

type fakePlanner struct {
	applied []*event.Event
	plan    *fanout.Plan
	err     error
}

func (f *fakePlanner) Apply(_ context.Context, ev *event.Event) (*fanout.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.applied = append(f.applied, ev)
	if f.plan != nil {
		return f.plan, nil
	}
	return &fanout.Plan{}, nil
}

type fakeExtractor struct {
	comments int
	tasks    int
	err      error
}

func (f *fakeExtractor) ExtractComment(_ context.Context, _ *event.Event) error {
	f.comments++
	return f.err
}

func (f *fakeExtractor) ExtractTask(_ context.Context, _ *event.Event) error {
	f.tasks++
	return f.err
}

type fakeSlack struct {
	dispatched []*event.Event
}

func (f *fakeSlack) Dispatch(_ context.Context, ev *event.Event) {
	f.dispatched = append(f.dispatched, ev)
}

type fakeEmail struct {
	notified []*db.UpsertAttentionParams
}

func (f *fakeEmail) NotifyUrgent(_ context.Context, item *db.UpsertAttentionParams) {
	f.notified = append(f.notified, item)
}

type fakeActivity struct {
	entries []*db.ActivityLogEntry
}

func (f *fakeActivity) AppendActivity(_ context.Context, e *db.ActivityLogEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func rawEvent(t *testing.T, typ string) []byte {
	t.Helper()
	actor := uuid.New()
	task := event.TaskSnapshot{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "T",
		Assignees: []uuid.UUID{uuid.New()},
	}
	payload, _ := json.Marshal(map[string]any{"task": task})
	body, err := json.Marshal(event.Envelope{
		Type:        typ,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &actor,
		ProjectID:   task.ProjectID,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestProcess_HappyPath(t *testing.T) {
	planner := &fakePlanner{}
	extractor := &fakeExtractor{}
	slack := &fakeSlack{}
	activity := &fakeActivity{}

	p := NewProcessor(planner, extractor, slack, nil, activity, zap.NewNop())
	if err := p.Process(context.Background(), rawEvent(t, event.TypeTaskCreated)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(planner.applied) != 1 {
		t.Errorf("planner not invoked")
	}
	if extractor.tasks != 1 {
		t.Errorf("task description not scanned for mentions")
	}
	if len(slack.dispatched) != 1 {
		t.Errorf("slack not dispatched")
	}
	if len(activity.entries) != 0 {
		t.Errorf("no rejection expected")
	}
}

func TestProcess_MalformedEventAcked(t *testing.T) {
	planner := &fakePlanner{}
	activity := &fakeActivity{}

	p := NewProcessor(planner, &fakeExtractor{}, nil, nil, activity, zap.NewNop())
	if err := p.Process(context.Background(), []byte(`{"type":"task.created"}`)); err != nil {
		t.Fatalf("malformed event must be acked, got %v", err)
	}

	if len(planner.applied) != 0 {
		t.Errorf("planner must not run for rejected events")
	}
	if len(activity.entries) != 1 || activity.entries[0].Action != db.ActionEventRejected {
		t.Errorf("rejection must be recorded")
	}
}

func TestProcess_TransientFailureRedelivered(t *testing.T) {
	planner := &fakePlanner{err: fault.Transient(context.DeadlineExceeded)}
	activity := &fakeActivity{}

	p := NewProcessor(planner, &fakeExtractor{}, nil, nil, activity, zap.NewNop())
	if err := p.Process(context.Background(), rawEvent(t, event.TypeTaskCreated)); err == nil {
		t.Fatal("transient failure must surface for redelivery")
	}
	if len(activity.entries) != 0 {
		t.Errorf("transient failures are not rejections")
	}
}

func TestProcess_UrgentTargetsEmailed(t *testing.T) {
	urgent := db.UpsertAttentionParams{
		UserID:   uuid.New(),
		Kind:     db.KindOverdue,
		Priority: db.PriorityUrgent,
		Title:    "Overdue: T",
	}
	normal := db.UpsertAttentionParams{
		UserID:   uuid.New(),
		Kind:     db.KindComment,
		Priority: db.PriorityNormal,
		Title:    "New comment",
	}
	planner := &fakePlanner{plan: &fanout.Plan{Targets: []db.UpsertAttentionParams{urgent, normal}}}
	email := &fakeEmail{}

	p := NewProcessor(planner, &fakeExtractor{}, nil, email, &fakeActivity{}, zap.NewNop())
	if err := p.Process(context.Background(), rawEvent(t, event.TypeTaskCreated)); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// NotifyUrgent filters by priority itself; every target is offered.
	if len(email.notified) != 2 {
		t.Errorf("expected all targets offered to the email sender, got %d", len(email.notified))
	}
}

func TestProcess_MentionEventSkipsExtraction(t *testing.T) {
	planner := &fakePlanner{}
	extractor := &fakeExtractor{}

	mentioned := uuid.New()
	actor := uuid.New()
	taskID := uuid.New()
	m := &event.MentionPayload{
		MentionID:       uuid.New(),
		MentionedUserID: mentioned,
		MentionerUserID: actor,
		TaskID:          &taskID,
		ProjectID:       uuid.New(),
	}
	raw, err := event.NewMentionCreated(m, actor, time.Now().UTC())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	p := NewProcessor(planner, extractor, nil, nil, &fakeActivity{}, zap.NewNop())
	if err := p.Process(context.Background(), raw); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if extractor.comments != 0 || extractor.tasks != 0 {
		t.Errorf("mention events must not re-run extraction")
	}
}
