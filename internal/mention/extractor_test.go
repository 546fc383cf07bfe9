package mention

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskline/attentiond/internal/db"
	"github.com/taskline/attentiond/internal/event"
	"github.com/taskline/attentiond/internal/fault"
)

func TestExtractHandles(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"simple", "hey @alice look at this", []string{"alice"}},
		{"start of body", "@alice ping", []string{"alice"}},
		{"several", "@alice and @bob please review", []string{"alice", "bob"}},
		{"deduplicated", "@alice @alice @alice", []string{"alice"}},
		{"case folded", "@Alice and @ALICE", []string{"alice"}},
		{"dots and dashes", "cc @jo.smith-jr", []string{"jo.smith-jr"}},
		{"email is not a mention", "send it to user@example.com", nil},
		{"mid-word at is not a mention", "weird@token here", nil},
		{"punctuation boundary", "(@alice) or ,@bob!", []string{"alice", "bob"}},
		{"bare at", "just an @ sign", nil},
		{"empty body", "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractHandles(tc.body)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

type fakeResolver struct {
	byHandle map[string]uuid.UUID
	err      error
}

func (f *fakeResolver) ResolveHandles(_ context.Context, _ uuid.UUID, handles []string) (map[string]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]uuid.UUID{}
	for _, h := range handles {
		if id, ok := f.byHandle[h]; ok {
			out[h] = id
		}
	}
	return out, nil
}

type fakeMentionStore struct {
	inserted []*db.Mention
	err      error
}

func (f *fakeMentionStore) InsertMention(_ context.Context, m *db.Mention) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.inserted = append(f.inserted, m)
	return true, nil
}

type fakePublisher struct {
	published [][]byte
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, envelope []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, envelope)
	return nil
}

func commentEvent(author uuid.UUID, body string) *event.Event {
	taskID := uuid.New()
	return &event.Event{
		Type:        event.TypeCommentCreated,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &author,
		ProjectID:   uuid.New(),
		TaskID:      &taskID,
		Task: &event.TaskSnapshot{
			ID:    taskID,
			Title: "Task",
		},
		Comment: &event.CommentSnapshot{
			ID:       uuid.New(),
			TaskID:   taskID,
			AuthorID: author,
			Body:     body,
		},
	}
}

func TestExtractComment_InsertsAndPublishes(t *testing.T) {
	author := uuid.New()
	alice := uuid.New()

	resolver := &fakeResolver{byHandle: map[string]uuid.UUID{"alice": alice}}
	store := &fakeMentionStore{}
	pub := &fakePublisher{}
	ex := New(resolver, store, pub, zap.NewNop())

	ev := commentEvent(author, "ping @alice and @ghost")
	if err := ex.ExtractComment(context.Background(), ev); err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 mention, got %d", len(store.inserted))
	}
	m := store.inserted[0]
	if m.MentionedUserID != alice {
		t.Errorf("mentioned user mismatch")
	}
	if m.CommentID == nil || *m.CommentID != ev.Comment.ID {
		t.Errorf("comment reference missing")
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.published))
	}
	out, err := event.Decode(pub.published[0])
	if err != nil {
		t.Fatalf("published event does not decode: %v", err)
	}
	if out.Type != event.TypeMentionCreated {
		t.Errorf("published type mismatch: got %s", out.Type)
	}
	if out.Mention.MentionerUserID != author {
		t.Errorf("mentioner mismatch")
	}
}

func TestExtractComment_SelfMentionSkipped(t *testing.T) {
	author := uuid.New()
	resolver := &fakeResolver{byHandle: map[string]uuid.UUID{"me": author}}
	store := &fakeMentionStore{}
	pub := &fakePublisher{}
	ex := New(resolver, store, pub, zap.NewNop())

	if err := ex.ExtractComment(context.Background(), commentEvent(author, "note to @me")); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(store.inserted) != 0 || len(pub.published) != 0 {
		t.Errorf("self mention must produce nothing")
	}
}

func TestExtractComment_InvalidUTF8(t *testing.T) {
	ex := New(&fakeResolver{}, &fakeMentionStore{}, &fakePublisher{}, zap.NewNop())

	err := ex.ExtractComment(context.Background(), commentEvent(uuid.New(), "bad \xff body"))
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindBadInput {
		t.Errorf("expected bad input, got %v", fault.KindOf(err))
	}
}

func TestExtractComment_PublishFailureIsTransient(t *testing.T) {
	alice := uuid.New()
	resolver := &fakeResolver{byHandle: map[string]uuid.UUID{"alice": alice}}
	pub := &fakePublisher{err: errors.New("stream down")}
	ex := New(resolver, &fakeMentionStore{}, pub, zap.NewNop())

	err := ex.ExtractComment(context.Background(), commentEvent(uuid.New(), "@alice"))
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindTransient {
		t.Errorf("expected transient, got %v", fault.KindOf(err))
	}
}

func TestExtractTask_SkipsUnchangedDescription(t *testing.T) {
	alice := uuid.New()
	resolver := &fakeResolver{byHandle: map[string]uuid.UUID{"alice": alice}}
	store := &fakeMentionStore{}
	pub := &fakePublisher{}
	ex := New(resolver, store, pub, zap.NewNop())

	actor := uuid.New()
	taskID := uuid.New()
	old := &event.TaskSnapshot{ID: taskID, Description: "ask @alice", Title: "A"}
	new := &event.TaskSnapshot{ID: taskID, Description: "ask @alice", Title: "B"}
	ev := &event.Event{
		Type:        event.TypeTaskUpdated,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &actor,
		ProjectID:   uuid.New(),
		TaskID:      &taskID,
		OldTask:     old,
		Task:        new,
	}

	if err := ex.ExtractTask(context.Background(), ev); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(store.inserted) != 0 {
		t.Errorf("unchanged description must not re-extract")
	}
}

func TestExtractTask_DescriptionOnCreate(t *testing.T) {
	alice := uuid.New()
	resolver := &fakeResolver{byHandle: map[string]uuid.UUID{"alice": alice}}
	store := &fakeMentionStore{}
	pub := &fakePublisher{}
	ex := New(resolver, store, pub, zap.NewNop())

	actor := uuid.New()
	taskID := uuid.New()
	ev := &event.Event{
		Type:        event.TypeTaskCreated,
		OccurredAt:  time.Now().UTC(),
		ActorUserID: &actor,
		ProjectID:   uuid.New(),
		TaskID:      &taskID,
		Task:        &event.TaskSnapshot{ID: taskID, Description: "needs @alice", Title: "T"},
	}

	if err := ex.ExtractTask(context.Background(), ev); err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 mention, got %d", len(store.inserted))
	}
	if store.inserted[0].TaskID == nil || *store.inserted[0].TaskID != taskID {
		t.Errorf("task reference missing")
	}
	if store.inserted[0].CommentID != nil {
		t.Errorf("task description mention must not carry a comment id")
	}
}
