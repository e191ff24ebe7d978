package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore() *InMemoryStore {
	s := NewInMemoryStore()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestRelatedSessionsMatchesAnyFieldNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	_, _ = s.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "Talked about Work deadlines", Emotion: "anxious", KeyStressor: "deadline"})
	_, _ = s.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "Family dinner", Emotion: "calm", KeyStressor: "work trip"})
	_, _ = s.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "Gym", Emotion: "proud", KeyStressor: "none"})
	_, _ = s.SaveSession(ctx, SavedSession{UserID: "u2", Summary: "work", Emotion: "tired", KeyStressor: "work"})

	got, err := s.RelatedSessions(ctx, "u1", "work", 3)
	if err != nil {
		t.Fatalf("RelatedSessions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Summary != "Family dinner" || got[1].Summary != "Talked about Work deadlines" {
		t.Fatalf("unexpected order: %q, %q", got[0].Summary, got[1].Summary)
	}
}

func TestRelatedSessionsEmptyQueryAndLimitClamp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	for i := 0; i < 12; i++ {
		_, _ = s.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "stress", Emotion: "anxious", KeyStressor: "work"})
	}

	empty, err := s.RelatedSessions(ctx, "u1", "   ", 3)
	if err != nil {
		t.Fatalf("RelatedSessions() error = %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("empty query = %#v, want empty non-nil slice", empty)
	}

	capped, _ := s.RelatedSessions(ctx, "u1", "stress", 50)
	if len(capped) != MaxRelatedLimit {
		t.Fatalf("len = %d, want %d", len(capped), MaxRelatedLimit)
	}
	floor, _ := s.RelatedSessions(ctx, "u1", "stress", -4)
	if len(floor) != 1 {
		t.Fatalf("len = %d, want 1", len(floor))
	}
}

func TestInsightsTakesTwoNewestPerKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	for _, e := range []string{"sad", "tired", "hopeful"} {
		_, _ = s.LogEmotion(ctx, EmotionalLog{UserID: "u1", SessionID: "s1", Emotion: e, Intensity: 6, Triggers: []string{"work"}, Confidence: "high"})
	}
	_, _ = s.SaveSession(ctx, SavedSession{UserID: "u1", SessionID: "s1", Summary: "Rough week", KeyStressor: "boss"})
	_, _ = s.ParkWorry(ctx, ParkedWorry{UserID: "u1", SessionID: "s2", Worry: "rent", ReviewTime: "Friday"})

	cards, err := Insights(ctx, s, "u1", "s1")
	if err != nil {
		t.Fatalf("Insights() error = %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(cards), cards)
	}
	if cards[0].Title != "Emotion: hopeful" || cards[1].Title != "Emotion: tired" {
		t.Fatalf("unexpected emotion cards: %+v", cards[:2])
	}
	if cards[0].Detail != `Intensity 6, triggers: ["work"]` {
		t.Fatalf("Detail = %q", cards[0].Detail)
	}
	if cards[2].Detail != "Stressor: boss • Micro-step: N/A" || cards[2].Meta != "Saved Session" {
		t.Fatalf("unexpected saved session card: %+v", cards[2])
	}

	all, _ := Insights(ctx, s, "u1", "")
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	first, _ := s.CreateConversation(ctx, "u1", "New Session")
	second, _ := s.CreateConversation(ctx, "u1", "Evening")

	if _, err := s.AppendMessage(ctx, "u1", first.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if _, err := s.AppendMessage(ctx, "u2", first.ID, "user", "intruder"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendMessage() by other user error = %v, want ErrNotFound", err)
	}

	list, _ := s.ListConversations(ctx, "u1")
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected ordering: %+v", list)
	}
	if len(list[0].Messages) != 1 || list[0].Messages[0].Text != "hello" {
		t.Fatalf("messages = %+v", list[0].Messages)
	}

	renamed, err := s.RenameConversation(ctx, "u1", second.ID, "Night")
	if err != nil || renamed.Title != "Night" {
		t.Fatalf("RenameConversation() = %+v, %v", renamed, err)
	}
	if _, err := s.RenameConversation(ctx, "u1", "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RenameConversation(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteConversation(ctx, "u1", first.ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.ListMessages(ctx, "u1", first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ListMessages(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestModeNames(t *testing.T) {
	if got := Mode(NewInMemoryStore()); got != "in-memory" {
		t.Fatalf("Mode() = %q, want in-memory", got)
	}
}
