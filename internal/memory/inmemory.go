package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	emotions      map[string][]EmotionalLog
	thoughts      map[string][]ExternalizedThought
	sessions      map[string][]SavedSession
	worries       map[string][]ParkedWorry
	conversations map[string]*Conversation
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		emotions:      make(map[string][]EmotionalLog),
		thoughts:      make(map[string][]ExternalizedThought),
		sessions:      make(map[string][]SavedSession),
		worries:       make(map[string][]ParkedWorry),
		conversations: make(map[string]*Conversation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) stamp(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = s.now()
	}
}

func (s *InMemoryStore) LogEmotion(_ context.Context, rec EmotionalLog) (EmotionalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&rec.ID, &rec.CreatedAt)
	if rec.Triggers == nil {
		rec.Triggers = []string{}
	}
	s.emotions[rec.UserID] = append(s.emotions[rec.UserID], rec)
	return rec, nil
}

func (s *InMemoryStore) SaveThought(_ context.Context, rec ExternalizedThought) (ExternalizedThought, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&rec.ID, &rec.CreatedAt)
	s.thoughts[rec.UserID] = append(s.thoughts[rec.UserID], rec)
	return rec, nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, rec SavedSession) (SavedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&rec.ID, &rec.CreatedAt)
	s.sessions[rec.UserID] = append(s.sessions[rec.UserID], rec)
	return rec, nil
}

func (s *InMemoryStore) ParkWorry(_ context.Context, rec ParkedWorry) (ParkedWorry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&rec.ID, &rec.CreatedAt)
	s.worries[rec.UserID] = append(s.worries[rec.UserID], rec)
	return rec, nil
}

func (s *InMemoryStore) RelatedSessions(_ context.Context, userID, query string, limit int) ([]SavedSession, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []SavedSession{}, nil
	}
	limit = ClampRelatedLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.sessions[userID]
	out := make([]SavedSession, 0, limit)
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		rec := arr[i]
		if strings.Contains(strings.ToLower(rec.Summary), needle) ||
			strings.Contains(strings.ToLower(rec.KeyStressor), needle) ||
			strings.Contains(strings.ToLower(rec.Emotion), needle) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Recent(_ context.Context, userID, sessionID string, perKind int) (Recent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Recent{
		Emotions: newestMatching(s.emotions[userID], perKind, func(r EmotionalLog) bool { return sessionID == "" || r.SessionID == sessionID }),
		Thoughts: newestMatching(s.thoughts[userID], perKind, func(r ExternalizedThought) bool { return sessionID == "" || r.SessionID == sessionID }),
		Sessions: newestMatching(s.sessions[userID], perKind, func(r SavedSession) bool { return sessionID == "" || r.SessionID == sessionID }),
		Worries:  newestMatching(s.worries[userID], perKind, func(r ParkedWorry) bool { return sessionID == "" || r.SessionID == sessionID }),
	}, nil
}

// newestMatching walks an append-ordered slice from the end.
func newestMatching[T any](arr []T, limit int, keep func(T) bool) []T {
	out := make([]T, 0, limit)
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(arr[i]) {
			out = append(out, arr[i])
		}
	}
	return out
}

func (s *InMemoryStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, cloneConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, userID, title string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []ConversationMessage{},
	}
	s.conversations[c.ID] = c
	return cloneConversation(c), nil
}

func (s *InMemoryStore) RenameConversation(_ context.Context, userID, id, title string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now()
	return cloneConversation(c), nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok && c.UserID == userID {
		delete(s.conversations, id)
	}
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, userID, conversationID, role, text string) (ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return ConversationMessage{}, ErrNotFound
	}
	msg := ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      s.now(),
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.CreatedAt
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, userID, conversationID string) ([]ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	return append([]ConversationMessage{}, c.Messages...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneConversation(c *Conversation) Conversation {
	cp := *c
	cp.Messages = append([]ConversationMessage{}, c.Messages...)
	return cp
}
