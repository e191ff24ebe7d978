package memory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	DefaultRelatedLimit = 3
	MaxRelatedLimit     = 10
)

// EmotionalLog records how the user felt at a point in a session.
type EmotionalLog struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Emotion     string    `json:"emotion"`
	Intensity   float64   `json:"intensity"`
	Triggers    []string  `json:"triggers"`
	Confidence  string    `json:"confidence"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExternalizedThought is a summarized, structured view of what the user is thinking.
type ExternalizedThought struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Summary     string         `json:"summary"`
	Structured  map[string]any `json:"structured"`
	PIIRedacted bool           `json:"pii_redacted"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SavedSession is the durable summary used for related-session lookups.
type SavedSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Summary     string    `json:"session_summary"`
	Emotion     string    `json:"emotion"`
	Intensity   float64   `json:"intensity"`
	KeyStressor string    `json:"key_stressor"`
	MicroStep   string    `json:"micro_step,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParkedWorry is a worry the user set down with a planned review time.
type ParkedWorry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Worry       string    `json:"worry"`
	ReviewTime  string    `json:"review_time"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is a remotely persisted chat session.
type Conversation struct {
	ID        string                `json:"id"`
	UserID    string                `json:"user_id"`
	Title     string                `json:"title"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Messages  []ConversationMessage `json:"messages"`
}

type ConversationMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"session_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Recent holds the newest records of each kind, newest first.
type Recent struct {
	Emotions []EmotionalLog
	Thoughts []ExternalizedThought
	Sessions []SavedSession
	Worries  []ParkedWorry
}

// MemoryStore persists the structured memory written by agent tools.
type MemoryStore interface {
	LogEmotion(ctx context.Context, rec EmotionalLog) (EmotionalLog, error)
	SaveThought(ctx context.Context, rec ExternalizedThought) (ExternalizedThought, error)
	SaveSession(ctx context.Context, rec SavedSession) (SavedSession, error)
	ParkWorry(ctx context.Context, rec ParkedWorry) (ParkedWorry, error)
	// RelatedSessions matches query case-insensitively against summary, stressor
	// and emotion. Callers pass a trimmed, non-empty query and a clamped limit.
	RelatedSessions(ctx context.Context, userID, query string, limit int) ([]SavedSession, error)
	// Recent returns up to perKind newest records of each kind; an empty
	// sessionID spans all sessions.
	Recent(ctx context.Context, userID, sessionID string, perKind int) (Recent, error)
}

// ConversationStore persists chat sessions and their messages per user.
type ConversationStore interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	CreateConversation(ctx context.Context, userID, title string) (Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) (Conversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error
	AppendMessage(ctx context.Context, userID, conversationID, role, text string) (ConversationMessage, error)
	ListMessages(ctx context.Context, userID, conversationID string) ([]ConversationMessage, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	MemoryStore
	ConversationStore
	Close() error
}

// ClampRelatedLimit bounds a requested limit to 1..10.
func ClampRelatedLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxRelatedLimit {
		return MaxRelatedLimit
	}
	return limit
}
