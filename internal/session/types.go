package session

import (
	"context"
	"errors"

	"github.com/ent0n29/stella/internal/memory"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrLastSession = errors.New("cannot delete the only session")
	ErrEmptyTitle  = errors.New("session title is empty")
)

// Message is one chat bubble of a session.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Session is a titled conversation with its ordered messages.
type Session struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Remote persists sessions for an identified user.
type Remote interface {
	Authenticated() bool
	ListSessions(ctx context.Context) ([]memory.Conversation, error)
	CreateSession(ctx context.Context, title string) (memory.Conversation, error)
	RenameSession(ctx context.Context, id, title string) (memory.Conversation, error)
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, sessionID, role, text string) (memory.ConversationMessage, error)
}

// Snapshot keeps sessions of an anonymous user on this machine.
type Snapshot interface {
	Load(ctx context.Context) ([]Session, error)
	Save(ctx context.Context, sessions []Session) error
	Clear(ctx context.Context) error
}

func fromConversation(c memory.Conversation) *Session {
	s := &Session{ID: c.ID, Title: c.Title, Messages: make([]Message, 0, len(c.Messages))}
	for _, m := range c.Messages {
		s.Messages = append(s.Messages, Message{ID: m.ID, Role: Role(m.Role), Text: m.Text})
	}
	return s
}
