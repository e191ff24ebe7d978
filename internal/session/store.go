package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store holds the client's sessions and which one is active. Signed-in users
// are backed by Remote; anonymous users by the local Snapshot.
type Store struct {
	remote Remote
	local  Snapshot
	logger *slog.Logger

	mu       sync.RWMutex
	sessions []*Session
	active   string
	dirty    bool
	synced   bool

	saveMu sync.Mutex
}

func NewStore(remote Remote, local Snapshot, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{remote: remote, local: local, logger: logger}
}

func (s *Store) authenticated() bool {
	return s.remote != nil && s.remote.Authenticated()
}

// Load populates the store. Signed-in users first upload any sessions kept
// locally while anonymous, then use the remote list. The first session
// becomes active; an empty store gets one fresh session.
func (s *Store) Load(ctx context.Context) error {
	if !s.authenticated() {
		var local []Session
		if s.local != nil {
			loaded, err := s.local.Load(ctx)
			if err != nil {
				s.logger.Warn("load local sessions failed", "error", err)
			}
			local = loaded
		}
		s.mu.Lock()
		s.sessions = s.sessions[:0]
		for i := range local {
			sess := local[i]
			s.sessions = append(s.sessions, &sess)
		}
		if len(s.sessions) == 0 {
			s.sessions = append(s.sessions, &Session{ID: uuid.NewString(), Title: "Session 1", Messages: []Message{}})
		}
		s.active = s.sessions[0].ID
		s.mu.Unlock()
		return nil
	}

	if !s.synced {
		s.syncLocal(ctx)
		s.synced = true
	}
	remote, err := s.remote.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(remote) == 0 {
		created, err := s.remote.CreateSession(ctx, "")
		if err != nil {
			return fmt.Errorf("create initial session: %w", err)
		}
		remote = append(remote, created)
	}
	s.mu.Lock()
	s.sessions = s.sessions[:0]
	for _, c := range remote {
		s.sessions = append(s.sessions, fromConversation(c))
	}
	s.active = s.sessions[0].ID
	s.mu.Unlock()
	return nil
}

// syncLocal uploads locally kept sessions. Local data is only cleared when
// every session and message made it.
func (s *Store) syncLocal(ctx context.Context) {
	if s.local == nil {
		return
	}
	local, err := s.local.Load(ctx)
	if err != nil || len(local) == 0 {
		return
	}
	for _, sess := range local {
		created, err := s.remote.CreateSession(ctx, sess.Title)
		if err != nil {
			s.logger.Warn("sync local session failed", "session_id", sess.ID, "error", err)
			return
		}
		for _, m := range sess.Messages {
			if _, err := s.remote.AppendMessage(ctx, created.ID, string(m.Role), m.Text); err != nil {
				s.logger.Warn("sync local message failed", "session_id", sess.ID, "error", err)
				return
			}
		}
	}
	if err := s.local.Clear(ctx); err != nil {
		s.logger.Warn("clear local sessions failed", "error", err)
	}
}

// Create adds a session and makes it active.
func (s *Store) Create(ctx context.Context) (Session, error) {
	var sess *Session
	if s.authenticated() {
		created, err := s.remote.CreateSession(ctx, "")
		if err != nil {
			return Session{}, fmt.Errorf("create session: %w", err)
		}
		sess = fromConversation(created)
	}

	s.mu.Lock()
	if sess == nil {
		sess = &Session{
			ID:       uuid.NewString(),
			Title:    fmt.Sprintf("Session %d", len(s.sessions)+1),
			Messages: []Message{},
		}
	}
	s.sessions = append(s.sessions, sess)
	s.active = sess.ID
	out := clone(sess)
	s.mu.Unlock()

	s.saveLocal(ctx)
	return out, nil
}

// Switch activates id. It reports whether the active session changed.
func (s *Store) Switch(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.active {
		return false, nil
	}
	if s.find(id) == nil {
		return false, ErrNotFound
	}
	s.active = id
	return true, nil
}

// Delete removes a session. The last remaining session cannot be deleted.
// Deleting the active session activates the first remaining one.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	count := len(s.sessions)
	exists := s.find(id) != nil
	s.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}
	if count == 1 {
		return ErrLastSession
	}
	if s.authenticated() {
		if err := s.remote.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}

	s.mu.Lock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	if s.active == id && len(s.sessions) > 0 {
		s.active = s.sessions[0].ID
	}
	s.mu.Unlock()

	s.saveLocal(ctx)
	return nil
}

func (s *Store) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	s.mu.RLock()
	exists := s.find(id) != nil
	s.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}
	if s.authenticated() {
		if _, err := s.remote.RenameSession(ctx, id, title); err != nil {
			return fmt.Errorf("rename session: %w", err)
		}
	}

	s.mu.Lock()
	if sess := s.find(id); sess != nil {
		sess.Title = title
	}
	s.mu.Unlock()
	s.saveLocal(ctx)
	return nil
}

func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Store) Active() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.find(s.active)
	if sess == nil {
		return Session{}, false
	}
	return clone(sess), true
}

func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, clone(sess))
	}
	return out
}

// Messages returns a copy of the messages of sessionID.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.find(sessionID)
	if sess == nil {
		return nil
	}
	return append([]Message(nil), sess.Messages...)
}

// Append adds a message to sessionID and returns its id, or "" when the
// session no longer exists.
func (s *Store) Append(sessionID string, role Role, text string) string {
	s.mu.Lock()
	sess := s.find(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return ""
	}
	msg := Message{ID: uuid.NewString(), Role: role, Text: text}
	sess.Messages = append(sess.Messages, msg)
	s.dirty = true
	s.mu.Unlock()
	return msg.ID
}

// PatchText replaces the text of one message. It reports whether the
// message was found.
func (s *Store) PatchText(sessionID, messageID, text string) bool {
	return s.edit(sessionID, messageID, func(m *Message) { m.Text = text })
}

// AppendText extends the text of one message.
func (s *Store) AppendText(sessionID, messageID, delta string) bool {
	return s.edit(sessionID, messageID, func(m *Message) { m.Text += delta })
}

func (s *Store) edit(sessionID, messageID string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.find(sessionID)
	if sess == nil {
		return false
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			fn(&sess.Messages[i])
			s.dirty = true
			return true
		}
	}
	return false
}

// Persist stores one finished message remotely. Anonymous users have
// nothing to persist remotely; their sessions reach disk through Flush.
func (s *Store) Persist(ctx context.Context, sessionID string, role Role, text string) error {
	if !s.authenticated() || sessionID == "" || text == "" {
		return nil
	}
	if _, err := s.remote.AppendMessage(ctx, sessionID, string(role), text); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

// Flush writes pending message edits to the local snapshot.
func (s *Store) Flush(ctx context.Context) {
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if dirty {
		s.saveLocal(ctx)
	}
}

func (s *Store) saveLocal(ctx context.Context) {
	if s.local == nil || s.authenticated() {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	if err := s.local.Save(ctx, s.List()); err != nil {
		s.logger.Warn("save local sessions failed", "error", err)
	}
}

func (s *Store) find(id string) *Session {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func clone(in *Session) Session {
	out := *in
	out.Messages = append([]Message{}, in.Messages...)
	return out
}
