package memory

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists memory records and conversations in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func prepare(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}

func (s *PostgresStore) LogEmotion(ctx context.Context, rec EmotionalLog) (EmotionalLog, error) {
	prepare(&rec.ID, &rec.CreatedAt)
	if rec.Triggers == nil {
		rec.Triggers = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO emotional_logs (id, user_id, session_id, emotion, intensity, triggers, confidence, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, nullable(rec.SessionID), rec.Emotion, rec.Intensity, rec.Triggers, rec.Confidence, rec.PIIRedacted, rec.CreatedAt,
	)
	if err != nil {
		return EmotionalLog{}, fmt.Errorf("log emotion: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SaveThought(ctx context.Context, rec ExternalizedThought) (ExternalizedThought, error) {
	prepare(&rec.ID, &rec.CreatedAt)
	if rec.Structured == nil {
		rec.Structured = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO externalized_thoughts (id, user_id, session_id, summary, structured, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, nullable(rec.SessionID), rec.Summary, rec.Structured, rec.PIIRedacted, rec.CreatedAt,
	)
	if err != nil {
		return ExternalizedThought{}, fmt.Errorf("save thought: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec SavedSession) (SavedSession, error) {
	prepare(&rec.ID, &rec.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saved_sessions (id, user_id, session_id, session_summary, emotion, intensity, key_stressor, micro_step, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.UserID, nullable(rec.SessionID), rec.Summary, rec.Emotion, rec.Intensity, rec.KeyStressor, nullable(rec.MicroStep), rec.PIIRedacted, rec.CreatedAt,
	)
	if err != nil {
		return SavedSession{}, fmt.Errorf("save session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ParkWorry(ctx context.Context, rec ParkedWorry) (ParkedWorry, error) {
	prepare(&rec.ID, &rec.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parked_worries (id, user_id, session_id, worry, review_time, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.UserID, nullable(rec.SessionID), rec.Worry, rec.ReviewTime, rec.PIIRedacted, rec.CreatedAt,
	)
	if err != nil {
		return ParkedWorry{}, fmt.Errorf("park worry: %w", err)
	}
	return rec, nil
}

const savedSessionColumns = `id, user_id, COALESCE(session_id, ''), session_summary, emotion, intensity, key_stressor, COALESCE(micro_step, ''), pii_redacted, created_at`

func scanSavedSession(row pgx.Row) (SavedSession, error) {
	var r SavedSession
	err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Summary, &r.Emotion, &r.Intensity, &r.KeyStressor, &r.MicroStep, &r.PIIRedacted, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) RelatedSessions(ctx context.Context, userID, query string, limit int) ([]SavedSession, error) {
	if query == "" {
		return []SavedSession{}, nil
	}
	limit = ClampRelatedLimit(limit)
	pattern := "%" + escapeLike(query) + "%"

	rows, err := s.pool.Query(ctx,
		`SELECT `+savedSessionColumns+`
		 FROM saved_sessions
		 WHERE user_id=$1 AND (session_summary ILIKE $2 OR key_stressor ILIKE $2 OR emotion ILIKE $2)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query related sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SavedSession, 0, limit)
	for rows.Next() {
		r, err := scanSavedSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan related session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate related sessions: %w", err)
	}
	return out, nil
}

func escapeLike(v string) string {
	out := make([]rune, 0, len(v))
	for _, r := range v {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

func (s *PostgresStore) Recent(ctx context.Context, userID, sessionID string, perKind int) (Recent, error) {
	var (
		out Recent
		err error
	)
	filter := `WHERE user_id=$1 AND ($2 = '' OR session_id = $2) ORDER BY created_at DESC LIMIT $3`

	out.Emotions, err = queryRows(ctx, s.pool,
		`SELECT id, user_id, COALESCE(session_id, ''), emotion, intensity, triggers, confidence, pii_redacted, created_at FROM emotional_logs `+filter,
		[]any{userID, sessionID, perKind},
		func(row pgx.Rows) (EmotionalLog, error) {
			var r EmotionalLog
			err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Emotion, &r.Intensity, &r.Triggers, &r.Confidence, &r.PIIRedacted, &r.CreatedAt)
			return r, err
		})
	if err != nil {
		return Recent{}, fmt.Errorf("recent emotions: %w", err)
	}
	out.Thoughts, err = queryRows(ctx, s.pool,
		`SELECT id, user_id, COALESCE(session_id, ''), summary, structured, pii_redacted, created_at FROM externalized_thoughts `+filter,
		[]any{userID, sessionID, perKind},
		func(row pgx.Rows) (ExternalizedThought, error) {
			var r ExternalizedThought
			err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Summary, &r.Structured, &r.PIIRedacted, &r.CreatedAt)
			return r, err
		})
	if err != nil {
		return Recent{}, fmt.Errorf("recent thoughts: %w", err)
	}
	out.Sessions, err = queryRows(ctx, s.pool,
		`SELECT `+savedSessionColumns+` FROM saved_sessions `+filter,
		[]any{userID, sessionID, perKind},
		func(row pgx.Rows) (SavedSession, error) { return scanSavedSession(row) })
	if err != nil {
		return Recent{}, fmt.Errorf("recent sessions: %w", err)
	}
	out.Worries, err = queryRows(ctx, s.pool,
		`SELECT id, user_id, COALESCE(session_id, ''), worry, review_time, pii_redacted, created_at FROM parked_worries `+filter,
		[]any{userID, sessionID, perKind},
		func(row pgx.Rows) (ParkedWorry, error) {
			var r ParkedWorry
			err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Worry, &r.ReviewTime, &r.PIIRedacted, &r.CreatedAt)
			return r, err
		})
	if err != nil {
		return Recent{}, fmt.Errorf("recent worries: %w", err)
	}
	return out, nil
}

func queryRows[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args []any, scan func(pgx.Rows) (T, error)) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	convs, err := queryRows(ctx, s.pool,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id=$1 ORDER BY updated_at DESC`,
		[]any{userID},
		func(row pgx.Rows) (Conversation, error) {
			var c Conversation
			err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
			c.Messages = []ConversationMessage{}
			return c, err
		})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	index := make(map[string]int, len(convs))
	ids := make([]string, len(convs))
	for i, c := range convs {
		index[c.ID] = i
		ids[i] = c.ID
	}
	msgs, err := queryRows(ctx, s.pool,
		`SELECT id, conversation_id, role, text, created_at FROM conversation_messages
		 WHERE conversation_id = ANY($1) ORDER BY created_at ASC`,
		[]any{ids},
		scanMessage)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	for _, m := range msgs {
		i := index[m.ConversationID]
		convs[i].Messages = append(convs[i].Messages, m)
	}
	return convs, nil
}

func scanMessage(row pgx.Rows) (ConversationMessage, error) {
	var m ConversationMessage
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Text, &m.CreatedAt)
	return m, err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now, Messages: []ConversationMessage{}}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) RenameConversation(ctx context.Context, userID, id, title string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`UPDATE conversations SET title=$3, updated_at=now() WHERE id=$1 AND user_id=$2
		 RETURNING id, user_id, title, created_at, updated_at`,
		id, userID, title,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1 AND user_id=$2`, id, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, userID, conversationID, role, text string) (ConversationMessage, error) {
	msg := ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at=$3 WHERE id=$1 AND user_id=$2`,
		conversationID, userID, msg.CreatedAt,
	)
	if err != nil {
		return ConversationMessage{}, fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ConversationMessage{}, ErrNotFound
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, role, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return ConversationMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, userID, conversationID string) ([]ConversationMessage, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id=$1 AND user_id=$2)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	msgs, err := queryRows(ctx, s.pool,
		`SELECT id, conversation_id, role, text, created_at FROM conversation_messages
		 WHERE conversation_id=$1 ORDER BY created_at ASC`,
		[]any{conversationID},
		scanMessage)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
