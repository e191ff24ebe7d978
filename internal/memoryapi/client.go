package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/reliability"
)

var ErrUnauthenticated = errors.New("memoryapi: no user identity")

const (
	maxReadAttempts = 3
	retryBase       = 100 * time.Millisecond
	retryCap        = 800 * time.Millisecond
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the stella service's MemoryAPI and session routes.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  strings.TrimSpace(cfg.UserID),
		http:    hc,
		logger:  logger,
	}
}

// Authenticated reports whether requests carry a user identity.
func (c *Client) Authenticated() bool {
	return c != nil && c.userID != ""
}

func (c *Client) LogEmotion(ctx context.Context, req EmotionRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/emotions", req, nil)
}

func (c *Client) Externalize(ctx context.Context, req ThoughtRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/externalize", req, nil)
}

func (c *Client) SaveSession(ctx context.Context, req SaveSessionRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/save-session", req, nil)
}

func (c *Client) ParkWorry(ctx context.Context, req WorryRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/park-worry", req, nil)
}

// RelatedSessions returns saved sessions matching query. An empty query
// returns an empty slice without a request.
func (c *Client) RelatedSessions(ctx context.Context, query string, limit int) ([]memory.SavedSession, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []memory.SavedSession{}, nil
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))

	var out []memory.SavedSession
	if err := c.do(ctx, http.MethodGet, "/v1/related-sessions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.SavedSession{}
	}
	return out, nil
}

func (c *Client) Insights(ctx context.Context, sessionID string) ([]memory.Insight, error) {
	path := "/v1/insights"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	var out []memory.Insight
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]memory.Conversation, error) {
	var out []memory.Conversation
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (memory.Conversation, error) {
	var out memory.Conversation
	err := c.do(ctx, http.MethodPost, "/v1/sessions", TitleRequest{Title: title}, &out)
	return out, err
}

func (c *Client) RenameSession(ctx context.Context, id, title string) (memory.Conversation, error) {
	var out memory.Conversation
	err := c.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), TitleRequest{Title: title}, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AppendMessage(ctx context.Context, sessionID, role, text string) (memory.ConversationMessage, error) {
	var out memory.ConversationMessage
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages", MessageRequest{Role: role, Text: text}, &out)
	return out, err
}

// do sends one request. Reads are retried on retryable statuses; writes are not.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.Authenticated() {
		return ErrUnauthenticated
	}
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = raw
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = maxReadAttempts
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = c.once(ctx, method, path, payload, out)
		var se *reliability.StatusError
		if lastErr == nil || !errors.As(lastErr, &se) || !se.Retryable() {
			return lastErr
		}
		c.logger.Debug("retrying memoryapi request", "method", method, "path", path, "status", se.Status, "attempt", attempt+1)
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set(UserHeader, c.userID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &reliability.StatusError{Op: method + " " + path, Status: res.StatusCode, Body: string(raw)}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
