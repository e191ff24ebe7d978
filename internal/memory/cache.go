package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore fronts RelatedSessions with a Redis cache. Every other call goes
// straight to the wrapped Store. A SaveSession bumps the user's cache
// generation, so stale lookups are never served after a new summary lands.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// CacheOption configures a CachedStore.
type CacheOption func(*CachedStore)

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedStore) { c.ttl = ttl }
}

func WithCachePrefix(prefix string) CacheOption {
	return func(c *CachedStore) { c.prefix = prefix }
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CachedStore) { c.logger = logger }
}

func NewCachedStore(store Store, client *redis.Client, opts ...CacheOption) *CachedStore {
	c := &CachedStore{
		Store:  store,
		client: client,
		ttl:    5 * time.Minute,
		prefix: "stella",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedStore) generationKey(userID string) string {
	return fmt.Sprintf("%s:related:gen:%s", c.prefix, userID)
}

func (c *CachedStore) lookupKey(userID string, gen int64, query string, limit int) string {
	return fmt.Sprintf("%s:related:%s:%d:%d:%s", c.prefix, userID, gen, limit, strings.ToLower(query))
}

func (c *CachedStore) generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *CachedStore) RelatedSessions(ctx context.Context, userID, query string, limit int) ([]SavedSession, error) {
	if query == "" {
		return []SavedSession{}, nil
	}
	limit = ClampRelatedLimit(limit)

	gen, err := c.generation(ctx, userID)
	if err != nil {
		c.logger.Warn("related cache unavailable", "error", err)
		return c.Store.RelatedSessions(ctx, userID, query, limit)
	}
	key := c.lookupKey(userID, gen, query, limit)

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached []SavedSession
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("related cache read failed", "error", err)
	}

	out, err := c.Store.RelatedSessions(ctx, userID, query, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("related cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *CachedStore) SaveSession(ctx context.Context, rec SavedSession) (SavedSession, error) {
	saved, err := c.Store.SaveSession(ctx, rec)
	if err != nil {
		return SavedSession{}, err
	}
	if err := c.client.Incr(ctx, c.generationKey(rec.UserID)).Err(); err != nil {
		c.logger.Warn("related cache invalidation failed", "user_id", rec.UserID, "error", err)
	}
	return saved, nil
}

func (c *CachedStore) Close() error {
	err := c.Store.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}
