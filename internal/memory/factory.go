package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects the backends for NewStore.
type Options struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	Logger      *slog.Logger
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory,
// and fronts it with the Redis related-session cache when REDIS_URL is set.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	if strings.TrimSpace(opts.DatabaseURL) == "" {
		store = NewInMemoryStore()
	} else {
		store, err = NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(opts.RedisURL) == "" {
		return store, nil
	}
	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	cacheOpts := []CacheOption{}
	if opts.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, WithCacheTTL(opts.CacheTTL))
	}
	if opts.Logger != nil {
		cacheOpts = append(cacheOpts, WithCacheLogger(opts.Logger))
	}
	return NewCachedStore(store, client, cacheOpts...), nil
}

// Mode names the active backend combination for health reporting.
func Mode(store Store) string {
	switch s := store.(type) {
	case *CachedStore:
		return Mode(s.Store) + "+redis"
	case *PostgresStore:
		return "postgres"
	case *InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}
