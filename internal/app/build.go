package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/stella/internal/config"
	"github.com/ent0n29/stella/internal/httpapi"
	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/transcription"
)

type ServerBuild struct {
	Config  config.Config
	API     *httpapi.Server
	Store   memory.Store
	Metrics *observability.Metrics

	// Cleanup should be called on shutdown to release the store and cache.
	Cleanup func() error
}

// BuildServer wires the MemoryAPI service: the memory store (postgres or
// in-memory, optionally fronted by redis), the batch speech-to-text client
// and the HTTP routes.
func BuildServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ServerBuild, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		CacheTTL:    cfg.RelatedCacheTTL,
		Logger:      logger.With("component", "memory"),
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	var stt httpapi.Transcriber
	if strings.TrimSpace(cfg.DeepgramAPIKey) != "" {
		stt = transcription.DeepgramClient{
			BaseURL: cfg.DeepgramBaseURL,
			APIKey:  cfg.DeepgramAPIKey,
			Model:   cfg.DeepgramModel,
		}
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set; /v1/stt will reject uploads")
	}

	api := httpapi.New(cfg, store, stt, metrics, logger.With("component", "httpapi"))

	return &ServerBuild{
		Config:  cfg,
		API:     api,
		Store:   store,
		Metrics: metrics,
		Cleanup: store.Close,
	}, nil
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}
