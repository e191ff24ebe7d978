package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/stella/internal/audio"
	"github.com/ent0n29/stella/internal/config"
	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
	"github.com/ent0n29/stella/internal/session"
	"github.com/ent0n29/stella/internal/transcription"
	"github.com/ent0n29/stella/internal/transport"
	"github.com/ent0n29/stella/internal/voice"
)

type ClientBuild struct {
	Config       config.Config
	Orchestrator *voice.Orchestrator
	Sessions     *session.Store
	Credentials  transport.CredentialProvider

	// Cleanup closes the realtime channel, audio devices and the local
	// snapshot, in that order.
	Cleanup func() error
}

// BuildClient wires the voice client: MemoryAPI client, session store with
// its on-disk snapshot, realtime transport over the audio devices, the
// transcription pipeline and the orchestrator on top.
func BuildClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*ClientBuild, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	base := strings.TrimRight(cfg.ServiceURL, "/")

	remote := memoryapi.NewClient(memoryapi.Config{
		BaseURL: base,
		UserID:  cfg.UserID,
		Logger:  logger.With("component", "memoryapi"),
	})

	snapshot, err := session.OpenSQLiteSnapshot(cfg.LocalStorePath)
	if err != nil {
		return nil, fmt.Errorf("open local session store: %w", err)
	}
	sessions := session.NewStore(remote, snapshot, logger.With("component", "sessions"))
	if err := sessions.Load(ctx); err != nil {
		logger.Warn("session load failed; starting fresh", "error", err)
	}

	terminate, err := audio.Init()
	if err != nil {
		_ = snapshot.Close()
		return nil, fmt.Errorf("audio init failed: %w", err)
	}

	var source audio.Source
	if mic, err := audio.NewMicrophone(cfg.SampleRate, logger); err != nil {
		logger.Warn("microphone unavailable", "error", err)
	} else {
		source = mic
	}
	sink, err := audio.NewSpeaker(cfg.SampleRate)
	if err != nil {
		logger.Warn("speaker unavailable; model audio is discarded", "error", err)
		sink = &audio.NullSink{}
	}

	channel := transport.New(transport.Config{
		URL:     cfg.RealtimeURL + "?model=" + cfg.RealtimeModel,
		Session: protocol.NewSessionConfig(cfg.RealtimeModel, cfg.RealtimeVoice, cfg.Instructions, cfg.SampleRate),
		Source:  source,
		Sink:    sink,
		Metrics: metrics,
		Logger:  logger.With("component", "transport"),
	})

	pipeCfg := transcription.Config{
		Batch: transcription.HTTPTranscriber{
			URL:    base + "/v1/stt",
			UserID: cfg.UserID,
		},
		SampleRate:     cfg.SampleRate,
		MinUploadBytes: cfg.MinUploadBytes,
		Metrics:        metrics,
		Logger:         logger.With("component", "transcription"),
	}
	if strings.TrimSpace(cfg.LiveSTTAPIKey) != "" {
		pipeCfg.Live = &transcription.WSRecognizer{
			URL:        cfg.LiveSTTURL,
			APIKey:     cfg.LiveSTTAPIKey,
			Model:      cfg.LiveSTTModel,
			SampleRate: cfg.SampleRate,
			Logger:     logger.With("component", "live-stt"),
		}
	} else {
		logger.Info("live transcription disabled; only the batch transcript is shown")
	}

	orch := voice.New(ctx, voice.Config{
		Channel:           channel,
		Pipeline:          transcription.NewPipeline(pipeCfg),
		Store:             sessions,
		Memory:            remote,
		MinRecording:      cfg.MinRecording,
		ContextMatchLimit: cfg.ContextMatchLimit,
		Metrics:           metrics,
		Logger:            logger.With("component", "voice"),
	})

	cleanup := func() error {
		var errs []string
		if err := orch.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		sessions.Flush(context.WithoutCancel(ctx))
		if err := sink.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if source != nil {
			if err := source.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		terminate()
		if err := snapshot.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		return joinErrors(errs)
	}

	return &ClientBuild{
		Config:       cfg,
		Orchestrator: orch,
		Sessions:     sessions,
		Credentials: transport.HTTPCredentialProvider{
			URL:    base + "/v1/realtime/token",
			UserID: cfg.UserID,
		},
		Cleanup: cleanup,
	}, nil
}
