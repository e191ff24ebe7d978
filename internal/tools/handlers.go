package tools

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
)

// MemoryClient is the subset of the MemoryAPI the tool handlers call.
type MemoryClient interface {
	LogEmotion(ctx context.Context, req memoryapi.EmotionRequest) error
	Externalize(ctx context.Context, req memoryapi.ThoughtRequest) error
	SaveSession(ctx context.Context, req memoryapi.SaveSessionRequest) error
	ParkWorry(ctx context.Context, req memoryapi.WorryRequest) error
	RelatedSessions(ctx context.Context, query string, limit int) ([]memory.SavedSession, error)
}

// MemoryHandlers builds the five memory tools. sessionID is read when each
// call runs, so calls finishing after a session switch use the new session.
func MemoryHandlers(client MemoryClient, sessionID func() string, metrics *observability.Metrics, logger *slog.Logger) map[string]Handler {
	if logger == nil {
		logger = slog.Default()
	}
	write := func(kind string, call func(ctx context.Context, args map[string]any, sid string) error) Handler {
		return func(ctx context.Context, args map[string]any) any {
			if args != nil {
				if err := call(ctx, args, sessionID()); err != nil {
					metrics.ObserveMemoryWrite(kind, "error")
					logger.Warn("memory write failed", "kind", kind, "error", err)
				} else {
					metrics.ObserveMemoryWrite(kind, "ok")
				}
			}
			return map[string]any{"status": "ok"}
		}
	}

	return map[string]Handler{
		protocol.ToolLogEmotionalState: write("emotion", func(ctx context.Context, args map[string]any, sid string) error {
			return client.LogEmotion(ctx, memoryapi.EmotionRequest{
				Emotion:         asString(args["emotion"]),
				Intensity:       asFloat(args["intensity"]),
				PrimaryTriggers: asStrings(args["primary_triggers"]),
				Confidence:      asString(args["confidence"]),
				SessionID:       sid,
			})
		}),
		protocol.ToolExternalizeThoughts: write("thought", func(ctx context.Context, args map[string]any, sid string) error {
			view, _ := args["structured_view"].(map[string]any)
			return client.Externalize(ctx, memoryapi.ThoughtRequest{
				Summary:        asString(args["summary"]),
				StructuredView: view,
				SessionID:      sid,
			})
		}),
		protocol.ToolSaveSession: write("session", func(ctx context.Context, args map[string]any, sid string) error {
			return client.SaveSession(ctx, memoryapi.SaveSessionRequest{
				SessionSummary: asString(args["session_summary"]),
				Emotion:        asString(args["emotion"]),
				Intensity:      asFloat(args["intensity"]),
				KeyStressor:    asString(args["key_stressor"]),
				MicroStep:      asString(args["micro_step"]),
				SessionID:      sid,
			})
		}),
		protocol.ToolParkWorryForLater: write("worry", func(ctx context.Context, args map[string]any, sid string) error {
			return client.ParkWorry(ctx, memoryapi.WorryRequest{
				Worry:      asString(args["worry"]),
				ReviewTime: asString(args["review_time"]),
				SessionID:  sid,
			})
		}),
		protocol.ToolRetrieveRelatedSessions: func(ctx context.Context, args map[string]any) any {
			empty := map[string]any{"sessions": []memory.SavedSession{}}
			query := strings.TrimSpace(asString(args["query"]))
			if query == "" {
				return empty
			}
			limit := memory.DefaultRelatedLimit
			if n := asFloat(args["limit"]); n != nil {
				limit = int(*n)
			}
			sessions, err := client.RelatedSessions(ctx, query, limit)
			if err != nil {
				logger.Warn("related session lookup failed", "error", err)
				return empty
			}
			return map[string]any{"sessions": sessions}
		},
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	default:
		return nil
	}
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
