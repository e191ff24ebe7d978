package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ent0n29/stella/internal/config"
	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/observability"
)

// Transcriber turns an uploaded recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

type Server struct {
	cfg     config.Config
	store   memory.Store
	stt     Transcriber
	metrics *observability.Metrics
	logger  *slog.Logger
	client  *http.Client
}

// New builds the service. stt may be nil when no speech-to-text key is
// configured; /v1/stt then answers 500.
func New(cfg config.Config, store memory.Store, stt Transcriber, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		stt:     stt,
		metrics: metrics,
		logger:  logger,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observeRequests)
	if s.cfg.AllowAnyOrigin {
		r.Use(allowAnyOrigin)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/realtime/token", s.handleRealtimeToken)
	r.Post("/v1/stt", s.handleSTT)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/v1/emotions", s.handleLogEmotion)
		r.Post("/v1/externalize", s.handleExternalize)
		r.Post("/v1/save-session", s.handleSaveSession)
		r.Post("/v1/park-worry", s.handleParkWorry)
		r.Get("/v1/related-sessions", s.handleRelatedSessions)
		r.Get("/v1/insights", s.handleInsights)

		r.Route("/v1/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Patch("/{id}", s.handleRenameSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Post("/{id}/messages", s.handleAppendMessage)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": memory.Mode(s.store),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"store_mode":    memory.Mode(s.store),
		"realtime_key":  s.cfg.OpenAIAPIKey != "",
		"stt_available": s.stt != nil,
	})
}

type userKey struct{}

// requireUser resolves the caller identity from the X-Stella-User header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(memoryapi.UserHeader))
		if user == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

// allowAnyOrigin lets browser clients on other origins call the API.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+memoryapi.UserHeader)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, strconv.Itoa(status))
	})
}

type errorResponse = memoryapi.ErrorResponse

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
