package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/policy"
)

const invalidPayload = "Invalid payload."

func (s *Server) handleLogEmotion(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.EmotionRequest
	if err := decodeJSON(r, &req); err != nil || !req.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", invalidPayload)
		return
	}
	rec := memory.EmotionalLog{
		UserID:     userFrom(r),
		SessionID:  strings.TrimSpace(req.SessionID),
		Emotion:    req.Emotion,
		Intensity:  *req.Intensity,
		Triggers:   req.PrimaryTriggers,
		Confidence: req.Confidence,
	}
	if rec.Triggers == nil {
		rec.Triggers = []string{}
	}
	redactedTriggers, triggersChanged := policy.RedactValue(rec.Triggers)
	rec.Triggers, _ = redactedTriggers.([]string)
	rec.PIIRedacted = policy.RedactFields(&rec.Emotion) || triggersChanged

	saved, err := s.store.LogEmotion(r.Context(), rec)
	if err != nil {
		s.storeFailed(w, "log emotion", err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleExternalize(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.ThoughtRequest
	if err := decodeJSON(r, &req); err != nil || !req.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", invalidPayload)
		return
	}
	rec := memory.ExternalizedThought{
		UserID:    userFrom(r),
		SessionID: strings.TrimSpace(req.SessionID),
		Summary:   req.Summary,
	}
	structured, viewChanged := policy.RedactValue(req.StructuredView)
	rec.Structured, _ = structured.(map[string]any)
	rec.PIIRedacted = policy.RedactFields(&rec.Summary) || viewChanged

	saved, err := s.store.SaveThought(r.Context(), rec)
	if err != nil {
		s.storeFailed(w, "externalize thoughts", err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.SaveSessionRequest
	if err := decodeJSON(r, &req); err != nil || !req.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", invalidPayload)
		return
	}
	rec := memory.SavedSession{
		UserID:      userFrom(r),
		SessionID:   strings.TrimSpace(req.SessionID),
		Summary:     req.SessionSummary,
		Emotion:     req.Emotion,
		Intensity:   *req.Intensity,
		KeyStressor: req.KeyStressor,
		MicroStep:   req.MicroStep,
	}
	rec.PIIRedacted = policy.RedactFields(&rec.Summary, &rec.KeyStressor, &rec.MicroStep)

	saved, err := s.store.SaveSession(r.Context(), rec)
	if err != nil {
		s.storeFailed(w, "save session", err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleParkWorry(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.WorryRequest
	if err := decodeJSON(r, &req); err != nil || !req.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", invalidPayload)
		return
	}
	rec := memory.ParkedWorry{
		UserID:     userFrom(r),
		SessionID:  strings.TrimSpace(req.SessionID),
		Worry:      req.Worry,
		ReviewTime: req.ReviewTime,
	}
	rec.PIIRedacted = policy.RedactFields(&rec.Worry)

	saved, err := s.store.ParkWorry(r.Context(), rec)
	if err != nil {
		s.storeFailed(w, "park worry", err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

// handleRelatedSessions answers an empty list for a blank query. A missing
// or unparsable limit means the default; others are clamped to 1..10.
func (s *Server) handleRelatedSessions(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		respondJSON(w, http.StatusOK, []memory.SavedSession{})
		return
	}
	limit := memory.DefaultRelatedLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	out, err := s.store.RelatedSessions(r.Context(), userFrom(r), query, memory.ClampRelatedLimit(limit))
	if err != nil {
		s.storeFailed(w, "related sessions", err)
		return
	}
	if out == nil {
		out = []memory.SavedSession{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("sessionId"))
	}
	out, err := memory.Insights(r.Context(), s.store, userFrom(r), sessionID)
	if err != nil {
		s.storeFailed(w, "insights", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) storeFailed(w http.ResponseWriter, op string, err error) {
	s.logger.Error("memory store failed", "op", op, "error", err)
	respondError(w, http.StatusInternalServerError, "store_error", "Storage unavailable.")
}
