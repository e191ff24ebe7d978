package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/memoryapi"
)

const sessionNotFound = "Session not found."

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListConversations(r.Context(), userFrom(r))
	if err != nil {
		s.storeFailed(w, "list sessions", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.TitleRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Session"
	}
	created, err := s.store.CreateConversation(r.Context(), userFrom(r), title)
	if err != nil {
		s.storeFailed(w, "create session", err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.TitleRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	updated, err := s.store.RenameConversation(r.Context(), userFrom(r), chi.URLParam(r, "id"), title)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", sessionNotFound)
		return
	}
	if err != nil {
		s.storeFailed(w, "rename session", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConversation(r.Context(), userFrom(r), chi.URLParam(r, "id")); err != nil {
		s.storeFailed(w, "delete session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.ListMessages(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", sessionNotFound)
		return
	}
	if err != nil {
		s.storeFailed(w, "list messages", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req memoryapi.MessageRequest
	if err := decodeJSON(r, &req); err != nil || !req.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_payload", "Role and text are required.")
		return
	}
	msg, err := s.store.AppendMessage(r.Context(), userFrom(r), chi.URLParam(r, "id"), req.Role, req.Text)
	if errors.Is(err, memory.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", sessionNotFound)
		return
	}
	if err != nil {
		s.storeFailed(w, "append message", err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}
