package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/stella/internal/memoryapi"
	"github.com/ent0n29/stella/internal/protocol"
	"github.com/ent0n29/stella/internal/transcription"
)

const maxUploadBytes = 25 << 20

// handleRealtimeToken mints a short-lived client secret for the realtime
// session. The session description carries the model, voice and the memory
// tool schemas.
func (s *Server) handleRealtimeToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.OpenAIAPIKey == "" {
		respondError(w, http.StatusInternalServerError, "missing_api_key", "Missing OPENAI_API_KEY")
		return
	}
	body, err := json.Marshal(map[string]any{
		"session": protocol.NewSessionConfig(s.cfg.RealtimeModel, s.cfg.RealtimeVoice, s.cfg.Instructions, s.cfg.SampleRate),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_failed", "Failed to create token")
		return
	}
	endpoint := strings.TrimRight(s.cfg.OpenAIBaseURL, "/") + "/v1/realtime/client_secrets"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_failed", "Failed to create token")
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("mint realtime token failed", "error", err)
		respondError(w, http.StatusInternalServerError, "token_failed", "Failed to create token")
		return
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		s.logger.Warn("realtime token rejected upstream", "status", res.StatusCode)
		respondJSON(w, res.StatusCode, errorResponse{Error: "Failed to create token", Details: string(raw)})
		return
	}
	var token memoryapi.TokenResponse
	if err := json.Unmarshal(raw, &token); err != nil || token.Value == "" {
		respondError(w, http.StatusBadGateway, "token_failed", "Failed to create token")
		return
	}
	respondJSON(w, http.StatusOK, token)
}

// handleSTT accepts a multipart "audio" upload and answers {transcript}, or
// {error, details} with the upstream status.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "no_audio", "No audio provided")
		return
	}
	defer file.Close()
	if s.stt == nil {
		respondError(w, http.StatusInternalServerError, "missing_api_key", "Missing Deepgram API key")
		return
	}
	audio, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "no_audio", "No audio provided")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "audio/wav"
	}

	transcript, err := s.stt.Transcribe(r.Context(), audio, contentType)
	if err != nil {
		status := http.StatusBadGateway
		resp := errorResponse{Error: "Transcription error", Details: err.Error()}
		var te *transcription.TranscriptionError
		if errors.As(err, &te) {
			if te.Status >= 400 {
				status = te.Status
			}
			resp = errorResponse{Error: te.Message, Details: te.Details}
		}
		s.logger.Warn("transcription failed", "status", status, "error", err)
		respondJSON(w, status, resp)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}
