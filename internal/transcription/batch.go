package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/stella/internal/memoryapi"
)

// TranscriptionError is a failed batch transcription as reported by the
// service: a short message plus optional upstream details.
type TranscriptionError struct {
	Status  int
	Message string
	Details string
}

func (e *TranscriptionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Transcription failed"
	}
	if e.Details != "" {
		return msg + "\n" + e.Details
	}
	return msg
}

// BatchTranscriber turns a finished recording into text.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// HTTPTranscriber uploads recordings to the stella service's /v1/stt route.
type HTTPTranscriber struct {
	URL    string
	UserID string
	Client *http.Client
}

func (t HTTPTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, &body)
	if err != nil {
		return "", fmt.Errorf("build stt request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.UserID != "" {
		req.Header.Set(memoryapi.UserHeader, t.UserID)
	}
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", &TranscriptionError{Message: "Transcription error", Details: err.Error()}
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		var payload memoryapi.ErrorResponse
		_ = json.Unmarshal(raw, &payload)
		return "", &TranscriptionError{Status: res.StatusCode, Message: payload.Error, Details: payload.Details}
	}
	var payload struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", &TranscriptionError{Status: res.StatusCode, Message: "Transcription error", Details: err.Error()}
	}
	return payload.Transcript, nil
}

// DeepgramClient calls Deepgram's prerecorded listen endpoint.
type DeepgramClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

// Transcribe returns the first alternative of the first channel. A non-2xx
// answer yields a TranscriptionError carrying Deepgram's status and body.
func (d DeepgramClient) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	if base == "" {
		base = "https://api.deepgram.com"
	}
	model := d.Model
	if model == "" {
		model = "nova-2"
	}
	if contentType == "" {
		contentType = "audio/wav"
	}
	endpoint := base + "/v1/listen?model=" + url.QueryEscape(model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("build deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.APIKey)
	req.Header.Set("Content-Type", contentType)

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		return "", &TranscriptionError{Status: res.StatusCode, Message: "Deepgram STT failed", Details: string(detail)}
	}
	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
