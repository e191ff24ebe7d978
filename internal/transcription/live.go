package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/stella/internal/reliability"
)

// LiveResult is one streaming recognition update. Final results are stable;
// interim results replace each other. A result with Err set is the last one
// the session delivers.
type LiveResult struct {
	Text  string
	Final bool
	Err   error
}

// LiveError is an error message reported by the live recognizer.
type LiveError struct {
	Type   string
	Detail string
}

func (e *LiveError) Error() string {
	if e.Detail == "" {
		return "live stt: " + e.Type
	}
	return fmt.Sprintf("live stt: %s: %s", e.Type, e.Detail)
}

// Retryable reports whether the recognizer may recover on its own.
func (e *LiveError) Retryable() bool {
	return reliability.IsRetryableRealtimeMessageType(e.Type)
}

// LiveSession streams audio to a recognizer until closed. Results is closed
// once the session ends.
type LiveSession interface {
	SendAudio(pcm []byte) error
	Results() <-chan LiveResult
	Close() error
}

type LiveRecognizer interface {
	Start(ctx context.Context) (LiveSession, error)
}

// WSRecognizer streams PCM to a realtime speech-to-text websocket that emits
// partial_transcript and committed_transcript messages.
type WSRecognizer struct {
	URL        string
	APIKey     string
	Model      string
	SampleRate int
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

func (r *WSRecognizer) Start(ctx context.Context) (LiveSession, error) {
	base := strings.TrimSpace(r.URL)
	if base == "" {
		base = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse live stt url: %w", err)
	}
	q := u.Query()
	if r.Model != "" {
		q.Set("model_id", r.Model)
	}
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if r.APIKey != "" {
		headers.Set("xi-api-key", r.APIKey)
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial live stt websocket: %w", err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &wsLiveSession{
		conn:       conn,
		sampleRate: r.SampleRate,
		results:    make(chan LiveResult, 64),
		logger:     logger,
	}
	go s.readLoop()
	return s, nil
}

type wsLiveSession struct {
	conn       *websocket.Conn
	sampleRate int
	logger     *slog.Logger
	writeMu    sync.Mutex
	closeOnce  sync.Once
	results    chan LiveResult
}

func (s *wsLiveSession) SendAudio(pcm []byte) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        false,
		"sample_rate":   s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *wsLiveSession) Results() <-chan LiveResult { return s.results }

func (s *wsLiveSession) readLoop() {
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType, _ := raw["message_type"].(string)
		text, _ := raw["text"].(string)
		switch messageType {
		case "partial_transcript":
			s.results <- LiveResult{Text: text}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.results <- LiveResult{Text: text, Final: true}
		case "", "session_started", "input_audio_chunk":
		default:
			detail, _ := raw["error"].(string)
			lerr := &LiveError{Type: messageType, Detail: detail}
			if lerr.Retryable() {
				s.logger.Warn("live stt transient error", "type", messageType, "detail", detail)
				continue
			}
			s.results <- LiveResult{Err: lerr}
			return
		}
	}
}

func (s *wsLiveSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
