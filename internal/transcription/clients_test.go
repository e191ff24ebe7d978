package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stella/internal/memoryapi"
)

func TestHTTPTranscriberUploadsMultipart(t *testing.T) {
	var gotUser string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(memoryapi.UserHeader)
		file, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotAudio, _ = io.ReadAll(file)
		_, _ = w.Write([]byte(`{"transcript":"hello there"}`))
	}))
	defer srv.Close()

	text, err := HTTPTranscriber{URL: srv.URL, UserID: "u1"}.Transcribe(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, []byte("RIFF"), gotAudio)
}

func TestHTTPTranscriberReportsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"Deepgram STT failed","details":"quota"}`))
	}))
	defer srv.Close()

	_, err := HTTPTranscriber{URL: srv.URL}.Transcribe(context.Background(), []byte("RIFF"))
	var te *TranscriptionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadGateway, te.Status)
	assert.Equal(t, "Deepgram STT failed\nquota", te.Error())
}

func TestTranscriptionErrorDefaultMessage(t *testing.T) {
	assert.Equal(t, "Transcription failed", (&TranscriptionError{}).Error())
}

func TestDeepgramClient(t *testing.T) {
	var gotAuth, gotType, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		if strings.Contains(gotAuth, "bad") {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("invalid credentials"))
			return
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"I feel anxious about work today"}]}]}}`))
	}))
	defer srv.Close()

	text, err := DeepgramClient{BaseURL: srv.URL, APIKey: "dg"}.Transcribe(context.Background(), []byte("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "I feel anxious about work today", text)
	assert.Equal(t, "Token dg", gotAuth)
	assert.Equal(t, "audio/wav", gotType)
	assert.Equal(t, "nova-2", gotModel)

	_, err = DeepgramClient{BaseURL: srv.URL, APIKey: "bad"}.Transcribe(context.Background(), []byte("x"), "audio/webm")
	var te *TranscriptionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, "Deepgram STT failed", te.Message)
	assert.Equal(t, "invalid credentials", te.Details)
}

func TestWSRecognizerStreamsResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotChunk := make(chan map[string]any, 1)
	var gotKey, gotStrategy string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotStrategy = r.URL.Query().Get("commit_strategy")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"message_type": "session_started"})
		_ = conn.WriteJSON(map[string]any{"message_type": "partial_transcript", "text": "I feel"})
		_ = conn.WriteJSON(map[string]any{"message_type": "rate_limited", "error": "slow down"})
		_ = conn.WriteJSON(map[string]any{"message_type": "committed_transcript", "text": "I feel anxious"})

		_, data, err := conn.ReadMessage()
		if err == nil {
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			gotChunk <- msg
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := &WSRecognizer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: "xi", SampleRate: 24000}
	sess, err := rec.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.SendAudio([]byte{1, 2}))
	var got []LiveResult
	for len(got) < 2 {
		select {
		case r := <-sess.Results():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for results, got %+v", got)
		}
	}
	assert.Equal(t, []LiveResult{{Text: "I feel"}, {Text: "I feel anxious", Final: true}}, got)

	select {
	case msg := <-gotChunk:
		assert.Equal(t, "input_audio_chunk", msg["message_type"])
		assert.Equal(t, "AQI=", msg["audio_base_64"])
		assert.Equal(t, float64(24000), msg["sample_rate"])
	case <-time.After(2 * time.Second):
		t.Fatal("server never received audio")
	}
	assert.Equal(t, "xi", gotKey)
	assert.Equal(t, "vad", gotStrategy)

	require.NoError(t, sess.Close())
	for range sess.Results() {
	}
}

func TestWSRecognizerEndsOnFatalError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"message_type": "partial_transcript", "text": "I"})
		_ = conn.WriteJSON(map[string]any{"message_type": "auth_error", "error": "bad key"})
		_ = conn.WriteJSON(map[string]any{"message_type": "partial_transcript", "text": "never"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	rec := &WSRecognizer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	sess, err := rec.Start(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	var got []LiveResult
	for r := range sess.Results() {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "I", got[0].Text)
	var lerr *LiveError
	require.ErrorAs(t, got[1].Err, &lerr)
	assert.Equal(t, "auth_error", lerr.Type)
	assert.False(t, lerr.Retryable())
	assert.Equal(t, "live stt: auth_error: bad key", lerr.Error())
}
