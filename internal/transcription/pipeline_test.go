package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLiveSession struct {
	results chan LiveResult
	once    sync.Once
	mu      sync.Mutex
	sent    int
}

func (s *fakeLiveSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	s.sent += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeLiveSession) Results() <-chan LiveResult { return s.results }

func (s *fakeLiveSession) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type fakeLive struct {
	session *fakeLiveSession
	started chan struct{}
}

func (f *fakeLive) Start(context.Context) (LiveSession, error) {
	defer close(f.started)
	return f.session, nil
}

type fakeBatch struct {
	release    chan struct{}
	transcript string
	err        error
	calls      int
	mu         sync.Mutex
}

func (f *fakeBatch) Transcribe(ctx context.Context, wav []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	return f.transcript, f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLiveResultsBuildDisplayAndTranscript(t *testing.T) {
	live := &fakeLive{session: &fakeLiveSession{results: make(chan LiveResult)}, started: make(chan struct{})}
	p := NewPipeline(Config{Live: live})
	var mu sync.Mutex
	var shown []string
	p.OnLive(func(s string) {
		mu.Lock()
		shown = append(shown, s)
		mu.Unlock()
	})

	p.Start(context.Background())
	<-live.started
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.session != nil
	})

	live.session.results <- LiveResult{Text: "hello"}
	live.session.results <- LiveResult{Text: "hello there", Final: true}
	live.session.results <- LiveResult{Text: "how"}
	waitFor(t, func() bool { return p.LiveDisplay() == "hello there how" })
	assert.Equal(t, "hello there", p.CurrentTranscript())

	p.Write(make([]byte, 10))
	assert.Equal(t, 10, live.session.sent)

	p.Discard()
	p.Wait()
	assert.Equal(t, "", p.LiveDisplay())
	mu.Lock()
	assert.Equal(t, "", shown[len(shown)-1])
	mu.Unlock()
}

func TestCurrentTranscriptFallsBackToInterim(t *testing.T) {
	p := NewPipeline(Config{})
	p.interim = "  partial words "
	assert.Equal(t, "partial words", p.CurrentTranscript())
}

func TestStopStatusForEmptyAndShortRecordings(t *testing.T) {
	batch := &fakeBatch{}
	p := NewPipeline(Config{Batch: batch})
	var statuses []string
	p.OnStatus(func(s string) { statuses = append(statuses, s) })

	p.Start(context.Background())
	assert.False(t, p.Stop(context.Background(), "u1"))

	p.Start(context.Background())
	p.Write(make([]byte, 1000))
	assert.False(t, p.Stop(context.Background(), "u2"))

	assert.Equal(t, []string{StatusNoAudio, StatusTooShort}, statuses)
	assert.Equal(t, 0, batch.calls)
}

func TestStopUploadsAndDeliversResult(t *testing.T) {
	batch := &fakeBatch{transcript: "  I feel better  "}
	p := NewPipeline(Config{Batch: batch})
	results := make(chan Result, 1)
	p.OnResult(func(r Result) { results <- r })

	p.Start(context.Background())
	p.Write(make([]byte, DefaultMinUploadBytes))
	require.True(t, p.Stop(context.Background(), "utt-1"))

	r := <-results
	assert.Equal(t, "utt-1", r.UtteranceID)
	assert.Equal(t, "I feel better", r.Transcript)
	assert.NoError(t, r.Err)
	assert.False(t, p.Recording())
}

func TestResetDropsInFlightUpload(t *testing.T) {
	batch := &fakeBatch{release: make(chan struct{}), transcript: "late"}
	p := NewPipeline(Config{Batch: batch})
	delivered := false
	p.OnResult(func(Result) { delivered = true })

	p.Start(context.Background())
	p.Write(make([]byte, DefaultMinUploadBytes))
	require.True(t, p.Stop(context.Background(), "utt-1"))
	p.Reset()
	close(batch.release)
	p.Wait()
	assert.False(t, delivered)
}

func TestStopClearsLiveTranscript(t *testing.T) {
	live := &fakeLive{session: &fakeLiveSession{results: make(chan LiveResult)}, started: make(chan struct{})}
	p := NewPipeline(Config{Live: live, Batch: &fakeBatch{}})
	var mu sync.Mutex
	var shown []string
	p.OnLive(func(s string) {
		mu.Lock()
		shown = append(shown, s)
		mu.Unlock()
	})

	p.Start(context.Background())
	<-live.started
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.session != nil
	})
	live.session.results <- LiveResult{Text: "hello live", Final: true}
	waitFor(t, func() bool { return p.CurrentTranscript() == "hello live" })

	p.Write(make([]byte, DefaultMinUploadBytes))
	require.True(t, p.Stop(context.Background(), "utt-1"))
	p.Wait()

	assert.Equal(t, "", p.CurrentTranscript())
	assert.Equal(t, "", p.LiveDisplay())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", shown[len(shown)-1])
}

func TestLiveErrorReportsStatus(t *testing.T) {
	live := &fakeLive{session: &fakeLiveSession{results: make(chan LiveResult)}, started: make(chan struct{})}
	p := NewPipeline(Config{Live: live})
	statuses := make(chan string, 1)
	p.OnStatus(func(s string) { statuses <- s })

	p.Start(context.Background())
	<-live.started
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.session != nil
	})
	live.session.results <- LiveResult{Err: &LiveError{Type: "auth_error"}}

	select {
	case s := <-statuses:
		assert.Equal(t, StatusLiveStopped, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status after live error")
	}
	assert.True(t, p.Recording())
	p.Discard()
	p.Wait()
}

func TestWriteIgnoredWhenNotRecording(t *testing.T) {
	p := NewPipeline(Config{})
	p.Write(make([]byte, 100))
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 0, p.pcm.Len())
}

func TestHTTPTranscriberReturnsTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transcript":"hi there"}`))
	}))
	defer srv.Close()

	got, err := HTTPTranscriber{URL: srv.URL}.Transcribe(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)
}

func TestDeepgramClientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	_, err := DeepgramClient{BaseURL: srv.URL}.Transcribe(context.Background(), []byte("abc"), "")
	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Deepgram STT failed", te.Message)
	assert.Equal(t, "bad key", te.Details)
}
