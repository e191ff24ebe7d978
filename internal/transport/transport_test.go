package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stella/internal/audio"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
)

var metricsSeq atomic.Int64

type fakeRealtime struct {
	t        *testing.T
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	authz    chan string
	confirm  bool
}

func newFakeRealtime(t *testing.T, confirm bool) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		t:        t,
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
		authz:    make(chan string, 1),
		confirm:  confirm,
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(raw, &msg)
			if msg["type"] == protocol.TypeSessionUpdate && f.confirm {
				_ = conn.WriteJSON(map[string]any{"type": "session.updated"})
			}
			f.received <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRealtime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound event")
		return nil
	}
}

type chanSource struct {
	frames chan []byte
	err    error
}

func (s *chanSource) Start(context.Context) (<-chan []byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.frames, nil
}

func (s *chanSource) Close() error { return nil }

func newTestTransport(url string, src audio.Source, sink audio.Sink) *Transport {
	return New(Config{
		URL:                url,
		Session:            protocol.NewSessionConfig("gpt-realtime", "marin", "be kind", audio.DefaultSampleRate),
		Source:             src,
		Sink:               sink,
		NegotiationTimeout: time.Second,
		Metrics:            observability.NewMetrics(fmt.Sprintf("stella_transport_test_%d", metricsSeq.Add(1))),
		Logger:             observability.Discard(),
	})
}

func TestOpenNegotiatesAndSendsEvents(t *testing.T) {
	fake := newFakeRealtime(t, true)
	src := &chanSource{frames: make(chan []byte, 4)}
	tr := newTestTransport(fake.url(), src, nil)

	var mu sync.Mutex
	var seen []protocol.EventKind
	tr.OnEvent(func(evt protocol.ServerEvent) {
		mu.Lock()
		seen = append(seen, evt.Kind)
		mu.Unlock()
	})

	require.NoError(t, tr.Open(context.Background(), StaticCredential("secret")))
	defer tr.Close()

	assert.Equal(t, "Bearer secret", <-fake.authz)
	assert.Equal(t, StateOpen, tr.Status())
	update := fake.next(t)
	assert.Equal(t, protocol.TypeSessionUpdate, update["type"])
	session, _ := update["session"].(map[string]any)
	assert.Equal(t, "gpt-realtime", session["model"])

	mu.Lock()
	assert.Equal(t, []protocol.EventKind{protocol.KindSessionUpdated}, seen)
	mu.Unlock()

	require.True(t, tr.Send(protocol.ResponseCreate()))
	assert.Equal(t, protocol.TypeResponseCreate, fake.next(t)["type"])
}

func TestMicGateControlsAppendButNotCapture(t *testing.T) {
	fake := newFakeRealtime(t, true)
	src := &chanSource{frames: make(chan []byte, 4)}
	tr := newTestTransport(fake.url(), src, nil)

	captured := make(chan []byte, 4)
	tr.OnCapture(func(frame []byte) { captured <- frame })
	require.NoError(t, tr.Open(context.Background(), StaticCredential("k")))
	defer tr.Close()
	_ = fake.next(t) // session.update

	src.frames <- []byte{1, 2}
	select {
	case frame := <-captured:
		assert.Equal(t, []byte{1, 2}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not captured while mic disabled")
	}

	tr.SetMicEnabled(true)
	src.frames <- []byte{3, 4}
	msg := fake.next(t)
	assert.Equal(t, protocol.TypeInputAudioAppend, msg["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{3, 4}), msg["audio"])
}

func TestOpenFailureStages(t *testing.T) {
	t.Run("credential", func(t *testing.T) {
		tr := newTestTransport("ws://127.0.0.1:1", nil, nil)
		err := tr.Open(context.Background(), StaticCredential(""))
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageCredential, se.Stage)
		assert.Equal(t, StateErrored, tr.Status())
	})
	t.Run("permission", func(t *testing.T) {
		tr := newTestTransport("ws://127.0.0.1:1", &chanSource{err: audio.ErrUnavailable}, nil)
		err := tr.Open(context.Background(), StaticCredential("k"))
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StagePermission, se.Stage)
		assert.True(t, errors.Is(err, audio.ErrUnavailable))
	})
	t.Run("negotiation", func(t *testing.T) {
		fake := newFakeRealtime(t, false)
		tr := newTestTransport(fake.url(), nil, nil)
		err := tr.Open(context.Background(), StaticCredential("k"))
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageNegotiation, se.Stage)
		assert.Equal(t, StateErrored, tr.Status())
	})
}

func TestCloseDuringOpenAbortsSetup(t *testing.T) {
	fake := newFakeRealtime(t, false)
	tr := newTestTransport(fake.url(), nil, nil)
	tr.cfg.NegotiationTimeout = 10 * time.Second

	opened := make(chan error, 1)
	go func() { opened <- tr.Open(context.Background(), StaticCredential("k")) }()

	select {
	case <-fake.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("realtime server never dialed")
	}
	require.Equal(t, StateConnecting, tr.Status())
	require.NoError(t, tr.Open(context.Background(), StaticCredential("k")), "second Open while connecting is a no-op")
	assert.Equal(t, StateConnecting, tr.Status())

	require.NoError(t, tr.Close())
	select {
	case err := <-opened:
		var se *SetupError
		require.ErrorAs(t, err, &se)
		assert.ErrorIs(t, err, ErrClosedDuringSetup)
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after Close")
	}
	assert.Equal(t, StateClosed, tr.Status())
	assert.False(t, tr.Send(protocol.ResponseCreate()))
	tr.Wait()
}

func TestSendDropsWhenNotOpen(t *testing.T) {
	tr := newTestTransport("ws://127.0.0.1:1", nil, nil)
	assert.False(t, tr.Send(protocol.ResponseCreate()))
	assert.Equal(t, StateIdle, tr.Status())
}

func TestCloseIsIdempotentAndRemoteCloseNotifies(t *testing.T) {
	fake := newFakeRealtime(t, true)
	tr := newTestTransport(fake.url(), nil, nil)
	closed := make(chan error, 1)
	tr.OnClosed(func(err error) { closed <- err })
	require.NoError(t, tr.Open(context.Background(), StaticCredential("k")))

	conn := <-fake.conns
	_ = conn.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed not invoked after remote close")
	}
	assert.Equal(t, StateClosed, tr.Status())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	tr.Wait()
}

func TestAudioDeltaReachesSinkUnlessPaused(t *testing.T) {
	fake := newFakeRealtime(t, true)
	sink := &audio.NullSink{}
	tr := newTestTransport(fake.url(), nil, sink)
	delivered := make(chan struct{}, 4)
	tr.OnEvent(func(evt protocol.ServerEvent) {
		if evt.Kind == protocol.KindAudioDelta {
			delivered <- struct{}{}
		}
	})
	require.NoError(t, tr.Open(context.Background(), StaticCredential("k")))
	defer tr.Close()
	conn := <-fake.conns

	delta := base64.StdEncoding.EncodeToString(make([]byte, 480))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "response.output_audio.delta", "delta": delta}))
	<-delivered
	assert.Equal(t, 480, sink.Written())

	assert.True(t, tr.TogglePlayback())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "response.output_audio.delta", "delta": delta}))
	<-delivered
	assert.Equal(t, 480, sink.Written())
	assert.False(t, tr.TogglePlayback())
}

func TestResponseGate(t *testing.T) {
	var g ResponseGate
	assert.True(t, g.TryBegin())
	assert.False(t, g.TryBegin())
	assert.True(t, g.Active())
	assert.True(t, g.End())
	assert.False(t, g.End())
	g.Mark()
	assert.True(t, g.Active())
}

func TestHTTPCredentialProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Stella-User") == "" {
			_, _ = w.Write([]byte(`{"value":""}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":"ek_123","expires_at":1700000000}`))
	}))
	defer srv.Close()

	got, err := HTTPCredentialProvider{URL: srv.URL, UserID: "u1"}.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_123", got)

	_, err = HTTPCredentialProvider{URL: srv.URL}.Credential(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCredential)
}
