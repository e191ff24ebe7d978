package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/stella/internal/audio"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stage names the setup step that failed.
type Stage string

const (
	StageCredential  Stage = "credential"
	StagePermission  Stage = "permission"
	StageNegotiation Stage = "negotiation"
)

// SetupError is returned by Open when the session could not be established.
type SetupError struct {
	Stage Stage
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("realtime setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

var ErrClosedDuringSetup = errors.New("transport closed during setup")

const (
	defaultNegotiationTimeout = 10 * time.Second
	defaultOutboundQueue      = 256
	criticalSendTimeout       = 600 * time.Millisecond
	writeTimeout              = 5 * time.Second
)

// Config wires a Transport to its endpoint and audio devices.
type Config struct {
	URL     string
	Session protocol.SessionConfig
	// Source may be nil when no microphone is attached.
	Source audio.Source
	// Sink renders model audio; nil uses a NullSink.
	Sink               audio.Sink
	Dialer             *websocket.Dialer
	NegotiationTimeout time.Duration
	OutboundQueue      int
	Metrics            *observability.Metrics
	Logger             *slog.Logger
}

// Transport owns one bidirectional realtime session: the websocket event
// channel, the outbound microphone track and the render sink.
type Transport struct {
	cfg    Config
	sink   audio.Sink
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	cancel   context.CancelFunc
	outbound chan protocol.ClientEvent
	done     <-chan struct{}

	setup      atomic.Bool
	micEnabled atomic.Bool
	handler    atomic.Pointer[func(protocol.ServerEvent)]
	onClosed   atomic.Pointer[func(error)]
	onCapture  atomic.Pointer[func([]byte)]

	gate ResponseGate
	wg   sync.WaitGroup
}

func New(cfg Config) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = &audio.NullSink{}
	}
	return &Transport{cfg: cfg, sink: sink, logger: logger}
}

func (t *Transport) Status() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Gate() *ResponseGate { return &t.gate }

// OnEvent installs the sole consumer of inbound events. Events are delivered
// one at a time in arrival order.
func (t *Transport) OnEvent(fn func(protocol.ServerEvent)) {
	t.handler.Store(&fn)
}

// OnClosed is invoked when the remote side ends an open session.
func (t *Transport) OnClosed(fn func(error)) {
	t.onClosed.Store(&fn)
}

// OnCapture receives every captured microphone frame, whether or not the
// outbound track is enabled.
func (t *Transport) OnCapture(fn func([]byte)) {
	t.onCapture.Store(&fn)
}

func (t *Transport) SetMicEnabled(enabled bool) {
	t.micEnabled.Store(enabled)
}

func (t *Transport) MicEnabled() bool {
	return t.micEnabled.Load()
}

// Open establishes the session. Calling Open while a setup attempt is in
// flight, or while already open, does nothing.
func (t *Transport) Open(ctx context.Context, creds CredentialProvider) error {
	if !t.setup.CompareAndSwap(false, true) {
		return nil
	}
	defer t.setup.Store(false)

	t.mu.Lock()
	if t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.state = StateConnecting
	t.cancel = cancel
	t.mu.Unlock()

	stopSetupCancel := context.AfterFunc(ctx, cancel)
	defer stopSetupCancel()

	var conn *websocket.Conn
	fail := func(stage Stage, err error) error {
		if conn != nil {
			_ = conn.Close()
		}
		cancel()
		t.mu.Lock()
		if t.state == StateConnecting {
			t.state = StateErrored
		}
		t.mu.Unlock()
		t.cfg.Metrics.ObserveSetupFailure(string(stage))
		t.logger.Warn("realtime setup failed", "stage", stage, "error", err)
		return &SetupError{Stage: stage, Err: err}
	}

	token, err := creds.Credential(sessionCtx)
	if err == nil && token == "" {
		err = ErrEmptyCredential
	}
	if err != nil {
		return fail(StageCredential, err)
	}

	// The outbound track starts disabled; SetMicEnabled gates it.
	t.micEnabled.Store(false)
	var frames <-chan []byte
	if t.cfg.Source != nil {
		frames, err = t.cfg.Source.Start(sessionCtx)
		if err != nil {
			return fail(StagePermission, err)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err = t.cfg.Dialer.DialContext(sessionCtx, t.cfg.URL, header)
	if err != nil {
		return fail(StageNegotiation, fmt.Errorf("dial realtime: %w", err))
	}
	context.AfterFunc(sessionCtx, func() { _ = conn.Close() })

	update := protocol.SessionUpdate(t.cfg.Session)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(update); err != nil {
		return fail(StageNegotiation, fmt.Errorf("send session.update: %w", err))
	}
	t.cfg.Metrics.ObserveRealtimeEvent("out", update.Type, "delivered")

	if err := t.awaitSession(conn); err != nil {
		if sessionCtx.Err() != nil {
			err = ErrClosedDuringSetup
		}
		return fail(StageNegotiation, err)
	}

	outbound := make(chan protocol.ClientEvent, t.cfg.OutboundQueue)
	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		return fail(StageNegotiation, ErrClosedDuringSetup)
	}
	t.state = StateOpen
	t.conn = conn
	t.outbound = outbound
	t.done = sessionCtx.Done()
	t.mu.Unlock()

	t.wg.Add(2)
	go t.writeLoop(sessionCtx, conn, outbound)
	go t.readLoop(conn)
	if frames != nil {
		t.wg.Add(1)
		go t.captureLoop(sessionCtx, frames)
	}
	t.logger.Info("realtime session open", "url", t.cfg.URL)
	return nil
}

// awaitSession reads until the server confirms the session. Events seen
// before confirmation are still delivered.
func (t *Transport) awaitSession(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.NegotiationTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await session confirmation: %w", err)
		}
		evt, err := protocol.ParseServerEvent(raw)
		if err != nil {
			t.logger.Debug("skipping malformed realtime event", "error", err)
			continue
		}
		t.cfg.Metrics.ObserveRealtimeEvent("in", evt.Type, "ok")
		switch evt.Kind {
		case protocol.KindSessionCreated, protocol.KindSessionUpdated:
			t.deliver(evt)
			return nil
		case protocol.KindError:
			if evt.Error != nil && !evt.Error.Benign() {
				return fmt.Errorf("server rejected session: %s", evt.Error.Message)
			}
		}
		t.deliver(evt)
	}
}

// Send enqueues an outbound event. It reports false when the event was
// dropped, either because the session is not open or the queue is saturated.
func (t *Transport) Send(evt protocol.ClientEvent) bool {
	t.mu.Lock()
	open := t.state == StateOpen
	out := t.outbound
	done := t.done
	t.mu.Unlock()
	if !open {
		t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "not_open")
		return false
	}

	if evt.Critical() {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case out <- evt:
			return true
		case <-done:
			t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "closed")
			return false
		case <-timer.C:
			t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "timeout")
			t.logger.Warn("dropping critical realtime event after timeout", "type", evt.Type)
			return false
		}
	}

	select {
	case out <- evt:
		return true
	default:
		t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "dropped")
		return false
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan protocol.ClientEvent) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "error")
				t.logger.Warn("realtime write failed", "type", evt.Type, "error", err)
				_ = conn.Close()
				return
			}
			t.cfg.Metrics.ObserveRealtimeEvent("out", evt.Type, "delivered")
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.remoteClosed(conn, err)
			return
		}
		evt, err := protocol.ParseServerEvent(raw)
		if err != nil {
			t.cfg.Metrics.ObserveRealtimeEvent("in", "unknown", "malformed")
			t.logger.Debug("skipping malformed realtime event", "error", err)
			continue
		}
		t.cfg.Metrics.ObserveRealtimeEvent("in", evt.Type, "ok")
		if evt.Kind == protocol.KindAudioDelta {
			t.play(evt.Delta)
		}
		t.deliver(evt)
	}
}

func (t *Transport) captureLoop(ctx context.Context, frames <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			enabled := t.micEnabled.Load()
			if tap := t.onCapture.Load(); tap != nil {
				(*tap)(frame)
			}
			if enabled {
				t.Send(protocol.InputAudioAppend(frame))
			}
		}
	}
}

func (t *Transport) deliver(evt protocol.ServerEvent) {
	if fn := t.handler.Load(); fn != nil {
		(*fn)(evt)
	}
}

func (t *Transport) play(delta string) {
	if delta == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		t.logger.Debug("skipping undecodable audio delta", "error", err)
		return
	}
	if err := t.sink.Write(pcm); err != nil {
		t.logger.Debug("audio sink write failed", "error", err)
	}
}

func (t *Transport) remoteClosed(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.conn = nil
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.micEnabled.Store(false)
	t.gate.End()
	t.logger.Info("realtime session closed by remote", "error", err)
	if fn := t.onClosed.Load(); fn != nil {
		(*fn)(err)
	}
}

// PausePlayback silences the render sink and drops queued audio.
func (t *Transport) PausePlayback() {
	t.sink.Pause()
}

// TogglePlayback flips the sink between paused and playing and reports
// whether it is now paused.
func (t *Transport) TogglePlayback() bool {
	if t.sink.Paused() {
		t.sink.Resume()
		return false
	}
	t.sink.Pause()
	return true
}

// Close tears down the session. It is safe to call repeatedly and while Open
// is still in flight.
func (t *Transport) Close() error {
	t.mu.Lock()
	switch t.state {
	case StateIdle, StateClosed:
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	cancel := t.cancel
	t.state = StateClosed
	t.conn = nil
	t.mu.Unlock()

	t.micEnabled.Store(false)
	t.gate.End()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the session goroutines have exited.
func (t *Transport) Wait() {
	t.wg.Wait()
}
