package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/stella/internal/memory"
	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
	"github.com/ent0n29/stella/internal/session"
	"github.com/ent0n29/stella/internal/tools"
	"github.com/ent0n29/stella/internal/transcription"
	"github.com/ent0n29/stella/internal/transport"
)

type State string

const (
	StateIdle             State = "idle"
	StateRecording        State = "recording"
	StateAwaitingResponse State = "awaiting_response"
	StateResponding       State = "responding"
	StateError            State = "error"
)

const (
	StatusChannelNotReady   = "Realtime channel not ready. Try again."
	StatusTooShort          = "Recording too short. Hold to speak a bit longer."
	StatusAlreadyResponding = "Response already in progress..."
	StatusAwaiting          = "Audio sent. Waiting for response..."
	StatusReceivingText     = "Receiving response..."
	StatusReceivingAudio    = "Receiving audio..."
	StatusComplete          = "Response complete."
	StatusStopped           = "Response stopped."
	StatusNothingToStop     = "No active response to stop."
	StatusSessionEnded      = "Realtime session ended. Reconnect to continue."
	StatusConnected         = "Connected. Hold to talk."
	StatusConnecting        = "Connecting..."

	PlaceholderTranscript = "Processing transcript..."

	defaultMinRecording = 200 * time.Millisecond
	eventLogLimit       = 50
)

// Channel is the realtime transport the orchestrator drives.
type Channel interface {
	Status() transport.State
	Send(evt protocol.ClientEvent) bool
	Gate() *transport.ResponseGate
	SetMicEnabled(enabled bool)
	PausePlayback()
	TogglePlayback() bool
	OnEvent(fn func(protocol.ServerEvent))
	OnClosed(fn func(error))
	OnCapture(fn func([]byte))
	Open(ctx context.Context, creds transport.CredentialProvider) error
	Close() error
}

// Memory is the MemoryAPI as seen by the orchestrator.
type Memory interface {
	tools.MemoryClient
	Authenticated() bool
}

type Config struct {
	Channel  Channel
	Pipeline *transcription.Pipeline
	Store    *session.Store
	// Memory may be nil; tool calls then answer with errors and no context
	// is injected.
	Memory            Memory
	MinRecording      time.Duration
	ContextMatchLimit int
	Metrics           *observability.Metrics
	Logger            *slog.Logger
}

// Snapshot is the client-visible state of the orchestrator.
type Snapshot struct {
	State          State
	Connected      bool
	Recording      bool
	Responding     bool
	PlaybackPaused bool
	Status         string
	Error          string
	Verbose        string
	LiveTranscript string
	EventLog       []string
}

type pendingUtterance struct {
	ID        string
	MessageID string
	SessionID string
	Text      string
}

// activeResponse is the response being streamed. Utterance is the user
// turn it answers; it is persisted ahead of the reply.
type activeResponse struct {
	ResponseID string
	MessageID  string
	SessionID  string
	Text       string
	Utterance  *pendingUtterance
}

// Orchestrator runs the push-to-talk state machine over one realtime channel.
type Orchestrator struct {
	ctx      context.Context
	cfg      Config
	channel  Channel
	gate     *transport.ResponseGate
	pipeline *transcription.Pipeline
	store    *session.Store
	router   *tools.Router
	metrics  *observability.Metrics
	logger   *slog.Logger

	sessionID Cell[string]
	pending   Cell[*pendingUtterance]
	response  Cell[*activeResponse]
	creds     Cell[transport.CredentialProvider]

	mu             sync.Mutex
	state          State
	status         string
	errMsg         string
	verbose        string
	live           string
	events         []string
	playbackPaused bool
	recordStart    time.Time
	turnStart      time.Time
	awaitingDelta  bool
	// stoppedID is the last response cancelled locally; its late
	// response.done must not end whatever started after it.
	stoppedID string

	persistMu   sync.Mutex
	persistTail chan struct{}

	observer atomic.Pointer[func(Snapshot)]
	wg       sync.WaitGroup
}

// New wires an orchestrator to its channel and pipeline. ctx bounds the
// background work it starts.
func New(ctx context.Context, cfg Config) *Orchestrator {
	if cfg.MinRecording <= 0 {
		cfg.MinRecording = defaultMinRecording
	}
	if cfg.ContextMatchLimit <= 0 {
		cfg.ContextMatchLimit = memory.DefaultRelatedLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		ctx:      ctx,
		cfg:      cfg,
		channel:  cfg.Channel,
		gate:     cfg.Channel.Gate(),
		pipeline: cfg.Pipeline,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger,
		state:    StateIdle,
	}
	o.sessionID.Store(cfg.Store.ActiveID())

	handlers := map[string]tools.Handler{}
	if cfg.Memory != nil {
		handlers = tools.MemoryHandlers(cfg.Memory, o.sessionID.Load, cfg.Metrics, logger)
	}
	o.router = tools.NewRouter(ctx, o.channel, o.gate, handlers,
		tools.WithMetrics(cfg.Metrics), tools.WithLogger(logger))

	o.channel.OnEvent(o.HandleEvent)
	o.channel.OnClosed(o.handleClosed)
	o.channel.OnCapture(o.pipeline.Write)
	o.pipeline.OnStatus(o.setStatus)
	o.pipeline.OnLive(o.setLive)
	o.pipeline.OnResult(o.handleTranscription)
	return o
}

// OnSnapshot installs the observer called after every visible change.
func (o *Orchestrator) OnSnapshot(fn func(Snapshot)) {
	o.observer.Store(&fn)
}

// Connect opens the realtime channel. A failed attempt leaves the
// orchestrator in the error state until Connect is called again.
func (o *Orchestrator) Connect(ctx context.Context, creds transport.CredentialProvider) error {
	o.creds.Store(creds)
	err := o.channel.Open(ctx, creds)
	if err == nil && o.channel.Status() != transport.StateOpen {
		o.setStatus(StatusConnecting)
		return nil
	}
	if err != nil {
		o.update(func() {
			o.state = StateError
			o.errMsg = "Failed to connect realtime session."
			o.verbose = err.Error()
		})
		return err
	}
	o.update(func() {
		if o.state == StateError {
			o.state = StateIdle
		}
		o.errMsg = ""
		o.verbose = ""
		o.status = StatusConnected
	})
	return nil
}

// Reconnect retries Connect with the last credential provider.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	creds := o.creds.Load()
	if creds == nil {
		return errors.New("voice: connect was never called")
	}
	return o.Connect(ctx, creds)
}

// ToggleMic starts a recording, or ends the current one and requests a turn.
func (o *Orchestrator) ToggleMic(ctx context.Context) {
	o.mu.Lock()
	recording := o.state == StateRecording
	o.mu.Unlock()
	if recording {
		o.stopRecording(ctx)
		return
	}
	o.startRecording(ctx)
}

func (o *Orchestrator) startRecording(ctx context.Context) {
	if o.channel.Status() != transport.StateOpen {
		o.setStatus(StatusChannelNotReady)
		return
	}
	o.pipeline.Start(ctx)
	o.channel.SetMicEnabled(true)
	o.update(func() {
		o.state = StateRecording
		o.recordStart = time.Now()
		o.status = ""
		o.errMsg = ""
		o.verbose = ""
	})
}

func (o *Orchestrator) stopRecording(ctx context.Context) {
	o.channel.SetMicEnabled(false)

	o.mu.Lock()
	elapsed := time.Since(o.recordStart)
	o.mu.Unlock()
	if elapsed < o.cfg.MinRecording {
		o.pipeline.Discard()
		o.channel.Send(protocol.InputAudioClear())
		o.update(func() {
			o.state = StateIdle
			o.status = StatusTooShort
		})
		return
	}

	text := o.pipeline.CurrentTranscript()
	query := text
	if text == "" {
		text = PlaceholderTranscript
	}
	sid := o.sessionID.Load()
	utterance := &pendingUtterance{
		ID:        uuid.NewString(),
		MessageID: o.store.Append(sid, session.RoleUser, text),
		SessionID: sid,
		Text:      text,
	}
	o.mu.Lock()
	replaced := o.pending.Swap(utterance)
	o.mu.Unlock()
	if replaced != nil {
		o.persistUtterance(replaced)
	}

	o.pipeline.Stop(ctx, utterance.ID)
	o.channel.Send(protocol.InputAudioCommit())

	if o.gate.Active() {
		o.metrics.ObserveTurnRequest("user", "suppressed")
		o.update(func() {
			o.state = StateAwaitingResponse
			if o.response.Load() != nil {
				o.state = StateResponding
			}
			o.status = StatusAlreadyResponding
		})
		return
	}

	o.update(func() { o.state = StateAwaitingResponse })
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.requestTurn(ctx, sid, query)
	}()
}

// requestTurn injects related past sessions, then asks the model to respond.
// The turn is dropped if the session changed during the lookup.
func (o *Orchestrator) requestTurn(ctx context.Context, sessionID, query string) {
	if query != "" && o.cfg.Memory != nil && o.cfg.Memory.Authenticated() {
		related, err := o.cfg.Memory.RelatedSessions(ctx, query, o.cfg.ContextMatchLimit)
		if err != nil {
			o.logger.Warn("related session lookup failed", "error", err)
		}
		if msg := formatRelatedContext(related, o.cfg.ContextMatchLimit); msg != "" {
			o.channel.Send(protocol.SystemMessage(msg))
		}
	}

	if o.sessionID.Load() != sessionID {
		o.metrics.ObserveTurnRequest("user", "stale_session")
		return
	}
	if o.channel.Status() != transport.StateOpen {
		o.metrics.ObserveTurnRequest("user", "not_open")
		o.update(func() {
			o.state = StateIdle
			o.status = StatusChannelNotReady
		})
		return
	}
	if !o.gate.TryBegin() {
		o.metrics.ObserveTurnRequest("user", "suppressed")
		o.setStatus(StatusAlreadyResponding)
		return
	}
	if !o.channel.Send(protocol.ResponseCreate()) {
		o.gate.End()
		o.metrics.ObserveTurnRequest("user", "dropped")
		o.update(func() {
			o.state = StateIdle
			o.status = StatusChannelNotReady
		})
		return
	}
	o.metrics.ObserveTurnRequest("user", "sent")
	o.update(func() {
		o.turnStart = time.Now()
		o.awaitingDelta = true
		o.status = StatusAwaiting
	})
}

// HandleEvent applies one inbound realtime event. Unknown kinds only reach
// the event log.
func (o *Orchestrator) HandleEvent(evt protocol.ServerEvent) {
	o.logEvent(evt)

	switch evt.Kind {
	case protocol.KindResponseCreated:
		o.beginResponse(evt.ResponseID)
	case protocol.KindTextDelta, protocol.KindTranscriptDelta:
		o.applyDelta(evt.ResponseID, evt.Delta)
	case protocol.KindAudioDelta:
		o.mu.Lock()
		changed := o.status != StatusReceivingAudio && o.status != StatusReceivingText
		o.mu.Unlock()
		if changed {
			o.setStatus(StatusReceivingAudio)
		}
	case protocol.KindResponseCompleted, protocol.KindResponseDone:
		o.finishResponse(evt.ResponseID)
	case protocol.KindInputTranscriptionFailed:
		o.update(func() {
			o.errMsg = "Transcription failed."
			o.verbose = verboseJSON(evt.Error)
		})
	case protocol.KindError:
		o.handleRemoteError(evt)
	case protocol.KindFunctionCall, protocol.KindArgumentsDelta, protocol.KindArgumentsDone,
		protocol.KindOutputItemAdded, protocol.KindOutputItemDone:
		o.router.HandleEvent(evt)
	}
}

// beginResponse starts a response and binds the pending utterance of the
// same session to it.
func (o *Orchestrator) beginResponse(responseID string) {
	o.gate.Mark()
	sid := o.sessionID.Load()
	msgID := o.store.Append(sid, session.RoleAssistant, "")
	o.update(func() {
		resp := &activeResponse{ResponseID: responseID, MessageID: msgID, SessionID: sid}
		if p := o.pending.Load(); p != nil && p.SessionID == sid {
			resp.Utterance = o.pending.Swap(nil)
		}
		if prev := o.response.Swap(resp); prev != nil && prev.Utterance != nil {
			o.persistUtterance(prev.Utterance)
		}
		if o.state != StateRecording {
			o.state = StateResponding
		}
	})
}

// applyDelta extends the active response. Deltas tagged with another
// response id belong to a response that was stopped or superseded.
func (o *Orchestrator) applyDelta(responseID, delta string) {
	if delta == "" {
		return
	}
	var latency time.Duration
	o.update(func() {
		resp := o.response.Load()
		if resp == nil {
			return
		}
		if responseID != "" && resp.ResponseID != "" && responseID != resp.ResponseID {
			return
		}
		next := *resp
		next.Text += delta
		o.response.Store(&next)
		o.store.AppendText(next.SessionID, next.MessageID, delta)
		o.status = StatusReceivingText
		if o.awaitingDelta {
			o.awaitingDelta = false
			latency = time.Since(o.turnStart)
		}
	})
	if latency > 0 {
		o.metrics.ObserveFirstDeltaLatency(latency)
	}
}

// finishResponse seals the active response. The utterance it answered is
// persisted first, with whatever text it has by now. A done event for a
// response that was stopped, or that is not the active one, is ignored.
func (o *Orchestrator) finishResponse(responseID string) {
	var resp *activeResponse
	stale := false
	o.update(func() {
		cur := o.response.Load()
		switch {
		case cur == nil && responseID != "" && responseID == o.stoppedID:
			stale = true
			return
		case cur != nil && responseID != "" && cur.ResponseID != "" && responseID != cur.ResponseID:
			stale = true
			return
		}
		resp = o.response.Swap(nil)
		o.awaitingDelta = false
		o.status = StatusComplete
		if o.state != StateRecording {
			o.state = StateIdle
		}
	})
	if stale {
		o.logger.Debug("ignoring done for inactive response", "response_id", responseID)
		return
	}
	o.gate.End()

	if resp != nil {
		var msgs []outgoingMessage
		if u := resp.Utterance; u != nil {
			msgs = append(msgs, outgoingMessage{u.SessionID, session.RoleUser, u.Text})
		}
		msgs = append(msgs, outgoingMessage{resp.SessionID, session.RoleAssistant, strings.TrimSpace(resp.Text)})
		o.persistInOrder(msgs...)
	}

	if o.router.ResponseFinished() {
		o.update(func() {
			if o.state == StateIdle {
				o.state = StateAwaitingResponse
			}
		})
	}
	o.store.Flush(o.ctx)
}

type outgoingMessage struct {
	sessionID string
	role      session.Role
	text      string
}

func (o *Orchestrator) persistUtterance(u *pendingUtterance) {
	o.persistInOrder(outgoingMessage{u.SessionID, session.RoleUser, u.Text})
}

// persistInOrder sends messages to remote persistence in the background.
// Batches run one after another in call order.
func (o *Orchestrator) persistInOrder(msgs ...outgoingMessage) {
	done := make(chan struct{})
	o.persistMu.Lock()
	prev := o.persistTail
	o.persistTail = done
	o.persistMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		for _, m := range msgs {
			if err := o.store.Persist(o.ctx, m.sessionID, m.role, m.text); err != nil {
				o.logger.Warn("persist message failed", "session_id", m.sessionID, "role", m.role, "error", err)
			}
		}
	}()
}

// dropResponse clears the active response, remembering its id as stopped
// and persisting the utterance it answered. Callers hold o.mu.
func (o *Orchestrator) dropResponse() {
	resp := o.response.Swap(nil)
	if resp == nil {
		return
	}
	o.stoppedID = resp.ResponseID
	if resp.Utterance != nil {
		o.persistUtterance(resp.Utterance)
	}
}

func (o *Orchestrator) handleRemoteError(evt protocol.ServerEvent) {
	if evt.Error.Benign() {
		o.setStatus(StatusNothingToStop)
		return
	}
	msg := "Realtime error."
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	o.update(func() {
		o.dropResponse()
		o.awaitingDelta = false
		o.state = StateError
		o.errMsg = msg
		o.verbose = verboseJSON(evt.Error)
	})
	o.gate.End()
}

// handleTranscription applies a batch result. The transcript replaces the
// provisional text only while its utterance is still pending; once the
// response has completed the live text stands.
func (o *Orchestrator) handleTranscription(r transcription.Result) {
	if r.Err != nil {
		msg, details := r.Err.Error(), ""
		var te *transcription.TranscriptionError
		if errors.As(r.Err, &te) {
			msg, details = te.Message, te.Details
			if msg == "" {
				msg = "Transcription failed"
			}
		}
		o.update(func() {
			o.errMsg = msg
			o.verbose = details
		})
		return
	}

	if r.Transcript == "" {
		return
	}
	o.mu.Lock()
	var next pendingUtterance
	if p := o.pending.Load(); p != nil && p.ID == r.UtteranceID {
		next = *p
		next.Text = r.Transcript
		o.pending.Store(&next)
	} else if resp := o.response.Load(); resp != nil && resp.Utterance != nil && resp.Utterance.ID == r.UtteranceID {
		next = *resp.Utterance
		next.Text = r.Transcript
		bound := *resp
		bound.Utterance = &next
		o.response.Store(&bound)
	} else {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.store.PatchText(next.SessionID, next.MessageID, next.Text)
	o.publish()
}

// StopResponse cancels the current response without waiting for the server
// to acknowledge it.
func (o *Orchestrator) StopResponse() {
	o.channel.Send(protocol.ResponseCancel())
	o.channel.PausePlayback()
	o.update(func() {
		o.dropResponse()
		o.awaitingDelta = false
		o.playbackPaused = true
		if o.state == StateResponding || o.state == StateAwaitingResponse {
			o.state = StateIdle
		}
		o.status = StatusStopped
	})
	o.gate.End()
}

// TogglePlayback pauses or resumes model audio.
func (o *Orchestrator) TogglePlayback() {
	paused := o.channel.TogglePlayback()
	o.update(func() { o.playbackPaused = paused })
}

// SwitchSession activates another session and drops all per-turn state. The
// channel stays open.
func (o *Orchestrator) SwitchSession(id string) error {
	changed, err := o.store.Switch(id)
	if err != nil {
		return err
	}
	if changed {
		o.Reset()
	}
	return nil
}

// NewSession creates and activates a fresh session.
func (o *Orchestrator) NewSession(ctx context.Context) (session.Session, error) {
	created, err := o.store.Create(ctx)
	if err != nil {
		return session.Session{}, err
	}
	o.Reset()
	return created, nil
}

// Reset clears the pending utterance, the active response and the live
// transcript, and stops any recording in progress.
func (o *Orchestrator) Reset() {
	o.channel.SetMicEnabled(false)
	o.router.Reset()
	o.pipeline.Reset()
	o.update(func() {
		o.sessionID.Store(o.store.ActiveID())
		if p := o.pending.Swap(nil); p != nil {
			o.persistUtterance(p)
		}
		o.dropResponse()
		o.awaitingDelta = false
		o.live = ""
		o.state = StateIdle
		o.status = ""
		o.errMsg = ""
		o.verbose = ""
	})
	o.gate.End()
}

func (o *Orchestrator) handleClosed(err error) {
	o.pipeline.Discard()
	o.update(func() {
		o.dropResponse()
		o.awaitingDelta = false
		o.state = StateIdle
		o.status = StatusSessionEnded
		if err != nil {
			o.verbose = err.Error()
		}
	})
}

// Close tears the channel down and waits for background work.
func (o *Orchestrator) Close() error {
	err := o.channel.Close()
	o.Wait()
	return err
}

// Wait blocks until turn requests, persistence, tool calls and uploads
// started so far have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	o.router.Wait()
	o.pipeline.Wait()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:          o.state,
		Connected:      o.channel.Status() == transport.StateOpen,
		Recording:      o.state == StateRecording,
		Responding:     o.response.Load() != nil,
		PlaybackPaused: o.playbackPaused,
		Status:         o.status,
		Error:          o.errMsg,
		Verbose:        o.verbose,
		LiveTranscript: o.live,
		EventLog:       append([]string(nil), o.events...),
	}
}

func (o *Orchestrator) setStatus(msg string) {
	o.update(func() { o.status = msg })
}

func (o *Orchestrator) setLive(text string) {
	o.update(func() { o.live = text })
}

func (o *Orchestrator) logEvent(evt protocol.ServerEvent) {
	label := evt.Type
	if evt.Kind == protocol.KindError && evt.Error != nil {
		label = "error: " + evt.Error.Message
	}
	if label == "" {
		return
	}
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), label)
	o.mu.Lock()
	o.events = append(o.events, entry)
	if len(o.events) > eventLogLimit {
		o.events = o.events[len(o.events)-eventLogLimit:]
	}
	o.mu.Unlock()
}

// update mutates state under the lock and notifies the observer.
func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) publish() {
	fn := o.observer.Load()
	if fn == nil {
		return
	}
	(*fn)(o.Snapshot())
}

func verboseJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(raw)
}
