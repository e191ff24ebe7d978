package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ent0n29/stella/internal/observability"
	"github.com/ent0n29/stella/internal/protocol"
)

// Handler runs one tool call. args is nil when the arguments were missing or
// not a JSON object. The returned value is encoded as the call output.
type Handler func(ctx context.Context, args map[string]any) any

// Sender delivers outbound realtime events.
type Sender interface {
	Send(evt protocol.ClientEvent) bool
}

// Gate guards the single in-flight model response.
type Gate interface {
	TryBegin() bool
	Active() bool
	End() bool
}

type pendingCall struct {
	name string
	args strings.Builder
}

// Router assembles streamed tool calls, runs each call id exactly once and
// answers it with a function_call_output followed by a follow-up turn.
type Router struct {
	ctx      context.Context
	sender   Sender
	gate     Gate
	handlers map[string]Handler
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingCall
	aliases    map[string]string
	dispatched map[string]struct{}
	owed       bool

	wg sync.WaitGroup
}

type Option func(*Router)

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRouter(ctx context.Context, sender Sender, gate Gate, handlers map[string]Handler, opts ...Option) *Router {
	r := &Router{
		ctx:        ctx,
		sender:     sender,
		gate:       gate,
		handlers:   handlers,
		logger:     slog.Default(),
		pending:    make(map[string]*pendingCall),
		aliases:    make(map[string]string),
		dispatched: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent routes the tool-call related variants of the inbound stream.
func (r *Router) HandleEvent(evt protocol.ServerEvent) {
	switch evt.Kind {
	case protocol.KindArgumentsDelta:
		r.OnDelta(r.resolve(evt.CorrelationID()), evt.Name, evt.Delta)
	case protocol.KindArgumentsDone:
		r.OnDone(r.resolve(evt.CorrelationID()), evt.Name, evt.Arguments)
	case protocol.KindFunctionCall:
		if evt.Name != "" {
			r.Dispatch(evt.Name, evt.Arguments, evt.CallID)
		}
	case protocol.KindOutputItemAdded, protocol.KindOutputItemDone:
		if evt.Item != nil {
			r.OnItem(*evt.Item)
		}
	}
}

// OnDelta appends an argument fragment for callID.
func (r *Router) OnDelta(callID, name, fragment string) {
	if callID == "" || fragment == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.dispatched[callID]; done {
		return
	}
	p := r.pending[callID]
	if p == nil {
		p = &pendingCall{}
		r.pending[callID] = p
	}
	if p.name == "" {
		p.name = name
	}
	p.args.WriteString(fragment)
}

// OnDone dispatches the call, preferring buffered fragments over the
// arguments carried by the done event.
func (r *Router) OnDone(callID, name, arguments string) {
	r.mu.Lock()
	if p := r.pending[callID]; p != nil {
		if name == "" {
			name = p.name
		}
		if buffered := p.args.String(); buffered != "" {
			arguments = buffered
		}
	}
	delete(r.pending, callID)
	r.mu.Unlock()
	if name == "" {
		r.logger.Debug("tool call finished without a name", "call_id", callID)
		return
	}
	r.Dispatch(name, arguments, callID)
}

// OnItem handles single-shot function-call descriptors. An item without
// arguments only announces the call so later fragments know its name.
func (r *Router) OnItem(item protocol.OutputItem) {
	if !item.IsFunctionCall() {
		return
	}
	callID := item.CallID
	if callID == "" {
		callID = item.ID
	}
	if strings.TrimSpace(item.Arguments) == "" {
		r.announce(callID, item.ID, item.Name)
		return
	}
	if item.Name == "" {
		return
	}
	r.Dispatch(item.Name, item.Arguments, callID)
}

func (r *Router) announce(callID, itemID, name string) {
	if callID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if itemID != "" && itemID != callID {
		r.aliases[itemID] = callID
	}
	if _, done := r.dispatched[callID]; done {
		return
	}
	p := r.pending[callID]
	if p == nil {
		p = &pendingCall{}
		r.pending[callID] = p
	}
	if p.name == "" {
		p.name = name
	}
}

func (r *Router) resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if callID, ok := r.aliases[id]; ok {
		return callID
	}
	return id
}

// Dispatch runs the named handler asynchronously. A call id is dispatched at
// most once; calls without an id are never deduplicated.
func (r *Router) Dispatch(name, arguments, callID string) {
	if callID != "" {
		r.mu.Lock()
		if _, done := r.dispatched[callID]; done {
			r.mu.Unlock()
			r.metrics.ObserveToolCall(name, "duplicate")
			return
		}
		r.dispatched[callID] = struct{}{}
		delete(r.pending, callID)
		r.mu.Unlock()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		result := r.run(name, arguments)
		r.sender.Send(protocol.FunctionCallOutput(callID, result))
		r.requestFollowup()
	}()
}

func (r *Router) run(name, arguments string) (result any) {
	handler, ok := r.handlers[name]
	if !ok {
		r.metrics.ObserveToolCall(name, "unknown")
		r.logger.Warn("unknown tool requested", "tool", name)
		return map[string]any{"status": "error", "error": "unknown tool: " + name}
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.ObserveToolCall(name, "panic")
			r.logger.Error("tool handler panicked", "tool", name, "panic", rec)
			result = map[string]any{"status": "error", "error": fmt.Sprint(rec)}
		}
	}()

	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			r.logger.Debug("tool arguments are not a JSON object", "tool", name, "error", err)
			args = nil
		}
	}
	result = handler(r.ctx, args)
	r.metrics.ObserveToolCall(name, "ok")
	return result
}

// requestFollowup asks for the next model turn. While another response is
// in flight the request stays owed and ResponseFinished issues it. owed is
// set before the gate is tried, so a response ending concurrently cannot
// miss it.
func (r *Router) requestFollowup() {
	r.mu.Lock()
	r.owed = true
	r.mu.Unlock()
	if !r.flushOwed() {
		r.metrics.ObserveTurnRequest("tool", "deferred")
	}
}

// ResponseFinished must be called after the active response ends. It issues
// an owed follow-up and reports whether one was sent.
func (r *Router) ResponseFinished() bool {
	return r.flushOwed()
}

func (r *Router) flushOwed() bool {
	r.mu.Lock()
	if !r.owed || !r.gate.TryBegin() {
		r.mu.Unlock()
		return false
	}
	r.owed = false
	r.mu.Unlock()
	return r.sendFollowup()
}

func (r *Router) sendFollowup() bool {
	if !r.sender.Send(protocol.ResponseCreate()) {
		r.gate.End()
		r.metrics.ObserveTurnRequest("tool", "dropped")
		return false
	}
	r.metrics.ObserveTurnRequest("tool", "sent")
	return true
}

// Reset forgets buffered fragments, dispatched ids and any owed follow-up.
// Calls already running still complete.
func (r *Router) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]*pendingCall)
	r.aliases = make(map[string]string)
	r.dispatched = make(map[string]struct{})
	r.owed = false
	r.mu.Unlock()
}

// Wait blocks until every dispatched call has answered.
func (r *Router) Wait() {
	r.wg.Wait()
}
