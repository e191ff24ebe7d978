package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies the inbound realtime event variants the client reacts to.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSessionCreated
	KindSessionUpdated
	KindResponseCreated
	KindTextDelta
	KindTranscriptDelta
	KindTranscriptDone
	KindAudioDelta
	KindResponseCompleted
	KindResponseDone
	KindInputTranscriptionFailed
	KindFunctionCall
	KindOutputItemAdded
	KindOutputItemDone
	KindArgumentsDelta
	KindArgumentsDone
	KindError
)

var kindByType = map[string]EventKind{
	"session.created":                                     KindSessionCreated,
	"session.updated":                                     KindSessionUpdated,
	"response.created":                                    KindResponseCreated,
	"response.output_text.delta":                          KindTextDelta,
	"response.output_audio_transcript.delta":              KindTranscriptDelta,
	"response.output_audio_transcript.done":               KindTranscriptDone,
	"response.output_audio.delta":                         KindAudioDelta,
	"response.completed":                                  KindResponseCompleted,
	"response.done":                                       KindResponseDone,
	"conversation.item.input_audio_transcription.failed": KindInputTranscriptionFailed,
	"response.function_call":                              KindFunctionCall,
	"response.output_item.added":                          KindOutputItemAdded,
	"response.output_item.done":                           KindOutputItemDone,
	"response.function_call_arguments.delta":              KindArgumentsDelta,
	"response.function_call_arguments.done":               KindArgumentsDone,
	"error":                                               KindError,
}

// CodeResponseCancelNotActive is the benign error returned when a cancel finds nothing to stop.
const CodeResponseCancelNotActive = "response_cancel_not_active"

var ErrMalformedEvent = errors.New("malformed realtime event")

// ServerEvent is the flattened form of one inbound realtime event.
// Only the fields relevant to Kind are populated.
type ServerEvent struct {
	Kind       EventKind
	Type       string
	EventID    string
	ResponseID string
	ItemID     string
	CallID     string
	Name       string
	Delta      string
	Arguments  string
	Transcript string
	Item       *OutputItem
	Error      *ErrorDetail
	Raw        json.RawMessage
}

// OutputItem is the subset of a response output item needed to recognize function calls.
type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"`
}

// IsFunctionCall reports whether the item describes a tool invocation.
func (i *OutputItem) IsFunctionCall() bool {
	return i != nil && i.Type == "function_call"
}

// ErrorDetail carries the error object of error and transcription-failed events.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

// Benign reports whether the error only means there was no response to cancel.
func (e *ErrorDetail) Benign() bool {
	return e != nil && e.Code == CodeResponseCancelNotActive
}

type wireEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	ItemID     string          `json:"item_id"`
	CallID     string          `json:"call_id"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Delta      json.RawMessage `json:"delta"`
	Arguments  json.RawMessage `json:"arguments"`
	Transcript string          `json:"transcript"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Item       *OutputItem  `json:"item"`
	OutputItem *OutputItem  `json:"output_item"`
	Error      *ErrorDetail `json:"error"`
}

// ParseServerEvent decodes an inbound event. Unknown types decode to KindUnknown
// without error; only non-JSON payloads fail.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evt := ServerEvent{
		Kind:       kindByType[w.Type],
		Type:       w.Type,
		EventID:    w.EventID,
		ResponseID: w.ResponseID,
		ItemID:     w.ItemID,
		CallID:     w.CallID,
		Name:       w.Name,
		Delta:      rawString(w.Delta),
		Arguments:  rawString(w.Arguments),
		Transcript: w.Transcript,
		Error:      w.Error,
		Raw:        append(json.RawMessage(nil), raw...),
	}
	if evt.ResponseID == "" && w.Response != nil {
		evt.ResponseID = w.Response.ID
	}
	if evt.CallID == "" {
		evt.CallID = w.ID
	}
	evt.Item = w.Item
	if evt.Item == nil {
		evt.Item = w.OutputItem
	}
	if evt.Item != nil && evt.Item.CallID == "" {
		evt.Item.CallID = evt.Item.ID
	}
	return evt, nil
}

// CorrelationID resolves the call id of a function-call event, falling back to the item id.
func (e ServerEvent) CorrelationID() string {
	if e.CallID != "" {
		return e.CallID
	}
	return e.ItemID
}

// rawString accepts either a JSON string or any other JSON value (kept verbatim).
// Some producers send arguments as an object instead of an encoded string.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var out string
		if json.Unmarshal(raw, &out) != nil {
			return ""
		}
		return out
	}
	return string(raw)
}
