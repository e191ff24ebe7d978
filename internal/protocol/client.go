package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Outbound event types.
const (
	TypeSessionUpdate           = "session.update"
	TypeInputAudioAppend        = "input_audio_buffer.append"
	TypeInputAudioCommit        = "input_audio_buffer.commit"
	TypeInputAudioClear         = "input_audio_buffer.clear"
	TypeResponseCreate          = "response.create"
	TypeResponseCancel          = "response.cancel"
	TypeConversationItemCreate  = "conversation.item.create"
	ItemTypeMessage             = "message"
	ItemTypeFunctionCallOutput  = "function_call_output"
	ContentTypeInputText        = "input_text"
	ContextMessagePrefix        = "Relevant past context:"
	contextMessageRoleSystem    = "system"
	defaultFunctionOutputResult = "{}"
)

// ClientEvent is one outbound realtime event. Critical events are never
// dropped by a saturated send queue.
type ClientEvent struct {
	Type     string            `json:"type"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseOptions  `json:"response,omitempty"`
}

// Critical reports whether losing the event would stall the conversation.
func (e ClientEvent) Critical() bool {
	switch e.Type {
	case TypeInputAudioAppend:
		return false
	default:
		return true
	}
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseOptions struct {
	Instructions string `json:"instructions,omitempty"`
}

func ResponseCreate() ClientEvent {
	return ClientEvent{Type: TypeResponseCreate}
}

func ResponseCancel() ClientEvent {
	return ClientEvent{Type: TypeResponseCancel}
}

func InputAudioCommit() ClientEvent {
	return ClientEvent{Type: TypeInputAudioCommit}
}

func InputAudioClear() ClientEvent {
	return ClientEvent{Type: TypeInputAudioClear}
}

// InputAudioAppend wraps raw PCM16LE audio for the input buffer.
func InputAudioAppend(pcm []byte) ClientEvent {
	return ClientEvent{Type: TypeInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

func SessionUpdate(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: TypeSessionUpdate, Session: &cfg}
}

// SystemMessage injects a system-role text item into the conversation.
func SystemMessage(text string) ClientEvent {
	return ClientEvent{
		Type: TypeConversationItemCreate,
		Item: &ConversationItem{
			Type:    ItemTypeMessage,
			Role:    contextMessageRoleSystem,
			Content: []ContentPart{{Type: ContentTypeInputText, Text: text}},
		},
	}
}

// FunctionCallOutput returns a tool result correlated by callID. The result is
// JSON-encoded into the output string; an unencodable result becomes "{}".
func FunctionCallOutput(callID string, result any) ClientEvent {
	output := defaultFunctionOutputResult
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			output = string(raw)
		}
	}
	return ClientEvent{
		Type: TypeConversationItemCreate,
		Item: &ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}
