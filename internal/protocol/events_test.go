package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseServerEventTextDelta(t *testing.T) {
	raw := []byte(`{"type":"response.output_text.delta","event_id":"e1","response_id":"r1","item_id":"i1","delta":"I "}`)
	evt, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Kind != KindTextDelta {
		t.Fatalf("Kind = %v, want KindTextDelta", evt.Kind)
	}
	if evt.ResponseID != "r1" || evt.Delta != "I " {
		t.Fatalf("unexpected delta event: %+v", evt)
	}
}

func TestParseServerEventResponseCreatedUsesNestedID(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"response.created","response":{"id":"resp_9","status":"in_progress"}}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Kind != KindResponseCreated || evt.ResponseID != "resp_9" {
		t.Fatalf("unexpected created event: %+v", evt)
	}
}

func TestParseServerEventUnknownTypeIsIgnorable(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Kind != KindUnknown {
		t.Fatalf("Kind = %v, want KindUnknown", evt.Kind)
	}
}

func TestParseServerEventRejectsNonJSON(t *testing.T) {
	_, err := ParseServerEvent([]byte(`not json`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("error = %v, want ErrMalformedEvent", err)
	}
}

func TestParseServerEventFunctionCallItem(t *testing.T) {
	raw := []byte(`{"type":"response.output_item.done","item":{"id":"item_1","type":"function_call","call_id":"call_1","name":"save_session","arguments":"{\"emotion\":\"calm\"}"}}`)
	evt, err := ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Kind != KindOutputItemDone {
		t.Fatalf("Kind = %v, want KindOutputItemDone", evt.Kind)
	}
	if !evt.Item.IsFunctionCall() {
		t.Fatalf("item should be a function call: %+v", evt.Item)
	}
	if evt.Item.CallID != "call_1" || evt.Item.Name != "save_session" {
		t.Fatalf("unexpected item: %+v", evt.Item)
	}
}

func TestParseServerEventItemCallIDFallsBackToItemID(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"response.output_item.added","output_item":{"id":"item_7","type":"function_call","name":"park_worry_for_later"}}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Item == nil || evt.Item.CallID != "item_7" {
		t.Fatalf("Item = %+v, want call id item_7", evt.Item)
	}
}

func TestParseServerEventArgumentsDeltaCorrelation(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"response.function_call_arguments.delta","item_id":"item_2","delta":"{\"wor"}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if got := evt.CorrelationID(); got != "item_2" {
		t.Fatalf("CorrelationID() = %q, want item_2", got)
	}
	if evt.Delta != `{"wor` {
		t.Fatalf("Delta = %q", evt.Delta)
	}
}

func TestParseServerEventObjectArguments(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"response.function_call","call_id":"c1","name":"park_worry_for_later","arguments":{"worry":"rent"}}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Arguments != `{"worry":"rent"}` {
		t.Fatalf("Arguments = %q, want raw object", evt.Arguments)
	}
}

func TestParseServerEventBenignError(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"response_cancel_not_active","message":"Cancellation failed: no active response found"}}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.Kind != KindError || !evt.Error.Benign() {
		t.Fatalf("expected benign error event, got %+v", evt)
	}
}

func TestFunctionCallOutputEncodesResult(t *testing.T) {
	evt := FunctionCallOutput("call_1", map[string]string{"status": "ok"})
	raw, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_1","output":"{\"status\":\"ok\"}"}}`
	if string(raw) != want {
		t.Fatalf("encoded = %s, want %s", raw, want)
	}
	if !evt.Critical() {
		t.Fatalf("function call output must be critical")
	}
}

func TestInputAudioAppendIsDroppable(t *testing.T) {
	evt := InputAudioAppend([]byte{1, 2, 3})
	if evt.Critical() {
		t.Fatalf("audio append should not be critical")
	}
	if evt.Audio != "AQID" {
		t.Fatalf("Audio = %q, want AQID", evt.Audio)
	}
}

func TestSessionConfigKeepsTurnDetectionNull(t *testing.T) {
	cfg := NewSessionConfig("gpt-realtime", "marin", "be calm", 24000)
	raw, err := json.Marshal(SessionUpdate(cfg))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	input := decoded["session"].(map[string]any)["audio"].(map[string]any)["input"].(map[string]any)
	td, ok := input["turn_detection"]
	if !ok || td != nil {
		t.Fatalf("turn_detection = %v (present=%v), want explicit null", td, ok)
	}
	if got := len(cfg.Tools); got != 5 {
		t.Fatalf("tools = %d, want 5", got)
	}
}
