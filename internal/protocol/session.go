package protocol

// Tool names handled by the client.
const (
	ToolLogEmotionalState       = "log_emotional_state"
	ToolExternalizeThoughts     = "externalize_thoughts"
	ToolSaveSession             = "save_session"
	ToolRetrieveRelatedSessions = "retrieve_related_sessions"
	ToolParkWorryForLater       = "park_worry_for_later"
)

// SessionConfig is the session description sent when minting credentials and
// in session.update. Input turn detection stays null: turns are push-to-talk.
type SessionConfig struct {
	Type         string       `json:"type"`
	Model        string       `json:"model,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Audio        *AudioConfig `json:"audio,omitempty"`
	Tools        []ToolSpec   `json:"tools,omitempty"`
	ToolChoice   string       `json:"tool_choice,omitempty"`
}

type AudioConfig struct {
	Input  *AudioInput  `json:"input,omitempty"`
	Output *AudioOutput `json:"output,omitempty"`
}

type AudioInput struct {
	Format        *AudioFormat        `json:"format,omitempty"`
	Transcription *InputTranscription `json:"transcription,omitempty"`
	TurnDetection *TurnDetection      `json:"turn_detection"`
}

type AudioOutput struct {
	Voice  string       `json:"voice,omitempty"`
	Format *AudioFormat `json:"format,omitempty"`
}

type AudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate,omitempty"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// ToolSpec is a function tool exposed to the model.
type ToolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewSessionConfig builds the companion session with PCM16 audio at sampleRate
// and the memory tools attached.
func NewSessionConfig(model, voice, instructions string, sampleRate int) SessionConfig {
	pcm := &AudioFormat{Type: "audio/pcm", Rate: sampleRate}
	return SessionConfig{
		Type:         "realtime",
		Model:        model,
		Instructions: instructions,
		Audio: &AudioConfig{
			Input: &AudioInput{
				Format:        pcm,
				Transcription: &InputTranscription{Model: "whisper-1"},
			},
			Output: &AudioOutput{Voice: voice, Format: pcm},
		},
		Tools:      MemoryTools(),
		ToolChoice: "auto",
	}
}

// MemoryTools returns the five memory tools in a stable order.
func MemoryTools() []ToolSpec {
	return []ToolSpec{
		functionTool(ToolLogEmotionalState,
			"Capture how the user is feeling with intensity, triggers, and confidence.",
			map[string]any{
				"emotion":          stringProp(),
				"intensity":        numberProp(),
				"primary_triggers": map[string]any{"type": "array", "items": stringProp()},
				"confidence":       stringProp(),
			},
			"emotion", "intensity", "primary_triggers", "confidence"),
		functionTool(ToolExternalizeThoughts,
			"Summarize and structure what the user is thinking to lower cognitive load.",
			map[string]any{
				"summary":         stringProp(),
				"structured_view": map[string]any{"type": "object"},
			},
			"summary", "structured_view"),
		functionTool(ToolSaveSession,
			"Persist a session summary with emotion, key stressor, and micro-step.",
			map[string]any{
				"session_summary": stringProp(),
				"emotion":         stringProp(),
				"intensity":       numberProp(),
				"key_stressor":    stringProp(),
				"micro_step":      stringProp(),
			},
			"session_summary", "emotion", "intensity", "key_stressor"),
		functionTool(ToolRetrieveRelatedSessions,
			"Retrieve related saved sessions by query for continuity and context.",
			map[string]any{
				"query": stringProp(),
				"limit": numberProp(),
			},
			"query", "limit"),
		functionTool(ToolParkWorryForLater,
			"Let the user set down a worry with a planned review time.",
			map[string]any{
				"worry":       stringProp(),
				"review_time": stringProp(),
			},
			"worry", "review_time"),
	}
}

func functionTool(name, description string, props map[string]any, required ...string) ToolSpec {
	return ToolSpec{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func stringProp() map[string]any { return map[string]any{"type": "string"} }
func numberProp() map[string]any { return map[string]any{"type": "number"} }
