package memoryapi

import "strings"

// UserHeader carries the caller identity on every MemoryAPI request.
const UserHeader = "X-Stella-User"

// EmotionRequest is the log_emotional_state payload.
type EmotionRequest struct {
	Emotion         string   `json:"emotion"`
	Intensity       *float64 `json:"intensity"`
	PrimaryTriggers []string `json:"primary_triggers"`
	Confidence      string   `json:"confidence"`
	SessionID       string   `json:"session_id,omitempty"`
}

func (r EmotionRequest) Valid() bool {
	return strings.TrimSpace(r.Emotion) != "" && r.Intensity != nil && strings.TrimSpace(r.Confidence) != ""
}

// ThoughtRequest is the externalize_thoughts payload.
type ThoughtRequest struct {
	Summary        string         `json:"summary"`
	StructuredView map[string]any `json:"structured_view"`
	SessionID      string         `json:"session_id,omitempty"`
}

func (r ThoughtRequest) Valid() bool {
	return strings.TrimSpace(r.Summary) != "" && r.StructuredView != nil
}

// SaveSessionRequest is the save_session payload.
type SaveSessionRequest struct {
	SessionSummary string   `json:"session_summary"`
	Emotion        string   `json:"emotion"`
	Intensity      *float64 `json:"intensity"`
	KeyStressor    string   `json:"key_stressor"`
	MicroStep      string   `json:"micro_step,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
}

func (r SaveSessionRequest) Valid() bool {
	return strings.TrimSpace(r.SessionSummary) != "" &&
		strings.TrimSpace(r.Emotion) != "" &&
		r.Intensity != nil &&
		strings.TrimSpace(r.KeyStressor) != ""
}

// WorryRequest is the park_worry_for_later payload.
type WorryRequest struct {
	Worry      string `json:"worry"`
	ReviewTime string `json:"review_time"`
	SessionID  string `json:"session_id,omitempty"`
}

func (r WorryRequest) Valid() bool {
	return strings.TrimSpace(r.Worry) != "" && strings.TrimSpace(r.ReviewTime) != ""
}

// TitleRequest creates or renames a remote session.
type TitleRequest struct {
	Title string `json:"title"`
}

// MessageRequest appends one message to a remote session.
type MessageRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (r MessageRequest) Valid() bool {
	return strings.TrimSpace(r.Role) != "" && r.Text != ""
}

// TokenResponse is the short-lived realtime credential.
type TokenResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// ErrorResponse is the error body of every MemoryAPI route.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
