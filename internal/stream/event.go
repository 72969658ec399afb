// ABOUTME: StreamEvent union and payload types for query sessions
// ABOUTME: Payloads are JSON-encoded into the data line of each SSE frame

package stream

import "encoding/json"

// EventType identifies the kind of stream event.
type EventType string

// Event types. Session is informational; FinalAnswer and Error are terminal.
const (
	EventSession     EventType = "session"
	EventToolStart   EventType = "tool_start"
	EventToolResult  EventType = "tool_result"
	EventPartialText EventType = "partial_text"
	EventTokenStats  EventType = "token_stats"
	EventFinalAnswer EventType = "final_answer"
	EventError       EventType = "error"
)

// IsTerminal reports whether the event ends the stream.
func (t EventType) IsTerminal() bool {
	return t == EventFinalAnswer || t == EventError
}

// Event is one ordered element of a session's stream.
type Event struct {
	Seq     int64     `json:"seq"`
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// RawEvent is an event as read back from the wire, with the payload left undecoded.
type RawEvent struct {
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e RawEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Usage counts model tokens. Values are never negative.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// normalize clamps negative counts to zero and fills TotalTokens when unset.
func (u Usage) normalize() Usage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens < u.PromptTokens+u.CompletionTokens {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// SessionPayload opens every stream.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	Dataset   string `json:"dataset,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ToolStartPayload is sent before a tool call runs.
type ToolStartPayload struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResultPayload is sent after a tool call returns.
type ToolResultPayload struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Result  map[string]any `json:"result,omitempty"`
	IsError bool           `json:"is_error"`
	Error   string         `json:"error,omitempty"`
}

// PartialTextPayload carries model text as it is generated.
type PartialTextPayload struct {
	Text string `json:"text"`
}

// TokenStatsPayload reports one model step's usage and the running total.
type TokenStatsPayload struct {
	Step       int   `json:"step"`
	Usage      Usage `json:"usage"`
	Cumulative Usage `json:"cumulative"`
}

// FinalAnswerPayload ends a successful session.
type FinalAnswerPayload struct {
	Text       string `json:"text"`
	HTML       string `json:"html,omitempty"`
	Usage      Usage  `json:"usage"`
	DurationMS int64  `json:"duration_ms"`
}

// ErrorPayload ends a failed session.
type ErrorPayload struct {
	Message    string `json:"message"`
	Category   string `json:"category"`
	Usage      Usage  `json:"usage"`
	DurationMS int64  `json:"duration_ms"`
}
