// Package protocol defines the structured NDJSON event stream emitted by
// agent CLI processes and the parsing into a tagged union of event kinds.
package protocol

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// EventType discriminates between event kinds.
type EventType string

const (
	EventTypeSystem      EventType = "system"
	EventTypeAssistant   EventType = "assistant"
	EventTypeUser        EventType = "user"
	EventTypeToolUse     EventType = "tool_use"
	EventTypeStreamEvent EventType = "stream_event"
	EventTypeResult      EventType = "result"
)

// Event is the interface for all agent output events.
type Event interface {
	Kind() EventType
}

// SystemEvent represents session initialization and other system events.
// The init subtype reveals the provider's own conversation identifier.
type SystemEvent struct {
	Type      EventType `json:"type"`
	Subtype   string    `json:"subtype"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	Tools     []string  `json:"tools,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
}

// Kind returns the event type.
func (e SystemEvent) Kind() EventType { return EventTypeSystem }

// Usage tracks token counts for a single assistant turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// MessageContent is the inner content of assistant/user events.
type MessageContent struct {
	Model   string          `json:"model,omitempty"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content FlexibleContent `json:"content"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// AssistantEvent is a complete assistant message.
type AssistantEvent struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	UUID      string         `json:"uuid,omitempty"`
	Message   MessageContent `json:"message"`
}

// Kind returns the event type.
func (e AssistantEvent) Kind() EventType { return EventTypeAssistant }

// UserEvent represents tool results echoed back by the CLI.
type UserEvent struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Message   MessageContent `json:"message"`
}

// Kind returns the event type.
func (e UserEvent) Kind() EventType { return EventTypeUser }

// ToolUseEvent is a standalone tool invocation event. Some providers emit
// these as their own line instead of nesting the invocation inside an
// assistant message's content blocks; both shapes must be recognized.
type ToolUseEvent struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
}

// Kind returns the event type.
func (e ToolUseEvent) Kind() EventType { return EventTypeToolUse }

// StreamEvent wraps an incremental streaming update. The inner event is kept
// raw and parsed on demand via ParsedInner.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	UUID      string          `json:"uuid,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// Kind returns the event type.
func (e StreamEvent) Kind() EventType { return EventTypeStreamEvent }

// ParsedInner parses the wrapped stream event payload.
func (e StreamEvent) ParsedInner() (StreamEventData, error) {
	return ParseStreamEvent(e.Event)
}

// ModelUsage tracks per-model usage within a result event.
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int     `json:"contextWindow,omitempty"`
}

// ResultEvent contains the terminal metrics for one agent run.
type ResultEvent struct {
	Type         EventType             `json:"type"`
	Subtype      string                `json:"subtype"`
	SessionID    string                `json:"session_id"`
	IsError      bool                  `json:"is_error"`
	Result       string                `json:"result"`
	NumTurns     int                   `json:"num_turns"`
	DurationMs   int64                 `json:"duration_ms"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	Usage        Usage                 `json:"usage"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"`
}

// Kind returns the event type.
func (e ResultEvent) Kind() EventType { return EventTypeResult }

// Success reports whether the run completed without error, based on the
// result subtype with the is_error flag as fallback.
func (e ResultEvent) Success() bool {
	if e.Subtype != "" {
		return e.Subtype == "success"
	}
	return !e.IsError
}

// UnknownEvent carries a provider-specific event shape this package does not
// model. The raw payload is preserved for verbatim pass-through.
type UnknownEvent struct {
	Type EventType
	Raw  json.RawMessage
}

// Kind returns the event type.
func (e UnknownEvent) Kind() EventType { return e.Type }

// ParseEvent parses a single NDJSON line into an Event. Unrecognized types
// are returned as UnknownEvent rather than dropped, so the open set of
// provider-specific events survives the round trip.
func ParseEvent(line []byte) (Event, error) {
	var base struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case EventTypeSystem:
		var e SystemEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeAssistant:
		var e AssistantEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeUser:
		var e UserEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeToolUse:
		var e ToolUseEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeStreamEvent:
		var e StreamEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeResult:
		var e ResultEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		log.Debug().Str("type", string(base.Type)).Msg("passing through unknown event type")
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return UnknownEvent{Type: base.Type, Raw: raw}, nil
	}
}
