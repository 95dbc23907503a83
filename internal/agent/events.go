package agent

import "time"

// EventType identifies a streaming lifecycle event.
type EventType string

const (
	EventTextChunk      EventType = "text_chunk"
	EventReasoningChunk EventType = "reasoning_chunk"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolExecuting  EventType = "tool_executing"
	EventToolResult     EventType = "tool_result"
	EventSynthesizing   EventType = "synthesizing"
	EventLoopExhausted  EventType = "loop_exhausted"
	EventRateLimit      EventType = "rate_limit"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is one item on a ChatStream channel. Which fields are populated
// depends on the type: text and reasoning chunks carry Content, tool events
// carry Tool and Server, tool_executing carries the parsed Arguments,
// rate_limit carries RetryIn.
type Event struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	RetryIn   time.Duration  `json:"retry_in,omitempty"`
}
