package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a transcript turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a conversation transcript, shaped for the
// chat-completions wire format. Turns are append-only: a transcript is never
// reordered or edited, only cleared back to its system turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is present only on assistant turns that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are present only on tool turns and identify which
	// requested call this turn answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// SystemTurn builds the mandatory first turn of a transcript.
func SystemTurn(prompt string) Turn {
	return Turn{Role: RoleSystem, Content: prompt}
}

// UserTurn builds a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an assistant turn. toolCalls may be nil for a plain
// text answer.
func AssistantTurn(content string, toolCalls []ToolCall) Turn {
	return Turn{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolTurn builds the tool turn answering the request identified by callID.
func ToolTurn(callID, name, content string) Turn {
	return Turn{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// ToolCall represents the model's request to execute a tool. Input holds the
// raw argument JSON exactly as the model produced it; callers parse it
// themselves and treat malformed JSON as an empty argument object.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is a durable history row. Only user and assistant rows are replayed
// when a fresh transcript is hydrated; tool rows are never persisted here.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
