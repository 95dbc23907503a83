package models

import (
	"encoding/json"
	"time"
)

// EmptyObjectSchema is the parameter schema advertised for tools whose
// provider supplies none, so the model always receives a valid schema.
const EmptyObjectSchema = `{"type":"object","properties":{},"required":[]}`

// ToolDescriptor advertises one invocable capability in the function-calling
// format. A descriptor is owned by exactly one provider for the lifetime of a
// catalog build.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolInvocation records the outcome of running one requested tool call. It is
// produced exactly once per request and surfaced to the caller as a flat
// record alongside the final answer.
type ToolInvocation struct {
	ToolName  string         `json:"tool"`
	Server    string         `json:"server"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	IssuedAt  time.Time      `json:"issued_at"`
	Duration  time.Duration  `json:"-"`
}

// MarshalJSON reports the duration in whole milliseconds, matching the shape
// consumed by the UI layer.
func (t ToolInvocation) MarshalJSON() ([]byte, error) {
	type alias ToolInvocation
	return json.Marshal(struct {
		alias
		DurationMS float64 `json:"duration_ms"`
	}{
		alias:      alias(t),
		DurationMS: float64(t.Duration) / float64(time.Millisecond),
	})
}
