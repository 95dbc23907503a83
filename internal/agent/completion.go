package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/qbitdata/qbit/pkg/models"
)

// CompletionRequest carries everything a model call needs.
type CompletionRequest struct {
	Model       string
	Turns       []models.Turn
	Tools       []models.ToolDescriptor
	Temperature float32
	MaxTokens   int
}

// Completion is the result of a blocking model call.
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments belonging
// to the same call share an ID, or an Index when the backend only sends the
// ID on the first fragment. Arguments accumulate by string concatenation.
type ToolCallDelta struct {
	Index     *int
	ID        string
	Name      string
	Arguments string
}

// Delta is one chunk of a streamed completion. A non-nil Err terminates the
// stream.
type Delta struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCallDelta
	Err       error
}

// CompletionClient abstracts the chat-completions backend.
type CompletionClient interface {
	// Complete performs one blocking model call.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	// Stream performs one streaming model call. The returned channel is
	// closed when the stream ends; a Delta with Err set signals failure.
	Stream(ctx context.Context, req CompletionRequest) (<-chan Delta, error)
}

// RateLimitError reports a 429 from the backend.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps a failure worth retrying, such as a timeout or a 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }
