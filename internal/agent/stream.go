package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/qbitdata/qbit/internal/catalog"
	"github.com/qbitdata/qbit/pkg/models"
)

const (
	streamRetryAttempts = 3
	streamRetryBase     = 2 * time.Second
)

// ChatStream answers one question in streaming mode, emitting lifecycle
// events on the returned channel. The channel always ends with a done or
// error event and is then closed. An error return means the session lock
// could not be taken.
func (a *Agent) ChatStream(ctx context.Context, sessionID, question string) (<-chan Event, error) {
	if err := a.locker.Acquire(ctx, sessionID); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer a.locker.Release(sessionID)
		a.runStream(ctx, sessionID, question, events)
	}()
	return events, nil
}

func (a *Agent) runStream(ctx context.Context, sessionID, question string, events chan<- Event) {
	transcript := a.transcript(sessionID)
	transcript.Hydrate(ctx, a.store, sessionID, a.historyLimit, a.logger)
	transcript.Append(models.UserTurn(question))
	a.persist(ctx, sessionID, models.RoleUser, question)

	for iteration := 0; iteration < a.streamMax; iteration++ {
		// Rebuilt every round so providers that recover mid-conversation
		// contribute their tools to the next model call.
		cat := catalog.Build(ctx, a.regs, a.logger)

		content, calls, err := a.streamWithRetry(ctx, transcript, cat, events)
		if err != nil {
			a.logger.Error("stream failed", "session", sessionID, "error", err)
			emit(ctx, events, Event{Type: EventError, Content: err.Error()})
			a.observeLoop("streaming", iteration+1, false)
			return
		}

		if len(calls) == 0 {
			transcript.Append(models.AssistantTurn(content, nil))
			a.persist(ctx, sessionID, models.RoleAssistant, content)
			emit(ctx, events, Event{Type: EventDone})
			a.observeLoop("streaming", iteration+1, false)
			return
		}

		transcript.Append(models.AssistantTurn("", calls))
		for _, call := range calls {
			server := ""
			if route, ok := cat.Resolve(call.Name); ok {
				server = route.Server
			}
			args, err := decodeArguments(call.Input)
			if err != nil {
				args = map[string]any{}
			}
			emit(ctx, events, Event{Type: EventToolExecuting, Tool: call.Name, Server: server, Arguments: args})

			inv := a.executeTool(ctx, cat, call)
			transcript.Append(models.ToolTurn(call.ID, call.Name, inv.Result))
			emit(ctx, events, Event{Type: EventToolResult, Tool: call.Name, Server: inv.Server, Content: previewResult(inv.Result)})
		}
		emit(ctx, events, Event{Type: EventSynthesizing})
	}

	a.logger.Warn("stream iteration cap reached", "session", sessionID, "cap", a.streamMax)
	emit(ctx, events, Event{Type: EventLoopExhausted})
	emit(ctx, events, Event{Type: EventTextChunk, Content: exhaustedFallback})
	transcript.Append(models.AssistantTurn(exhaustedFallback, nil))
	a.persist(ctx, sessionID, models.RoleAssistant, exhaustedFallback)
	emit(ctx, events, Event{Type: EventDone})
	a.observeLoop("streaming", a.streamMax, true)
}

// streamWithRetry performs one streaming model call, retrying rate limits
// and transient failures with exponential backoff. Each retry restarts the
// stream from scratch; nothing is committed to the transcript until a call
// succeeds.
func (a *Agent) streamWithRetry(ctx context.Context, transcript *Transcript, cat *catalog.Catalog, events chan<- Event) (string, []models.ToolCall, error) {
	var lastErr error
	for attempt := 0; attempt < streamRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := a.retryDelay * (1 << (attempt - 1))
			var rle *RateLimitError
			if errors.As(lastErr, &rle) {
				if rle.RetryAfter > 0 {
					delay = rle.RetryAfter
				}
				emit(ctx, events, Event{Type: EventRateLimit, RetryIn: delay})
			}
			a.logger.Warn("retrying stream", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}

		content, calls, err := a.streamOnce(ctx, transcript, cat, events)
		if err == nil {
			return content, calls, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return "", nil, lastErr
}

// streamOnce consumes one model stream, emitting chunks as they arrive.
// Plain text is suppressed for the rest of the call once the first tool-call
// fragment shows up, since that text is preamble the model abandons in favor
// of the calls.
func (a *Agent) streamOnce(ctx context.Context, transcript *Transcript, cat *catalog.Catalog, events chan<- Event) (string, []models.ToolCall, error) {
	start := time.Now()
	deltas, err := a.client.Stream(ctx, CompletionRequest{
		Model:       a.model,
		Turns:       transcript.Turns(),
		Tools:       cat.Descriptors(),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		a.observeCompletion("streaming", err, time.Since(start))
		return "", nil, err
	}

	assembler := newToolCallAssembler()
	var content strings.Builder

	for delta := range deltas {
		if delta.Err != nil {
			a.observeCompletion("streaming", delta.Err, time.Since(start))
			return "", nil, delta.Err
		}
		if delta.Reasoning != "" {
			emit(ctx, events, Event{Type: EventReasoningChunk, Content: delta.Reasoning})
		}
		for _, frag := range delta.ToolCalls {
			if frag.Name != "" {
				emit(ctx, events, Event{Type: EventToolCallStart, Tool: frag.Name})
			}
			assembler.add(frag)
		}
		if delta.Content != "" && !assembler.sawToolCall() {
			content.WriteString(delta.Content)
			emit(ctx, events, Event{Type: EventTextChunk, Content: delta.Content})
		}
	}
	if err := ctx.Err(); err != nil {
		a.observeCompletion("streaming", err, time.Since(start))
		return "", nil, err
	}

	a.observeCompletion("streaming", nil, time.Since(start))
	return content.String(), assembler.finalize(), nil
}

// resultPreviewLen bounds tool_result event payloads; the full result still
// goes to the transcript for the model.
const resultPreviewLen = 200

func previewResult(s string) string {
	if len(s) <= resultPreviewLen {
		return s
	}
	return s[:resultPreviewLen]
}

// emit sends without blocking forever on a consumer that walked away.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func isRetryable(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}
