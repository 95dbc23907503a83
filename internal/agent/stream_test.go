package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/qbitdata/qbit/internal/provider"
	"github.com/qbitdata/qbit/pkg/models"
)

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream never finished; events so far: %+v", events)
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func idx(i int) *int { return &i }

func TestChatStreamPlainAnswer(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{
			{Reasoning: "thinking"},
			{Content: "Hello"},
			{Content: " world"},
		}},
	}}
	a := newAgent(t, client, nil, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	want := []EventType{EventReasoningChunk, EventTextChunk, EventTextChunk, EventDone}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
	if events[1].Content != "Hello" || events[2].Content != " world" {
		t.Errorf("chunk contents: %+v", events[1:3])
	}
}

func TestChatStreamToolFlow(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		// First round: the model emits a fragmented tool call. The ID only
		// appears on the first fragment; the rest identify by index.
		{deltas: []Delta{
			{ToolCalls: []ToolCallDelta{{Index: idx(0), ID: "call_9", Name: "execute_query", Arguments: `{"que`}}},
			{ToolCalls: []ToolCallDelta{{Index: idx(0), Arguments: `ry":"SELECT`}}},
			{ToolCalls: []ToolCallDelta{{Index: idx(0), Arguments: ` 1"}`}}},
		}},
		// Second round: final text.
		{deltas: []Delta{{Content: "one row"}}},
	}}
	prov := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("execute_query")},
		invoke: func(string, map[string]any) (string, error) { return `{"rows":[1]}`, nil },
	}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}}, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "run it")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	want := []EventType{
		EventToolCallStart, EventToolExecuting, EventToolResult,
		EventSynthesizing, EventTextChunk, EventDone,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
	if events[0].Tool != "execute_query" {
		t.Errorf("tool_call_start tool = %q", events[0].Tool)
	}
	// tool_executing carries the parsed arguments, not the raw fragments.
	if events[1].Server != "SQLite" || events[1].Arguments["query"] != "SELECT 1" {
		t.Errorf("tool_executing = %+v", events[1])
	}
	if events[2].Server != "SQLite" || events[2].Content != `{"rows":[1]}` {
		t.Errorf("tool_result = %+v", events[2])
	}

	// The reassembled arguments reached the provider intact.
	if len(prov.calls) != 1 || prov.calls[0]["query"] != "SELECT 1" {
		t.Errorf("provider args = %v", prov.calls)
	}
}

func TestChatStreamSuppressesTextAfterToolCall(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{
			{Content: "Let me check"},
			{ToolCalls: []ToolCallDelta{{Index: idx(0), ID: "c1", Name: "list_tables", Arguments: `{}`}}},
			{Content: "this text is abandoned"},
		}},
		{deltas: []Delta{{Content: "answer"}}},
	}}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}}, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	for _, ev := range events {
		if ev.Type == EventTextChunk && ev.Content == "this text is abandoned" {
			t.Fatal("text after tool-call fragment must be suppressed")
		}
	}
	// The preamble before the first fragment still streams.
	if events[0].Type != EventTextChunk || events[0].Content != "Let me check" {
		t.Errorf("preamble lost: %+v", events[0])
	}
}

func TestChatStreamParallelToolCallsByIndex(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{
			{ToolCalls: []ToolCallDelta{
				{Index: idx(0), ID: "a", Name: "web_search", Arguments: `{"query":`},
				{Index: idx(1), ID: "b", Name: "news_search", Arguments: `{"query":`},
			}},
			{ToolCalls: []ToolCallDelta{
				{Index: idx(0), Arguments: `"go"}`},
				{Index: idx(1), Arguments: `"rust"}`},
			}},
		}},
		{deltas: []Delta{{Content: "done"}}},
	}}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("web_search"), descriptor("news_search")}}
	a := newAgent(t, client, []provider.Registration{{Name: "WebSearch", Provider: prov}}, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collectEvents(t, ch)

	if len(prov.calls) != 2 {
		t.Fatalf("expected 2 sequential invocations, got %d", len(prov.calls))
	}
	if prov.calls[0]["query"] != "go" || prov.calls[1]["query"] != "rust" {
		t.Errorf("interleaved fragments misassembled: %v", prov.calls)
	}
}

func TestChatStreamMalformedArgumentsBecomeEmpty(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{
			{ToolCalls: []ToolCallDelta{{Index: idx(0), ID: "c1", Name: "list_tables", Arguments: `{"trunc`}}},
		}},
		{deltas: []Delta{{Content: "done"}}},
	}}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}}, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collectEvents(t, ch)

	if len(prov.calls) != 1 || len(prov.calls[0]) != 0 {
		t.Errorf("expected empty args for truncated JSON, got %v", prov.calls)
	}
}

func TestChatStreamToolResultPreviewed(t *testing.T) {
	long := strings.Repeat("x", 500)
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{
			{ToolCalls: []ToolCallDelta{{Index: idx(0), ID: "c1", Name: "execute_query", Arguments: `{}`}}},
		}},
		{deltas: []Delta{{Content: "done"}}},
	}}
	prov := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("execute_query")},
		invoke: func(string, map[string]any) (string, error) { return long, nil },
	}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}}, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	for _, ev := range events {
		if ev.Type == EventToolResult {
			if len(ev.Content) != 200 || ev.Content != long[:200] {
				t.Errorf("tool_result preview length = %d", len(ev.Content))
			}
		}
	}
	// The model still sees the full result in the next request.
	full := false
	for _, turn := range client.lastRequest().Turns {
		if turn.Role == models.RoleTool && turn.Content == long {
			full = true
		}
	}
	if !full {
		t.Error("full tool result missing from transcript")
	}
}

func TestChatStreamRateLimitRetry(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{{Err: &RateLimitError{RetryAfter: time.Millisecond}}}},
		{deltas: []Delta{{Content: "recovered"}}},
	}}
	a := newAgent(t, client, nil, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	var sawRateLimit, sawText bool
	for _, ev := range events {
		switch ev.Type {
		case EventRateLimit:
			sawRateLimit = true
			if ev.RetryIn != time.Millisecond {
				t.Errorf("retry_in = %s", ev.RetryIn)
			}
		case EventTextChunk:
			sawText = ev.Content == "recovered"
		}
	}
	if !sawRateLimit || !sawText {
		t.Errorf("expected rate_limit then recovery, got %v", eventTypes(events))
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("stream must end with done, got %v", eventTypes(events))
	}
}

func TestChatStreamGivesUpAfterRetries(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{{Err: &RateLimitError{RetryAfter: time.Millisecond}}}},
		{deltas: []Delta{{Err: &RateLimitError{RetryAfter: time.Millisecond}}}},
		{deltas: []Delta{{Err: &RateLimitError{RetryAfter: time.Millisecond}}}},
	}}
	a := newAgent(t, client, nil, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("expected terminal error event, got %v", eventTypes(events))
	}
}

func TestChatStreamPermanentErrorNoRetry(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{{Err: context.Canceled}}},
	}}
	a := newAgent(t, client, nil, nil)

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)

	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("non-retryable errors must fail immediately: %v", eventTypes(events))
	}
}

func TestChatStreamIterationCap(t *testing.T) {
	var script []scriptEntry
	for i := 0; i < 2; i++ {
		script = append(script, scriptEntry{deltas: []Delta{
			{ToolCalls: []ToolCallDelta{{Index: idx(0), ID: "c", Name: "list_tables", Arguments: `{}`}}},
		}})
	}
	client := &fakeClient{script: script}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}},
		func(o *Options) { o.StreamMaxIterations = 2 })

	ch, err := a.ChatStream(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	events := collectEvents(t, ch)
	got := eventTypes(events)

	n := len(got)
	if n < 3 || got[n-3] != EventLoopExhausted || got[n-2] != EventTextChunk || got[n-1] != EventDone {
		t.Fatalf("expected loop_exhausted, fallback text, done; got %v", got)
	}
	if events[n-2].Content != "I've completed the analysis with the available information." {
		t.Errorf("fallback text = %q", events[n-2].Content)
	}
}

func TestChatStreamSerializedPerSession(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{deltas: []Delta{{Content: "first"}}},
		{deltas: []Delta{{Content: "second"}}},
	}}
	a := newAgent(t, client, nil, nil)

	ch1, err := a.ChatStream(context.Background(), "s1", "q1")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	done := make(chan struct{})
	go func() {
		ch2, err := a.ChatStream(context.Background(), "s1", "q2")
		if err != nil {
			t.Errorf("second stream: %v", err)
			close(done)
			return
		}
		collectEvents(t, ch2)
		close(done)
	}()

	collectEvents(t, ch1)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second stream never ran after first released the session")
	}
}
