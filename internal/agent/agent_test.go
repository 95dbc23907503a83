package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/qbitdata/qbit/internal/provider"
	"github.com/qbitdata/qbit/internal/sessions"
	"github.com/qbitdata/qbit/pkg/models"
)

// fakeClient replays a script: one entry per Complete or Stream call, in
// order. Requests are captured for assertions.
type fakeClient struct {
	mu       sync.Mutex
	script   []scriptEntry
	next     int
	requests []CompletionRequest
}

type scriptEntry struct {
	completion *Completion
	deltas     []Delta
	err        error
}

func (c *fakeClient) pop(req CompletionRequest) (scriptEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.script) {
		return scriptEntry{}, fmt.Errorf("unscripted call %d", c.next)
	}
	entry := c.script[c.next]
	c.next++
	return entry, nil
}

func (c *fakeClient) Complete(_ context.Context, req CompletionRequest) (*Completion, error) {
	entry, err := c.pop(req)
	if err != nil {
		return nil, err
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.completion, nil
}

func (c *fakeClient) Stream(_ context.Context, req CompletionRequest) (<-chan Delta, error) {
	entry, err := c.pop(req)
	if err != nil {
		return nil, err
	}
	if entry.err != nil {
		return nil, entry.err
	}
	ch := make(chan Delta, len(entry.deltas))
	for _, d := range entry.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (c *fakeClient) lastRequest() CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

// fakeTool is a scriptable provider exposing a fixed tool list.
type fakeTool struct {
	mu     sync.Mutex
	tools  []models.ToolDescriptor
	invoke func(name string, args map[string]any) (string, error)
	calls  []map[string]any
}

func (f *fakeTool) ListTools(context.Context) ([]models.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeTool) Invoke(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.invoke != nil {
		return f.invoke(name, args)
	}
	return `{"rows":[]}`, nil
}

func (f *fakeTool) Close() error { return nil }

func descriptor(name string) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        name,
		Description: name,
		Parameters:  json.RawMessage(models.EmptyObjectSchema),
	}
}

func toolCall(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func newAgent(t *testing.T, client *fakeClient, regs []provider.Registration, opt func(*Options)) *Agent {
	t.Helper()
	opts := Options{
		Client:        client,
		Registrations: regs,
		Model:         "test-model",
	}
	if opt != nil {
		opt(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	a.retryDelay = 0
	return a
}

func TestChatImmediateAnswer(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{Content: "two tables exist"}},
	}}
	sqlProv := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: sqlProv}}, nil)

	res, err := a.Chat(context.Background(), "s1", "what tables exist?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Content != "two tables exist" {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("expected no invocations, got %d", len(res.ToolCalls))
	}

	req := client.lastRequest()
	if len(req.Tools) != 1 || req.Tools[0].Name != "list_tables" {
		t.Errorf("catalog not offered to model: %+v", req.Tools)
	}
	if req.Turns[0].Role != models.RoleSystem {
		t.Error("first turn must be the system prompt")
	}
	if last := req.Turns[len(req.Turns)-1]; last.Role != models.RoleUser || last.Content != "what tables exist?" {
		t.Errorf("question not appended: %+v", last)
	}
}

func TestChatExecutesToolThenAnswers(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{
			toolCall("call_1", "execute_query", `{"query":"SELECT 1"}`),
		}}},
		{completion: &Completion{Content: "the answer is 1"}},
	}}
	sqlProv := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("execute_query")},
		invoke: func(string, map[string]any) (string, error) { return `{"rows":[{"1":1}]}`, nil },
	}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: sqlProv}}, nil)

	res, err := a.Chat(context.Background(), "s1", "run it")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Content != "the answer is 1" {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ToolName != "execute_query" {
		t.Fatalf("invocations = %+v", res.ToolCalls)
	}
	if res.ToolCalls[0].Server != "SQLite" {
		t.Errorf("server = %q", res.ToolCalls[0].Server)
	}
	if len(res.ServersUsed) != 1 || res.ServersUsed[0] != "SQLite" {
		t.Errorf("servers used = %v", res.ServersUsed)
	}
	if got := sqlProv.calls[0]["query"]; got != "SELECT 1" {
		t.Errorf("provider saw args %v", sqlProv.calls[0])
	}

	// The second model call must see the assistant tool-call turn followed
	// by its paired tool turn.
	req := client.lastRequest()
	turns := req.Turns
	var found bool
	for i, turn := range turns {
		if turn.Role == models.RoleAssistant && len(turn.ToolCalls) > 0 {
			found = true
			if i+1 >= len(turns) {
				t.Fatal("assistant tool-call turn has no following tool turn")
			}
			next := turns[i+1]
			if next.Role != models.RoleTool || next.ToolCallID != "call_1" {
				t.Errorf("unpaired tool turn: %+v", next)
			}
		}
	}
	if !found {
		t.Error("assistant tool-call turn missing from transcript")
	}
}

func TestChatUnknownTool(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "fly_to_moon", `{}`)}}},
		{completion: &Completion{Content: "done"}},
	}}
	a := newAgent(t, client, nil, nil)

	res, err := a.Chat(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Content != "done" {
		t.Errorf("content = %q", res.Content)
	}
	req := client.lastRequest()
	last := req.Turns[len(req.Turns)-1]
	if last.Role != models.RoleTool || last.Content != `{"error":"Unknown tool: fly_to_moon"}` {
		t.Errorf("unknown tool result = %+v", last)
	}
}

func TestChatDisconnectedServer(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "search_pages", `{}`)}}},
		{completion: &Completion{Content: "done"}},
	}}
	regs := []provider.Registration{
		{Name: "Notion_workspace", CachedTools: []models.ToolDescriptor{descriptor("search_pages")}},
	}
	a := newAgent(t, client, regs, nil)

	if _, err := a.Chat(context.Background(), "s1", "q"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	last := client.lastRequest().Turns
	tool := last[len(last)-1]
	if tool.Content != `{"error":"Server not connected: Notion_workspace"}` {
		t.Errorf("result = %q", tool.Content)
	}
}

func TestChatProviderFailure(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "web_search", `{"query":"x"}`)}}},
		{completion: &Completion{Content: "done"}},
	}}
	prov := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("web_search")},
		invoke: func(string, map[string]any) (string, error) { return "", errors.New("upstream 500") },
	}
	a := newAgent(t, client, []provider.Registration{{Name: "WebSearch", Provider: prov}}, nil)

	if _, err := a.Chat(context.Background(), "s1", "q"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	turns := client.lastRequest().Turns
	tool := turns[len(turns)-1]
	if tool.Content != `{"error":"Tool execution failed: upstream 500"}` {
		t.Errorf("result = %q", tool.Content)
	}
}

func TestChatMalformedArgumentsBecomeEmpty(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "list_tables", `{"broken`)}}},
		{completion: &Completion{Content: "done"}},
	}}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}}, nil)

	if _, err := a.Chat(context.Background(), "s1", "q"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(prov.calls) != 1 || len(prov.calls[0]) != 0 {
		t.Errorf("expected empty args, provider saw %v", prov.calls)
	}
}

func TestChatIterationCap(t *testing.T) {
	// Model asks for a tool every round, forever.
	var script []scriptEntry
	for i := 0; i < 3; i++ {
		script = append(script, scriptEntry{completion: &Completion{
			ToolCalls: []models.ToolCall{toolCall(fmt.Sprintf("c%d", i), "list_tables", `{}`)},
		}})
	}
	client := &fakeClient{script: script}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}},
		func(o *Options) { o.MaxIterations = 3 })

	res, err := a.Chat(context.Background(), "s1", "loop forever")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Content != "I've completed the analysis with the available information." {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 3 {
		t.Errorf("expected 3 invocations before the cap, got %d", len(res.ToolCalls))
	}
}

func TestChatTransportErrorDegrades(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{err: errors.New("connection refused")},
	}}
	a := newAgent(t, client, nil, nil)

	res, err := a.Chat(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat should not fail: %v", err)
	}
	if !strings.HasPrefix(res.Content, "I encountered an error: ") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestChatPersistsUserAndAssistantOnly(t *testing.T) {
	store := sessions.NewMemoryStore()
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "list_tables", `{}`)}}},
		{completion: &Completion{Content: "final"}},
	}}
	prov := &fakeTool{tools: []models.ToolDescriptor{descriptor("list_tables")}}
	a := newAgent(t, client, []provider.Registration{{Name: "SQLite", Provider: prov}},
		func(o *Options) { o.Store = store })

	if _, err := a.Chat(context.Background(), "s1", "question"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	msgs, _ := store.History(context.Background(), "s1", 40)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 durable messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "final" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
}

func TestChatHydratesHistoryOnce(t *testing.T) {
	store := sessions.NewMemoryStore()
	ctx := context.Background()
	store.AppendMessage(ctx, models.Message{SessionID: "s1", Role: models.RoleUser, Content: "earlier question"})
	store.AppendMessage(ctx, models.Message{SessionID: "s1", Role: models.RoleAssistant, Content: "earlier answer"})

	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{Content: "a"}},
		{completion: &Completion{Content: "b"}},
	}}
	a := newAgent(t, client, nil, func(o *Options) { o.Store = store })

	if _, err := a.Chat(ctx, "s1", "new question"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	req := client.lastRequest()
	// system + 2 hydrated + new question
	if len(req.Turns) != 4 {
		t.Fatalf("expected 4 turns, got %d: %+v", len(req.Turns), req.Turns)
	}
	if req.Turns[1].Content != "earlier question" || req.Turns[2].Content != "earlier answer" {
		t.Errorf("hydration order wrong: %+v", req.Turns[1:3])
	}

	// A second chat must not re-hydrate into the now-populated transcript.
	if _, err := a.Chat(ctx, "s1", "another"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	req = client.lastRequest()
	count := 0
	for _, turn := range req.Turns {
		if turn.Content == "earlier question" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("history hydrated %d times", count)
	}
}

func TestChatLastRegistrationWins(t *testing.T) {
	first := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("search")},
		invoke: func(string, map[string]any) (string, error) { return "from first", nil },
	}
	second := &fakeTool{
		tools:  []models.ToolDescriptor{descriptor("search")},
		invoke: func(string, map[string]any) (string, error) { return "from second", nil },
	}
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{ToolCalls: []models.ToolCall{toolCall("c1", "search", `{}`)}}},
		{completion: &Completion{Content: "done"}},
	}}
	a := newAgent(t, client, []provider.Registration{
		{Name: "A", Provider: first},
		{Name: "B", Provider: second},
	}, nil)

	res, err := a.Chat(context.Background(), "s1", "q")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(first.calls) != 0 || len(second.calls) != 1 {
		t.Errorf("collision routed to wrong provider: first=%d second=%d", len(first.calls), len(second.calls))
	}
	if res.ToolCalls[0].Server != "B" {
		t.Errorf("server = %q, want B", res.ToolCalls[0].Server)
	}

	// The model must see one descriptor, not two.
	count := 0
	for _, tool := range client.requests[0].Tools {
		if tool.Name == "search" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("descriptor appears %d times in catalog", count)
	}
}

func TestClearSessionKeepsSystemPrompt(t *testing.T) {
	client := &fakeClient{script: []scriptEntry{
		{completion: &Completion{Content: "a"}},
		{completion: &Completion{Content: "b"}},
	}}
	a := newAgent(t, client, nil, nil)

	if _, err := a.Chat(context.Background(), "s1", "q1"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if err := a.ClearSession(context.Background(), "s1"); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	if _, err := a.Chat(context.Background(), "s1", "q2"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	req := client.lastRequest()
	// system + q2 only; q1 must be gone.
	if len(req.Turns) != 2 {
		t.Fatalf("expected cleared transcript, got %d turns", len(req.Turns))
	}
	if req.Turns[0].Role != models.RoleSystem {
		t.Error("system prompt lost on clear")
	}
}

func TestServersListsRegistrationOrder(t *testing.T) {
	a := newAgent(t, &fakeClient{}, []provider.Registration{
		{Name: "SQLite"}, {Name: "WebSearch"},
	}, nil)
	got := a.Servers()
	if len(got) != 2 || got[0] != "SQLite" || got[1] != "WebSearch" {
		t.Errorf("servers = %v", got)
	}
}
