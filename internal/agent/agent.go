// Package agent runs the tool-routing conversation loop: it hands the model
// a merged tool catalog, executes whatever calls come back, feeds the results
// into the transcript, and repeats until the model answers in plain text or
// the iteration cap trips.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qbitdata/qbit/internal/catalog"
	"github.com/qbitdata/qbit/internal/observability"
	"github.com/qbitdata/qbit/internal/provider"
	"github.com/qbitdata/qbit/internal/sessions"
	"github.com/qbitdata/qbit/pkg/models"
)

const (
	// exhaustedFallback is returned when the loop hits its iteration cap
	// without a plain-text answer.
	exhaustedFallback = "I've completed the analysis with the available information."

	defaultMaxIterations       = 10
	defaultStreamMaxIterations = 100
	defaultHistoryWindow       = 40
	lockTimeout                = 2 * time.Minute
)

// Options configures an Agent.
type Options struct {
	Client        CompletionClient
	Registrations []provider.Registration
	Store         sessions.Store

	Model               string
	MaxIterations       int
	StreamMaxIterations int
	Temperature         float32
	MaxTokens           int
	HistoryWindow       int

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Agent owns per-session transcripts and drives the conversation loop
// against the registered tool providers.
type Agent struct {
	client  CompletionClient
	regs    []provider.Registration
	store   sessions.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	model        string
	maxIter      int
	streamMax    int
	temperature  float32
	maxTokens    int
	historyLimit int

	locker     *sessions.Locker
	retryDelay time.Duration

	mu          sync.Mutex
	transcripts map[string]*Transcript
}

// ChatResult is the outcome of one blocking Chat call.
type ChatResult struct {
	Content     string                  `json:"content"`
	ToolCalls   []models.ToolInvocation `json:"tool_calls"`
	ServersUsed []string                `json:"servers_used"`
}

// New builds an Agent. Client is required; everything else has defaults.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("completion client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = sessions.NewMemoryStore()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.StreamMaxIterations <= 0 {
		opts.StreamMaxIterations = defaultStreamMaxIterations
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}

	return &Agent{
		client:       opts.Client,
		regs:         opts.Registrations,
		store:        opts.Store,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "agent"),
		model:        opts.Model,
		maxIter:      opts.MaxIterations,
		streamMax:    opts.StreamMaxIterations,
		temperature:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
		historyLimit: opts.HistoryWindow,
		locker:       sessions.NewLocker(lockTimeout),
		retryDelay:   streamRetryBase,
		transcripts:  make(map[string]*Transcript),
	}, nil
}

// Servers lists the registered server names in registration order.
func (a *Agent) Servers() []string {
	names := make([]string, 0, len(a.regs))
	for _, r := range a.regs {
		names = append(names, r.Name)
	}
	return names
}

// Catalog builds and returns the current merged tool catalog.
func (a *Agent) Catalog(ctx context.Context) *catalog.Catalog {
	return catalog.Build(ctx, a.regs, a.logger)
}

// ClearSession resets a session: the in-memory transcript goes back to just
// the system prompt and the durable history is deleted, so the next Chat has
// nothing to hydrate from.
func (a *Agent) ClearSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	if t, ok := a.transcripts[sessionID]; ok {
		t.Clear()
	}
	a.mu.Unlock()

	if err := a.store.DeleteSession(ctx, sessionID); err != nil {
		a.logger.Error("failed to delete session history", "session", sessionID, "error", err)
		return err
	}
	return nil
}

func (a *Agent) transcript(sessionID string) *Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transcripts[sessionID]
	if !ok {
		t = NewTranscript()
		a.transcripts[sessionID] = t
	}
	return t
}

// Chat answers one question in blocking mode. The returned content is always
// usable text: transport failures and loop exhaustion degrade to fallback
// answers rather than errors, so an error return means the session lock
// could not be taken. Unlike ChatStream, the tool catalog is built once per
// call and reused across iterations; a provider that recovers mid-call is not
// picked up until the next question.
func (a *Agent) Chat(ctx context.Context, sessionID, question string) (*ChatResult, error) {
	if err := a.locker.Acquire(ctx, sessionID); err != nil {
		return nil, err
	}
	defer a.locker.Release(sessionID)

	transcript := a.transcript(sessionID)
	transcript.Hydrate(ctx, a.store, sessionID, a.historyLimit, a.logger)
	transcript.Append(models.UserTurn(question))
	a.persist(ctx, sessionID, models.RoleUser, question)

	cat := catalog.Build(ctx, a.regs, a.logger)
	a.logger.Info("chat started",
		"session", sessionID, "tools", cat.Len(), "servers", len(a.regs))

	var invocations []models.ToolInvocation
	serversUsed := make(map[string]bool)

	for iteration := 0; iteration < a.maxIter; iteration++ {
		start := time.Now()
		completion, err := a.client.Complete(ctx, CompletionRequest{
			Model:       a.model,
			Turns:       transcript.Turns(),
			Tools:       cat.Descriptors(),
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
		})
		a.observeCompletion("blocking", err, time.Since(start))
		if err != nil {
			a.logger.Error("completion failed", "session", sessionID, "error", err)
			content := fmt.Sprintf("I encountered an error: %v", err)
			transcript.Append(models.AssistantTurn(content, nil))
			a.persist(ctx, sessionID, models.RoleAssistant, content)
			a.observeLoop("blocking", iteration+1, false)
			return &ChatResult{Content: content, ToolCalls: invocations, ServersUsed: sortedKeys(serversUsed)}, nil
		}

		if len(completion.ToolCalls) == 0 {
			transcript.Append(models.AssistantTurn(completion.Content, nil))
			a.persist(ctx, sessionID, models.RoleAssistant, completion.Content)
			a.observeLoop("blocking", iteration+1, false)
			return &ChatResult{Content: completion.Content, ToolCalls: invocations, ServersUsed: sortedKeys(serversUsed)}, nil
		}

		transcript.Append(models.AssistantTurn(completion.Content, completion.ToolCalls))
		for _, call := range completion.ToolCalls {
			inv := a.executeTool(ctx, cat, call)
			invocations = append(invocations, inv)
			if inv.Server != "" {
				serversUsed[inv.Server] = true
			}
			transcript.Append(models.ToolTurn(call.ID, call.Name, inv.Result))
		}
	}

	a.logger.Warn("iteration cap reached", "session", sessionID, "cap", a.maxIter)
	transcript.Append(models.AssistantTurn(exhaustedFallback, nil))
	a.persist(ctx, sessionID, models.RoleAssistant, exhaustedFallback)
	a.observeLoop("blocking", a.maxIter, true)
	return &ChatResult{Content: exhaustedFallback, ToolCalls: invocations, ServersUsed: sortedKeys(serversUsed)}, nil
}

// executeTool routes one call to its provider and always produces a result
// string, folding routing and execution failures into JSON error payloads
// the model can read.
func (a *Agent) executeTool(ctx context.Context, cat *catalog.Catalog, call models.ToolCall) models.ToolInvocation {
	inv := models.ToolInvocation{
		ToolName: call.Name,
		IssuedAt: time.Now().UTC(),
	}
	if args, err := decodeArguments(call.Input); err != nil {
		a.logger.Warn("malformed tool arguments", "tool", call.Name, "error", err)
		inv.Arguments = map[string]any{}
	} else {
		inv.Arguments = args
	}

	route, ok := cat.Resolve(call.Name)
	if !ok {
		inv.Result = errorPayload(fmt.Sprintf("Unknown tool: %s", call.Name))
		a.logger.Warn("unknown tool requested", "tool", call.Name)
		return inv
	}
	inv.Server = route.Server
	if route.Provider == nil {
		inv.Result = errorPayload(fmt.Sprintf("Server not connected: %s", route.Server))
		return inv
	}

	a.logger.Info("executing tool", "tool", call.Name, "server", route.Server)
	start := time.Now()
	result, err := route.Provider.Invoke(ctx, call.Name, inv.Arguments)
	inv.Duration = time.Since(start)
	a.observeToolExecution(route.Server, call.Name, err != nil, inv.Duration)

	if err != nil {
		a.logger.Error("tool execution failed",
			"tool", call.Name, "server", route.Server, "error", err)
		inv.Result = errorPayload(fmt.Sprintf("Tool execution failed: %v", err))
		return inv
	}
	inv.Result = result
	return inv
}

// persist writes one message to the durable store. Failures are logged and
// swallowed so storage trouble never interrupts a conversation.
func (a *Agent) persist(ctx context.Context, sessionID string, role models.Role, content string) {
	err := a.store.AppendMessage(ctx, models.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		a.logger.Warn("failed to persist message", "session", sessionID, "role", role, "error", err)
	}
}

func (a *Agent) observeCompletion(mode string, err error, elapsed time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveCompletion(mode, err, elapsed)
	}
}

func (a *Agent) observeToolExecution(server, tool string, failed bool, elapsed time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveToolExecution(server, tool, failed, elapsed)
	}
}

func (a *Agent) observeLoop(mode string, iterations int, exhausted bool) {
	if a.metrics != nil {
		a.metrics.ObserveLoop(mode, iterations, exhausted)
	}
}

// decodeArguments parses a tool call's raw JSON arguments. Empty input is an
// empty object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
