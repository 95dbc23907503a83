// handlers.go contains the command implementations: wiring configuration
// into providers, the completion client, and the agent loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qbitdata/qbit/internal/agent"
	"github.com/qbitdata/qbit/internal/agent/openrouter"
	"github.com/qbitdata/qbit/internal/config"
	"github.com/qbitdata/qbit/internal/observability"
	"github.com/qbitdata/qbit/internal/provider"
	"github.com/qbitdata/qbit/internal/sessions"
	"github.com/qbitdata/qbit/internal/tools/notion"
	"github.com/qbitdata/qbit/internal/tools/sqlite"
	"github.com/qbitdata/qbit/internal/tools/websearch"
)

// app holds everything a command needs, plus the teardown list.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	agent    *agent.Agent
	store    sessions.Store
	cleanups []func() error
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setup loads configuration and builds the provider registrations and the
// agent. Providers that fail to initialize are logged and skipped; the agent
// runs with whatever connected.
func setup(ctx context.Context, flags commonFlags) (*app, error) {
	logger := newLogger(flags.debug)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	var regs []provider.Registration

	if cfg.Database.Path != "" {
		if p, err := sqlite.New(cfg.Database.Path, logger); err != nil {
			logger.Warn("sqlite provider unavailable", "path", cfg.Database.Path, "error", err)
		} else {
			regs = append(regs, provider.Registration{Name: "SQLite", Provider: p})
			a.cleanups = append(a.cleanups, p.Close)
		}
	}

	if cfg.Notion.URL != "" {
		if p, err := notion.New(ctx, cfg.Notion.URL, cfg.Notion.Token, logger); err != nil {
			logger.Warn("notion provider unavailable", "url", cfg.Notion.URL, "error", err)
			regs = append(regs, provider.Registration{Name: "Notion_workspace"})
		} else {
			regs = append(regs, provider.Registration{Name: "Notion_workspace", Provider: p})
			a.cleanups = append(a.cleanups, p.Close)
		}
	}

	if cfg.Serper.APIKey != "" {
		if p, err := websearch.New(cfg.Serper.APIKey, logger); err != nil {
			logger.Warn("websearch provider unavailable", "error", err)
		} else {
			regs = append(regs, provider.Registration{Name: "WebSearch", Provider: p})
			a.cleanups = append(a.cleanups, p.Close)
		}
	}

	var store sessions.Store
	if cfg.History.Path != "" {
		s, err := sessions.NewSQLiteStore(cfg.History.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		store = s
	} else {
		store = sessions.NewMemoryStore()
	}
	a.store = store
	a.cleanups = append(a.cleanups, store.Close)

	client, err := openrouter.New(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var metrics *observability.Metrics
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		srv := &http.Server{
			Addr:              flags.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		a.cleanups = append(a.cleanups, func() error { return srv.Close() })
		logger.Info("serving metrics", "addr", flags.metricsAddr)
	}

	ag, err := agent.New(agent.Options{
		Client:              client,
		Registrations:       regs,
		Store:               store,
		Model:               cfg.OpenRouter.Model,
		MaxIterations:       cfg.Agent.MaxIterations,
		StreamMaxIterations: cfg.Agent.StreamMaxIterations,
		Temperature:         cfg.Agent.Temperature,
		MaxTokens:           cfg.Agent.MaxTokens,
		HistoryWindow:       cfg.History.Window,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.agent = ag
	return a, nil
}

func runChat(ctx context.Context, flags commonFlags, session string, stream bool, args []string) error {
	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	question := strings.Join(args, " ")
	if stream {
		return streamChat(ctx, a, session, question)
	}

	res, err := a.agent.Chat(ctx, session, question)
	if err != nil {
		return err
	}

	fmt.Println(res.Content)
	if len(res.ToolCalls) > 0 {
		fmt.Println()
		fmt.Printf("Tools used (%d):\n", len(res.ToolCalls))
		for _, inv := range res.ToolCalls {
			fmt.Printf("  %s [%s] %.0fms\n", inv.ToolName, inv.Server, float64(inv.Duration)/float64(time.Millisecond))
		}
	}
	return nil
}

func streamChat(ctx context.Context, a *app, session, question string) error {
	events, err := a.agent.ChatStream(ctx, session, question)
	if err != nil {
		return err
	}

	for ev := range events {
		switch ev.Type {
		case agent.EventTextChunk:
			fmt.Print(ev.Content)
		case agent.EventReasoningChunk:
			// Reasoning goes to stderr so piped output stays clean.
			fmt.Fprint(os.Stderr, ev.Content)
		case agent.EventToolCallStart:
			fmt.Fprintf(os.Stderr, "\n[calling %s]\n", ev.Tool)
		case agent.EventToolExecuting:
			fmt.Fprintf(os.Stderr, "[running %s on %s]\n", ev.Tool, ev.Server)
		case agent.EventToolResult:
			fmt.Fprintf(os.Stderr, "[%s done]\n", ev.Tool)
		case agent.EventSynthesizing:
			fmt.Fprintln(os.Stderr, "[synthesizing]")
		case agent.EventRateLimit:
			fmt.Fprintf(os.Stderr, "[rate limited, retrying in %s]\n", ev.RetryIn)
		case agent.EventLoopExhausted:
			fmt.Fprintln(os.Stderr, "[iteration limit reached]")
		case agent.EventError:
			return fmt.Errorf("stream failed: %s", ev.Content)
		case agent.EventDone:
			fmt.Println()
		}
	}
	return nil
}

func runTools(ctx context.Context, flags commonFlags) error {
	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	cat := a.agent.Catalog(ctx)
	if cat.Len() == 0 {
		fmt.Println("No tools available. Check provider configuration.")
		return nil
	}
	fmt.Printf("%d tools available:\n\n", cat.Len())
	for _, desc := range cat.Descriptors() {
		server := "?"
		if route, ok := cat.Resolve(desc.Name); ok {
			server = route.Server
		}
		fmt.Printf("  %-24s %s  (%s)\n", desc.Name, desc.Description, server)
	}
	return nil
}

func runServers(ctx context.Context, flags commonFlags) error {
	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	names := a.agent.Servers()
	if len(names) == 0 {
		fmt.Println("No servers registered.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runHistory(ctx context.Context, flags commonFlags, session string, limit int) error {
	logger := newLogger(flags.debug)
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("no history path configured")
	}

	store, err := sessions.NewSQLiteStore(cfg.History.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := store.History(ctx, session, limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Printf("No history for session %q.\n", session)
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
	}
	return nil
}
