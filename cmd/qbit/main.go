// Package main provides the CLI entry point for the Qbit data agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:   "qbit",
		Short: "Qbit is a tool-routing data agent over SQLite, Notion and web search",
		Long: `Qbit answers natural-language questions by letting a language model
call tools across multiple data sources: a SQLite database, a Notion
workspace, and the web. Tool calls are routed to the server that owns
them and results are fed back to the model until it produces an answer.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildChatCmd(),
		buildToolsCmd(),
		buildServersCmd(),
		buildHistoryCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
