// commands.go contains the cobra command definitions. Each builder creates a
// command and wires it to its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

type commonFlags struct {
	configPath  string
	debug       bool
	metricsAddr string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "qbit.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&f.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func buildChatCmd() *cobra.Command {
	var flags commonFlags
	var (
		session string
		stream  bool
	)

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask the agent one question",
		Long: `Ask the agent a question. The model decides which tools to call; tool
results are fed back until it produces a final answer.

With --stream, text is printed as it is generated and tool activity is
shown as it happens.`,
		Example: `  # Blocking answer
  qbit chat "what tables are in the database?"

  # Streamed answer with tool activity
  qbit chat --stream "summarize last month's orders"

  # Continue a named session
  qbit chat --session reports "and compare with the month before"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, session, stream, args)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&session, "session", "s", "default", "Session ID for conversation continuity")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream the answer as it is generated")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the merged tool catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildServersCmd() *cobra.Command {
	var flags commonFlags
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List the registered tool servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServers(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildHistoryCmd() *cobra.Command {
	var flags commonFlags
	var (
		session string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted conversation history for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), flags, session, limit)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&session, "session", "s", "default", "Session ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 40, "Maximum messages to show")
	return cmd
}
