// Package main provides the CLI entry point for the clawgate conversation
// gateway.
//
// Clawgate connects messaging channels to a streaming LLM provider with
// sandboxed tool execution, per-session turn serialization, and scheduled
// synthetic turns.
//
// # Basic Usage
//
// Start the server:
//
//	clawgate serve --config clawgate.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "Clawgate - conversational LLM gateway",
		Long: `Clawgate runs conversational sessions against a streaming LLM provider
with sandboxed tool execution and scheduled turns.

Documentation: https://github.com/haasonsaas/clawgate`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawgate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
