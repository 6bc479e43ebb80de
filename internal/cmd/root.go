// Package cmd implements the kryad command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kryahq/kryad/internal/observability"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

var (
	flagLogLevel   string
	flagStructured bool
)

var rootCmd = &cobra.Command{
	Use:   "kryad",
	Short: "LLM automation job daemon",
	Long: `kryad turns natural language prompts into generated scripts, runs them
in isolated processes, and repairs failures through a bounded retry loop.

Run 'kryad serve' to start the daemon, or 'kryad run' for a one-shot job.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.Init(observability.Options{
			Level:      flagLogLevel,
			Structured: flagStructured,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagStructured, "log-json", false, "Emit logs as JSON")

	rootCmd.Version = versionInfo.Version
	rootCmd.SetVersionTemplate("kryad {{.Version}}\n")
}

// Execute runs the CLI with signal-aware context cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
