package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:     "otelexplain",
	Short:   "Explain OpenTelemetry Collector configurations",
	Long:    "Otelexplain reads an OpenTelemetry Collector configuration and explains every receiver, processor, exporter, and extension in plain language using a local or hosted LLM.",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(debugLogging)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

func setupLogging(debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
