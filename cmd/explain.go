package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"otelexplain/internal/backend"
	"otelexplain/internal/config"
	"otelexplain/internal/core"
	"otelexplain/internal/detect"
	"otelexplain/internal/docs"
	"otelexplain/internal/notify"
	"otelexplain/internal/render"
)

var (
	explainBackend     string
	explainModel       string
	explainEndpoint    string
	explainFormat      string
	explainMarkdownOut string
	explainTimeout     int
	explainNoDocs      bool
	explainWebhook     string
	explainQuiet       bool
	explainNoColor     bool
)

var explainCmd = &cobra.Command{
	Use:   "explain [file]",
	Short: "Explain the components of a collector configuration",
	Long:  "Explain reads a collector configuration from a file, stdin, or an interactive paste and describes each receiver, processor, exporter, and extension in plain language.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExplain,
}

func init() {
	explainCmd.Flags().StringVarP(&explainBackend, "backend", "b", "", "LLM backend (ollama, openai)")
	explainCmd.Flags().StringVarP(&explainModel, "model", "m", "", "Model override (backend-specific)")
	explainCmd.Flags().StringVar(&explainEndpoint, "endpoint", "", "Backend endpoint URL override")
	explainCmd.Flags().StringVar(&explainFormat, "format", "", "Output format (text, markdown, json)")
	explainCmd.Flags().StringVar(&explainMarkdownOut, "md-out", "", "Write a markdown report to this file")
	explainCmd.Flags().IntVar(&explainTimeout, "timeout", 0, "Per-call timeout in seconds")
	explainCmd.Flags().BoolVar(&explainNoDocs, "no-docs", false, "Skip the local documentation cache")
	explainCmd.Flags().StringVar(&explainWebhook, "webhook", "", "Notification webhook URL")
	explainCmd.Flags().BoolVarP(&explainQuiet, "quiet", "q", false, "Suppress progress output")
	explainCmd.Flags().BoolVar(&explainNoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(explainCmd)
}

func runExplain(cmd *cobra.Command, args []string) error {
	if explainNoColor {
		color.NoColor = true
	}
	if explainTimeout < 0 {
		return errors.New("timeout must be a positive number of seconds")
	}

	source, sourceLabel, projectDir, err := readInput(args)
	if err != nil {
		return err
	}

	if _, err := config.LoadConfig(projectDir); err != nil {
		return err
	}
	if !explainNoColor {
		if value, ok := config.GetConfig("color"); ok && value == "false" {
			color.NoColor = true
		}
	}

	totalComponents := 0
	if doc, err := detect.Parse(source); err == nil {
		components, _ := detect.Detect(doc)
		totalComponents = len(components)
		if !detect.LooksLikeCollectorConfig(doc) {
			fmt.Fprintln(os.Stderr, "Warning: this does not look like a collector configuration.")
			fmt.Fprintln(os.Stderr, "Proceeding anyway...")
		}
	}

	format, err := render.ParseFormat(explainFormat)
	if err != nil {
		return err
	}

	useDocs := !explainNoDocs
	if useDocs {
		if value, ok := config.GetConfig("docs.enabled"); ok && value == "false" {
			useDocs = false
		}
	}
	var docsLookup func(component detect.Component) string
	if useDocs {
		if manager, err := docs.NewManager(docs.Options{}); err == nil {
			docsLookup = manager.Context
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress core.ProgressCallback
	if !explainQuiet {
		progress = progressPrinter(os.Stderr)
	}

	result, runErr := core.Run(ctx, source, core.Options{
		BackendName: explainBackend,
		Endpoint:    explainEndpoint,
		Model:       explainModel,
		CallTimeout: time.Duration(explainTimeout) * time.Second,
		DocsLookup:  docsLookup,
		Progress:    progress,
	})

	webhook := strings.TrimSpace(explainWebhook)
	if webhook == "" {
		if value, ok := config.GetConfig("webhook.url"); ok {
			webhook = strings.TrimSpace(value)
		}
	}

	if runErr != nil {
		switch {
		case errors.Is(runErr, core.ErrNoComponents):
			fmt.Fprintln(os.Stderr, "No components found in the configuration.")
			for _, problem := range result.Problems {
				fmt.Fprintf(os.Stderr, "Skipped section %q: %s\n", problem.Section, problem.Detail)
			}
			sendWebhook(webhook, notify.NotifyFailed, buildSummary(result, sourceLabel, totalComponents, notify.ReasonNoComponents))
			return nil
		case errors.Is(runErr, context.Canceled):
			if len(result.Entries) > 0 {
				if err := writeOutput(result, sourceLabel, format); err != nil {
					return err
				}
			}
			fmt.Fprintln(os.Stderr, "Interrupted.")
			sendWebhook(webhook, notify.NotifyFailed, buildSummary(result, sourceLabel, totalComponents, notify.ReasonCanceled))
			return runErr
		default:
			reason := notify.ReasonConfigError
			if errors.Is(runErr, backend.ErrBackendNotFound) {
				reason = notify.ReasonBackendError
			}
			sendWebhook(webhook, notify.NotifyFailed, buildSummary(result, sourceLabel, totalComponents, reason))
			return runErr
		}
	}

	if err := writeOutput(result, sourceLabel, format); err != nil {
		return err
	}

	if explainMarkdownOut != "" {
		meta := render.Meta{Source: sourceLabel}
		if err := os.WriteFile(explainMarkdownOut, []byte(render.Markdown(result, meta)), 0o644); err != nil {
			return fmt.Errorf("write markdown report: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Explanations exported to: %s\n", explainMarkdownOut)
	}

	sendWebhook(webhook, notify.NotifyComplete, buildSummary(result, sourceLabel, totalComponents, ""))
	return nil
}

// readInput returns the configuration bytes, a label for display, and the
// directory whose project config should apply.
func readInput(args []string) ([]byte, string, string, error) {
	if len(args) == 1 && args[0] != "-" {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return nil, "", "", fmt.Errorf("resolve config path: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", "", fmt.Errorf("read config file: %w", err)
		}
		return data, args[0], filepath.Dir(path), nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("Enter your collector YAML configuration (press Ctrl+D when done):")
		fmt.Println(strings.Repeat("=", 70))
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, "", "", fmt.Errorf("read stdin: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return data, "stdin", cwd, nil
}

func progressPrinter(out io.Writer) core.ProgressCallback {
	return func(update core.ProgressUpdate) {
		switch update.Stage {
		case core.StagePrompting:
			fmt.Fprintf(out, "Explaining %s %q (%d/%d)...\n", update.Component.Kind, update.Component.Name(), update.Index, update.Total)
		case core.StageAwaitingBackend:
			if update.Attempt > 1 {
				fmt.Fprintf(out, "  Retrying %s (attempt %d)...\n", update.Component.Name(), update.Attempt)
			}
		case core.StageFailed:
			fmt.Fprintf(out, "  Warning: failed to explain %s: %v\n", update.Component.Name(), update.Err)
		}
	}
}

func writeOutput(result core.Result, sourceLabel string, format render.Format) error {
	writer := render.NewWriter(format, os.Stdout)
	return writer.Write(result, render.Meta{Source: sourceLabel})
}

type notifyFunc func(ctx context.Context, opts notify.Options, summary notify.Summary) error

// sendWebhook delivers a notification on a best-effort basis. Failures are
// reported but never fail the run.
func sendWebhook(url string, send notifyFunc, summary notify.Summary) {
	if url == "" {
		return
	}
	if err := send(context.Background(), notify.Options{WebhookURL: url}, summary); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: webhook notification failed: %v\n", err)
	}
}

func buildSummary(result core.Result, source string, total int, reason string) notify.Summary {
	if total < len(result.Entries) {
		total = len(result.Entries)
	}
	return notify.Summary{
		Source:    source,
		Backend:   result.Backend,
		Model:     result.Model,
		Explained: result.Explained(),
		Failed:    result.Failed(),
		Total:     total,
		Duration:  result.Duration(),
		Reason:    reason,
	}
}
