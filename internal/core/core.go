package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"otelexplain/internal/backend"
	"otelexplain/internal/config"
	"otelexplain/internal/detect"
	"otelexplain/internal/parse"
	"otelexplain/internal/prompt"
)

var (
	// ErrNoComponents is returned when a valid document contains nothing to
	// explain. The Result still carries any section problems.
	ErrNoComponents = errors.New("no components found in the configuration")
)

const (
	// DefaultCallTimeout bounds a single backend call.
	DefaultCallTimeout = 120 * time.Second
	// DefaultRetryDelay is the pause between attempts for transient failures.
	DefaultRetryDelay = 2 * time.Second

	maxRetries = 2
)

// Stage identifies where a component is in its explanation lifecycle.
type Stage string

const (
	StagePending         Stage = "pending"
	StagePrompting       Stage = "prompting"
	StageAwaitingBackend Stage = "awaiting_backend"
	StageParsing         Stage = "parsing"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// ProgressCallback receives stage transitions while a run is in flight.
type ProgressCallback func(update ProgressUpdate)

type ProgressUpdate struct {
	Index     int // 1-based position in the run
	Total     int
	Component detect.Component
	Stage     Stage
	Attempt   int
	Err       error
}

// Options configures a run. Zero values fall back to configuration and
// backend defaults.
type Options struct {
	BackendName string
	Backend     backend.Backend
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
	CallTimeout time.Duration
	// RetryDelay is the pause between retry attempts. Zero means the
	// default; negative disables the pause.
	RetryDelay time.Duration
	Template   string
	// DocsLookup supplies reference documentation for a component, or ""
	// when none is available.
	DocsLookup func(component detect.Component) string
	Progress   ProgressCallback
}

// Entry is the outcome for one component.
type Entry struct {
	Component   detect.Component
	Explanation parse.Explanation
	Attempts    int
	Err         error
}

func (e Entry) Failed() bool {
	return e.Err != nil
}

// Result is the outcome of one run over a configuration document.
type Result struct {
	Entries  []Entry
	Problems []detect.Problem
	Backend  string
	Model    string
	Started  time.Time
	Finished time.Time
}

// Explained counts components that produced an explanation.
func (r Result) Explained() int {
	count := 0
	for _, entry := range r.Entries {
		if !entry.Failed() {
			count++
		}
	}
	return count
}

// Failed counts components whose calls were exhausted without a response.
func (r Result) Failed() int {
	count := 0
	for _, entry := range r.Entries {
		if entry.Failed() {
			count++
		}
	}
	return count
}

func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Run detects the components of a collector configuration and explains them
// one at a time, in detection order. A component whose backend calls fail is
// recorded and the run moves on; only document-level problems and context
// cancellation abort the run. On cancellation the Result keeps every entry
// completed so far.
func Run(ctx context.Context, source []byte, opts Options) (Result, error) {
	result := Result{Started: time.Now()}

	doc, err := detect.Parse(source)
	if err != nil {
		result.Finished = time.Now()
		return result, err
	}

	components, problems := detect.Detect(doc)
	result.Problems = problems
	if len(components) == 0 {
		result.Finished = time.Now()
		return result, ErrNoComponents
	}

	backendInstance, err := resolveBackend(opts)
	if err != nil {
		result.Finished = time.Now()
		return result, err
	}
	result.Backend = backendInstance.Name()
	result.Model = resolveModel(opts, backendInstance)

	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		if value, ok := config.GetConfig("timeout"); ok {
			if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
				callTimeout = time.Duration(parsed) * time.Second
			}
		}
		if callTimeout <= 0 {
			callTimeout = DefaultCallTimeout
		}
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		if value, ok := config.GetConfig("retry_delay"); ok {
			if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
				retryDelay = time.Duration(parsed) * time.Second
			}
		}
		if retryDelay == 0 {
			retryDelay = DefaultRetryDelay
		}
	}

	r := &runner{
		backend:     backendInstance,
		model:       result.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		callTimeout: callTimeout,
		retryDelay:  retryDelay,
		template:    opts.Template,
		docs:        opts.DocsLookup,
		progress:    opts.Progress,
		total:       len(components),
	}

	for i, component := range components {
		if err := ctx.Err(); err != nil {
			result.Finished = time.Now()
			return result, err
		}

		r.report(ProgressUpdate{Index: i + 1, Total: r.total, Component: component, Stage: StagePending})

		entry, err := r.explain(ctx, i+1, component)
		if err != nil {
			result.Finished = time.Now()
			return result, err
		}
		result.Entries = append(result.Entries, entry)
	}

	result.Finished = time.Now()
	return result, nil
}

type runner struct {
	backend     backend.Backend
	model       string
	temperature float64
	maxTokens   int
	callTimeout time.Duration
	retryDelay  time.Duration
	template    string
	docs        func(component detect.Component) string
	progress    ProgressCallback
	total       int
}

func (r *runner) report(update ProgressUpdate) {
	if r.progress != nil {
		r.progress(update)
	}
}

// explain runs the full lifecycle for a single component. A non-nil error
// means the run itself must stop; per-component failures are recorded on
// the entry instead.
func (r *runner) explain(ctx context.Context, index int, component detect.Component) (Entry, error) {
	entry := Entry{Component: component}

	r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StagePrompting})

	docs := ""
	if r.docs != nil {
		docs = r.docs(component)
	}
	payload, err := prompt.Build(component, prompt.Options{Template: r.template, Docs: docs})
	if err != nil {
		entry.Err = fmt.Errorf("build prompt: %w", err)
		r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StageFailed, Err: entry.Err})
		return entry, nil
	}

	req := backend.Request{
		System:      payload.System,
		User:        payload.User,
		Model:       r.model,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	}

	var raw string
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		entry.Attempts = attempt
		r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StageAwaitingBackend, Attempt: attempt})

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		raw, err = r.backend.Generate(callCtx, req)
		cancel()

		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return entry, ctx.Err()
		}
		if !retryable(err) || attempt == maxRetries+1 {
			entry.Err = err
			r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StageFailed, Attempt: attempt, Err: err})
			return entry, nil
		}

		slog.Debug("retrying backend call",
			"component", component.Name(),
			"attempt", attempt,
			"error", err)
		if err := r.pause(ctx); err != nil {
			return entry, err
		}
	}

	r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StageParsing, Attempt: entry.Attempts})
	entry.Explanation = parse.Parse(raw)
	r.report(ProgressUpdate{Index: index, Total: r.total, Component: component, Stage: StageDone, Attempt: entry.Attempts})
	return entry, nil
}

func (r *runner) pause(ctx context.Context) error {
	if r.retryDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(r.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryable reports whether another attempt could help. Unclassified errors
// are treated as final.
func retryable(err error) bool {
	if be, ok := backend.AsError(err); ok {
		return be.Retryable()
	}
	return false
}

func resolveBackend(opts Options) (backend.Backend, error) {
	if opts.Backend != nil {
		return opts.Backend, nil
	}

	name := strings.TrimSpace(opts.BackendName)
	if name == "" {
		if value, ok := config.GetConfig("backend"); ok {
			name = strings.TrimSpace(value)
		}
	}
	if name == "" {
		name = backend.DefaultName()
	}

	return backend.New(name, BackendSettings(name, opts.Endpoint))
}

func resolveModel(opts Options, instance backend.Backend) string {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		if value, ok := config.GetConfig("model"); ok {
			model = strings.TrimSpace(value)
		}
	}
	if model == "" {
		model = instance.DefaultModel()
	}
	return model
}

// BackendSettings assembles construction settings for a named backend from
// configuration and environment.
func BackendSettings(name, endpoint string) backend.Settings {
	settings := backend.Settings{Endpoint: strings.TrimSpace(endpoint)}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ollama":
		if settings.Endpoint == "" {
			if value, ok := config.GetConfig("ollama.url"); ok {
				settings.Endpoint = strings.TrimSpace(value)
			}
		}
	case "openai":
		if settings.Endpoint == "" {
			if value, ok := config.GetConfig("openai.base_url"); ok {
				settings.Endpoint = strings.TrimSpace(value)
			}
		}
		keyEnv := "OPENAI_API_KEY"
		if value, ok := config.GetConfig("openai.api_key_env"); ok && strings.TrimSpace(value) != "" {
			keyEnv = strings.TrimSpace(value)
		}
		settings.APIKey = os.Getenv(keyEnv)
	}

	return settings
}
