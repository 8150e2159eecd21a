package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"otelexplain/internal/core"
	"otelexplain/internal/parse"
)

// Format selects an output rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat resolves a user-supplied format name.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "console":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format: %s", value)
}

// Meta carries document-level details that are not part of the run itself.
type Meta struct {
	Source string
	Title  string
}

// Writer renders run results to an output stream.
type Writer struct {
	format Format
	out    io.Writer
}

func NewWriter(format Format, out io.Writer) *Writer {
	return &Writer{format: format, out: out}
}

func (w *Writer) Write(result core.Result, meta Meta) error {
	switch w.format {
	case FormatMarkdown:
		_, err := io.WriteString(w.out, Markdown(result, meta))
		return err
	case FormatJSON:
		encoder := json.NewEncoder(w.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(NewReport(result, meta))
	default:
		_, err := io.WriteString(w.out, Text(result))
		return err
	}
}

var (
	titleColor  = color.New(color.FgCyan, color.Bold).SprintFunc()
	errorColor  = color.New(color.FgRed).SprintFunc()
	warnColor   = color.New(color.FgYellow).SprintFunc()
	faintColor  = color.New(color.Faint).SprintFunc()
	accentColor = color.New(color.Bold).SprintFunc()
)

// Text renders a result for terminal output.
func Text(result core.Result) string {
	var b strings.Builder

	for _, problem := range result.Problems {
		b.WriteString(warnColor(fmt.Sprintf("Skipped section %q: %s", problem.Section, problem.Detail)))
		b.WriteString("\n")
	}
	if len(result.Problems) > 0 {
		b.WriteString("\n")
	}

	for i, entry := range result.Entries {
		if i > 0 {
			b.WriteString("\n")
		}

		title := entryTitle(entry)
		b.WriteString(titleColor(title))
		if !entry.Failed() && entry.Explanation.Degraded() {
			b.WriteString(" " + warnColor("(sparse response)"))
		}
		b.WriteString("\n")

		if entry.Failed() {
			b.WriteString(errorColor(fmt.Sprintf("  Error generating explanation: %v", entry.Err)))
			b.WriteString("\n")
			continue
		}

		for _, bullet := range entry.Explanation.Bullets {
			b.WriteString("  - " + bullet + "\n")
		}
		if why := strings.TrimSpace(entry.Explanation.WhyItMatters); why != "" {
			b.WriteString("  " + accentColor("Why it matters:") + " " + why + "\n")
		}
	}

	if len(result.Entries) > 0 {
		b.WriteString("\n")
		b.WriteString(faintColor(summaryLine(result)))
		b.WriteString("\n")
	}

	return b.String()
}

// Markdown renders a result as a standalone markdown document.
func Markdown(result core.Result, meta Meta) string {
	var b strings.Builder

	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = "Configuration Explanation"
	}
	b.WriteString("# " + title + "\n\n")
	b.WriteString("This document explains the components found in the provided OpenTelemetry Collector configuration.\n\n")

	if source := strings.TrimSpace(meta.Source); source != "" {
		b.WriteString("- Source: `" + source + "`\n")
	}
	if result.Backend != "" {
		b.WriteString("- Backend: " + result.Backend + " (" + result.Model + ")\n")
	}
	if !result.Finished.IsZero() {
		b.WriteString("- Generated: " + result.Finished.UTC().Format(time.RFC3339) + "\n")
	}
	b.WriteString("\n")

	for _, problem := range result.Problems {
		b.WriteString(fmt.Sprintf("> Warning: skipped section `%s`: %s\n", problem.Section, problem.Detail))
	}
	if len(result.Problems) > 0 {
		b.WriteString("\n")
	}

	for _, entry := range result.Entries {
		b.WriteString("---\n\n")
		b.WriteString("### " + entryTitle(entry) + "\n\n")

		if entry.Failed() {
			b.WriteString(fmt.Sprintf("> Error generating explanation: %v\n\n", entry.Err))
			continue
		}

		for _, bullet := range entry.Explanation.Bullets {
			b.WriteString("- " + bullet + "\n")
		}
		if len(entry.Explanation.Bullets) > 0 {
			b.WriteString("\n")
		}
		if why := strings.TrimSpace(entry.Explanation.WhyItMatters); why != "" {
			b.WriteString("#### Why it matters\n\n")
			b.WriteString(why + "\n\n")
		}
	}

	return b.String()
}

func entryTitle(entry core.Entry) string {
	if title := strings.TrimSpace(entry.Explanation.Title); title != "" {
		return title
	}
	return entry.Component.Title()
}

func summaryLine(result core.Result) string {
	line := fmt.Sprintf("Explained %d of %d components", result.Explained(), len(result.Entries))
	if failed := result.Failed(); failed > 0 {
		line += fmt.Sprintf(" (%d failed)", failed)
	}
	if d := result.Duration(); d > 0 {
		line += fmt.Sprintf(" in %.1fs", d.Seconds())
	}
	if result.Backend != "" {
		line += fmt.Sprintf(" using %s/%s", result.Backend, result.Model)
	}
	return line
}

// Report is the machine-readable form of a run, shared by the json output
// format and the HTTP API.
type Report struct {
	Title     string          `json:"title,omitempty"`
	Source    string          `json:"source,omitempty"`
	Backend   string          `json:"backend"`
	Model     string          `json:"model"`
	Started   time.Time       `json:"started"`
	Finished  time.Time       `json:"finished"`
	Explained int             `json:"explained"`
	Failed    int             `json:"failed"`
	Entries   []ReportEntry   `json:"entries"`
	Problems  []ReportProblem `json:"problems,omitempty"`
}

type ReportEntry struct {
	Kind        string             `json:"kind"`
	Type        string             `json:"type"`
	Instance    string             `json:"instance,omitempty"`
	Name        string             `json:"name"`
	Title       string             `json:"title"`
	Explanation *parse.Explanation `json:"explanation,omitempty"`
	Degraded    bool               `json:"degraded,omitempty"`
	Error       string             `json:"error,omitempty"`
	Attempts    int                `json:"attempts"`
}

type ReportProblem struct {
	Section string `json:"section"`
	Detail  string `json:"detail"`
}

// NewReport converts a run result into its transport shape.
func NewReport(result core.Result, meta Meta) Report {
	report := Report{
		Title:     strings.TrimSpace(meta.Title),
		Source:    strings.TrimSpace(meta.Source),
		Backend:   result.Backend,
		Model:     result.Model,
		Started:   result.Started,
		Finished:  result.Finished,
		Explained: result.Explained(),
		Failed:    result.Failed(),
		Entries:   make([]ReportEntry, 0, len(result.Entries)),
	}

	for _, entry := range result.Entries {
		reportEntry := ReportEntry{
			Kind:     string(entry.Component.Kind),
			Type:     entry.Component.Type,
			Instance: entry.Component.Instance,
			Name:     entry.Component.Name(),
			Title:    entryTitle(entry),
			Attempts: entry.Attempts,
		}
		if entry.Failed() {
			reportEntry.Error = entry.Err.Error()
		} else {
			explanation := entry.Explanation
			reportEntry.Explanation = &explanation
			reportEntry.Degraded = explanation.Degraded()
		}
		report.Entries = append(report.Entries, reportEntry)
	}

	for _, problem := range result.Problems {
		report.Problems = append(report.Problems, ReportProblem{Section: problem.Section, Detail: problem.Detail})
	}

	return report
}
