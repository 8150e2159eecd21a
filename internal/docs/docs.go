// Package docs maintains a local mirror of upstream collector component
// documentation. Excerpts are fed into prompts so explanations of well-known
// components can lean on real reference material instead of model memory.
package docs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"otelexplain/internal/config"
	"otelexplain/internal/detect"
)

const (
	// DefaultMaxAge is how long fetched documentation stays fresh.
	DefaultMaxAge = 7 * 24 * time.Hour

	defaultBaseURL = "https://raw.githubusercontent.com/open-telemetry"

	stampName = "cache_info.json"

	// contextBudget caps how much reference material one prompt carries.
	contextBudget = 2000

	defaultFetchTimeout = 30 * time.Second
)

// Source describes one upstream README to mirror locally.
type Source struct {
	Kind detect.Kind
	Type string
	Repo string // "core" or "contrib"
	Path string
}

// DefaultSources covers the components most commonly seen in collector
// configurations.
var DefaultSources = []Source{
	{detect.KindReceiver, "otlp", "core", "receiver/otlpreceiver/README.md"},
	{detect.KindReceiver, "filelog", "contrib", "receiver/filelogreceiver/README.md"},
	{detect.KindReceiver, "hostmetrics", "contrib", "receiver/hostmetricsreceiver/README.md"},
	{detect.KindReceiver, "prometheus", "contrib", "receiver/prometheusreceiver/README.md"},
	{detect.KindReceiver, "kafka", "contrib", "receiver/kafkareceiver/README.md"},
	{detect.KindReceiver, "jaeger", "contrib", "receiver/jaegerreceiver/README.md"},
	{detect.KindReceiver, "zipkin", "contrib", "receiver/zipkinreceiver/README.md"},
	{detect.KindProcessor, "batch", "core", "processor/batchprocessor/README.md"},
	{detect.KindProcessor, "memory_limiter", "core", "processor/memorylimiterprocessor/README.md"},
	{detect.KindProcessor, "attributes", "contrib", "processor/attributesprocessor/README.md"},
	{detect.KindProcessor, "resource", "contrib", "processor/resourceprocessor/README.md"},
	{detect.KindProcessor, "transform", "contrib", "processor/transformprocessor/README.md"},
	{detect.KindProcessor, "tail_sampling", "contrib", "processor/tailsamplingprocessor/README.md"},
	{detect.KindExporter, "otlp", "core", "exporter/otlpexporter/README.md"},
	{detect.KindExporter, "otlphttp", "core", "exporter/otlphttpexporter/README.md"},
	{detect.KindExporter, "debug", "core", "exporter/debugexporter/README.md"},
	{detect.KindExporter, "elasticsearch", "contrib", "exporter/elasticsearchexporter/README.md"},
	{detect.KindExporter, "kafka", "contrib", "exporter/kafkaexporter/README.md"},
	{detect.KindExporter, "prometheusremotewrite", "contrib", "exporter/prometheusremotewriteexporter/README.md"},
	{detect.KindExporter, "loki", "contrib", "exporter/lokiexporter/README.md"},
	{detect.KindExtension, "health_check", "contrib", "extension/healthcheckextension/README.md"},
	{detect.KindExtension, "pprof", "contrib", "extension/pprofextension/README.md"},
	{detect.KindExtension, "basicauth", "contrib", "extension/basicauthextension/README.md"},
	{detect.KindExtension, "zpages", "core", "extension/zpagesextension/README.md"},
}

// Options configures a Manager. Zero values use the defaults.
type Options struct {
	Dir     string
	MaxAge  time.Duration
	Client  *http.Client
	BaseURL string
	Sources []Source
}

// Manager owns one documentation cache directory.
type Manager struct {
	dir     string
	maxAge  time.Duration
	client  *http.Client
	baseURL string
	sources []Source
}

func NewManager(opts Options) (*Manager, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv("OTELEXPLAIN_DOCS_DIR"))
	}
	if dir == "" {
		if value, ok := config.GetConfig("docs.dir"); ok {
			dir = strings.TrimSpace(value)
		}
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return nil, errors.New("docs cache directory unavailable")
		}
		dir = filepath.Join(home, ".config", "otelexplain", "docs")
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		// docs.max_age is a number of days.
		if value, ok := config.GetConfig("docs.max_age"); ok {
			if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
				maxAge = time.Duration(parsed) * 24 * time.Hour
			}
		}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	sources := opts.Sources
	if sources == nil {
		sources = DefaultSources
	}

	return &Manager{
		dir:     dir,
		maxAge:  maxAge,
		client:  client,
		baseURL: baseURL,
		sources: sources,
	}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

type stamp struct {
	UpdatedAt time.Time `json:"updated_at"`
	Fetched   int       `json:"fetched"`
	Failed    int       `json:"failed"`
}

// Stats summarizes one update pass.
type Stats struct {
	Fetched int
	Failed  int
	Skipped bool
}

// Update mirrors every configured source into the cache. A fresh cache is
// left alone unless force is set. Individual fetch failures are counted and
// the pass continues.
func (m *Manager) Update(ctx context.Context, force bool) (Stats, error) {
	if !force && !m.Stale() {
		return Stats{Skipped: true}, nil
	}

	stats := Stats{}
	err := withLock(m.dir, func() error {
		for _, source := range m.sources {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.fetch(ctx, source); err != nil {
				slog.Debug("fetch component documentation",
					"kind", string(source.Kind),
					"type", source.Type,
					"error", err)
				stats.Failed++
				continue
			}
			stats.Fetched++
		}

		data, err := json.Marshal(stamp{
			UpdatedAt: time.Now(),
			Fetched:   stats.Fetched,
			Failed:    stats.Failed,
		})
		if err != nil {
			return fmt.Errorf("marshal cache stamp: %w", err)
		}
		return writeFileAtomic(filepath.Join(m.dir, stampName), data)
	})

	return stats, err
}

func (m *Manager) fetch(ctx context.Context, source Source) error {
	url := m.sourceURL(source)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}

	return writeFileAtomic(m.docPath(source.Kind, source.Type), data)
}

func (m *Manager) sourceURL(source Source) string {
	repo := "opentelemetry-collector"
	if source.Repo == "contrib" {
		repo = "opentelemetry-collector-contrib"
	}
	return m.baseURL + "/" + repo + "/main/" + source.Path
}

func (m *Manager) docPath(kind detect.Kind, componentType string) string {
	return filepath.Join(m.dir, string(kind), componentType+".md")
}

// Stale reports whether the cache is missing or past its max age.
func (m *Manager) Stale() bool {
	s, err := m.readStamp()
	if err != nil {
		return true
	}
	return time.Since(s.UpdatedAt) > m.maxAge
}

func (m *Manager) readStamp() (stamp, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, stampName))
	if err != nil {
		return stamp{}, err
	}

	var s stamp
	if err := json.Unmarshal(data, &s); err != nil {
		return stamp{}, fmt.Errorf("decode cache stamp: %w", err)
	}
	return s, nil
}

// Info describes the current state of the cache.
type Info struct {
	Dir       string
	UpdatedAt time.Time
	Files     int
	Stale     bool
}

func (m *Manager) Status() Info {
	info := Info{Dir: m.dir, Stale: m.Stale()}
	if s, err := m.readStamp(); err == nil {
		info.UpdatedAt = s.UpdatedAt
	}

	for _, kind := range []detect.Kind{detect.KindReceiver, detect.KindProcessor, detect.KindExporter, detect.KindExtension} {
		entries, err := os.ReadDir(filepath.Join(m.dir, string(kind)))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
				info.Files++
			}
		}
	}
	return info
}

// Context returns a reference excerpt for a component, or "" when the cache
// holds nothing for it. It never fails; missing documentation just means the
// prompt goes out without it.
func (m *Manager) Context(component detect.Component) string {
	data, err := os.ReadFile(m.docPath(component.Kind, component.Type))
	if err != nil {
		return ""
	}
	return excerpt(string(data), contextBudget)
}

// excerpt trims a README down to its leading prose, cutting on a line
// boundary inside the budget.
func excerpt(text string, budget int) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var kept []string
	size := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Upstream READMEs open with status tables and HTML comments.
		if strings.HasPrefix(trimmed, "<!--") || strings.HasPrefix(trimmed, "|") {
			continue
		}
		if size+len(line)+1 > budget {
			break
		}
		kept = append(kept, line)
		size += len(line) + 1
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}
