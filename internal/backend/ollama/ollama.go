package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"otelexplain/internal/backend"
)

const (
	// DefaultEndpoint is the local Ollama daemon address.
	DefaultEndpoint = "http://localhost:11434"
	// DefaultModel is used when no model is configured.
	DefaultModel = "llama3.2"

	defaultHTTPTimeout = 120 * time.Second
	checkTimeout       = 5 * time.Second
)

// Backend talks to a local Ollama daemon over its HTTP API.
type Backend struct {
	endpoint string
	client   *http.Client
}

func New(settings backend.Settings) (*Backend, error) {
	endpoint := strings.TrimSpace(settings.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	timeout := defaultHTTPTimeout
	if settings.HTTPTimeout > 0 {
		timeout = time.Duration(settings.HTTPTimeout) * time.Second
	}

	return &Backend{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

var _ backend.Backend = (*Backend)(nil)

func init() {
	if err := backend.Register("ollama", func(settings backend.Settings) (backend.Backend, error) {
		return New(settings)
	}); err != nil {
		panic(err)
	}
}

func (b *Backend) Name() string {
	return "ollama"
}

func (b *Backend) DefaultModel() string {
	return DefaultModel
}

// Check pings the daemon's tag listing to verify it is reachable.
func (b *Backend) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return b.transportError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindServerError,
			Detail:  fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, b.endpoint),
		}
	}
	return nil
}

// Models lists the models the daemon has pulled.
func (b *Backend) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(resp, "")
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Generate performs one non-streaming completion call.
func (b *Backend) Generate(ctx context.Context, req backend.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = backend.DefaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = backend.DefaultMaxTokens
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		System: req.System,
		Prompt: req.User,
		Stream: false,
		Options: generateOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", b.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", b.statusError(resp, model)
	}

	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if payload.Error != "" {
		if isModelMissing(payload.Error) {
			return "", b.modelNotFound(model)
		}
		return "", &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindServerError,
			Detail:  payload.Error,
		}
	}

	return strings.TrimSpace(payload.Response), nil
}

func (b *Backend) transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindUnreachable,
			Detail:  "request timed out",
			Err:     err,
		}
	}
	return &backend.Error{
		Backend: b.Name(),
		Kind:    backend.KindUnreachable,
		Detail:  fmt.Sprintf("cannot connect to Ollama at %s (is it running?)", b.endpoint),
		Err:     err,
	}
}

func (b *Backend) statusError(resp *http.Response, model string) error {
	snippet := readErrorBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound && model != "" && isModelMissing(snippet):
		return b.modelNotFound(model)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindRateLimited,
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, snippet),
		}
	default:
		return &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindServerError,
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, snippet),
		}
	}
}

func (b *Backend) modelNotFound(model string) error {
	return &backend.Error{
		Backend: b.Name(),
		Kind:    backend.KindModelNotFound,
		Detail:  fmt.Sprintf("model %q is not available (try: ollama pull %s)", model, model),
	}
}

func isModelMissing(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "model") && strings.Contains(lower, "not found")
}

// readErrorBody extracts a short error description from a failed response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(data) == 0 {
		return "no response body"
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
