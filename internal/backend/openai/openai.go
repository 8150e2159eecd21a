package openai

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
	// DefaultEndpoint is the hosted OpenAI API base URL.
	DefaultEndpoint = "https://api.openai.com"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// APIKeyEnv is the environment variable consulted when no key is
	// configured explicitly.
	APIKeyEnv = "OPENAI_API_KEY"

	defaultHTTPTimeout = 120 * time.Second
	checkTimeout       = 10 * time.Second
)

// Backend talks to the hosted OpenAI chat completions API.
type Backend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func New(settings backend.Settings) (*Backend, error) {
	endpoint := strings.TrimSpace(settings.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")

	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(APIKeyEnv))
	}

	timeout := defaultHTTPTimeout
	if settings.HTTPTimeout > 0 {
		timeout = time.Duration(settings.HTTPTimeout) * time.Second
	}

	return &Backend{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

var _ backend.Backend = (*Backend)(nil)

func init() {
	if err := backend.Register("openai", func(settings backend.Settings) (backend.Backend, error) {
		return New(settings)
	}); err != nil {
		panic(err)
	}
}

func (b *Backend) Name() string {
	return "openai"
}

func (b *Backend) DefaultModel() string {
	return DefaultModel
}

func (b *Backend) authMissing() error {
	return &backend.Error{
		Backend: b.Name(),
		Kind:    backend.KindAuthMissing,
		Detail:  fmt.Sprintf("no API key configured (set %s)", APIKeyEnv),
	}
}

// Check verifies the credential is present and accepted.
func (b *Backend) Check(ctx context.Context) error {
	if b.apiKey == "" {
		return b.authMissing()
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return b.transportError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return b.statusError(resp.StatusCode, "", apiError{})
	}
	return nil
}

// Models lists the model identifiers available to the credential.
func (b *Backend) Models(ctx context.Context) ([]string, error) {
	if b.apiKey == "" {
		return nil, b.authMissing()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.statusError(resp.StatusCode, "", decodeAPIError(resp.Body))
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// Generate performs one chat completion call. It fails before any network
// traffic when no credential is configured.
func (b *Backend) Generate(ctx context.Context, req backend.Request) (string, error) {
	if b.apiKey == "" {
		return "", b.authMissing()
	}

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

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", b.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", b.statusError(resp.StatusCode, model, decodeAPIError(resp.Body))
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", &backend.Error{
			Backend: b.Name(),
			Kind:    backend.KindServerError,
			Detail:  "no completion choices returned",
		}
	}

	return strings.TrimSpace(payload.Choices[0].Message.Content), nil
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
		Detail:  fmt.Sprintf("cannot connect to %s", b.endpoint),
		Err:     err,
	}
}

func (b *Backend) statusError(status int, model string, apiErr apiError) error {
	detail := apiErr.Message
	if detail == "" {
		detail = fmt.Sprintf("unexpected status %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &backend.Error{Backend: b.Name(), Kind: backend.KindAuthMissing, Detail: detail}
	case status == http.StatusNotFound && (apiErr.Code == "model_not_found" || strings.Contains(strings.ToLower(apiErr.Message), "model")):
		hint := detail
		if model != "" {
			hint = fmt.Sprintf("model %q is not available: %s", model, detail)
		}
		return &backend.Error{Backend: b.Name(), Kind: backend.KindModelNotFound, Detail: hint}
	case status == http.StatusTooManyRequests:
		return &backend.Error{Backend: b.Name(), Kind: backend.KindRateLimited, Detail: detail}
	default:
		return &backend.Error{Backend: b.Name(), Kind: backend.KindServerError, Detail: detail}
	}
}

func decodeAPIError(r io.Reader) apiError {
	data, err := io.ReadAll(io.LimitReader(r, 4<<10))
	if err != nil || len(data) == 0 {
		return apiError{}
	}

	var payload struct {
		Error apiError `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		return payload.Error
	}
	return apiError{Message: strings.TrimSpace(string(data))}
}
