package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"otelexplain/internal/backend"
)

func newTestBackend(t *testing.T, key string, handler http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := New(backend.Settings{Endpoint: srv.URL, APIKey: key})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func chatReply(content string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	})
}

func TestGenerateWithoutKeyMakesNoRequests(t *testing.T) {
	t.Setenv(APIKeyEnv, "")

	var requests atomic.Int64
	b := newTestBackend(t, "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))

	_, err := b.Generate(context.Background(), backend.Request{User: "x"})
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindAuthMissing {
		t.Fatalf("expected %s, got %s", backend.KindAuthMissing, be.Kind)
	}
	if be.Retryable() {
		t.Fatal("missing credentials must not be retryable")
	}
	if requests.Load() != 0 {
		t.Fatalf("expected no HTTP requests, got %d", requests.Load())
	}
}

func TestGenerateRequestShape(t *testing.T) {
	var captured chatRequest
	var authHeader string
	b := newTestBackend(t, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		chatReply("### Batch processor\n- Groups telemetry.").ServeHTTP(w, r)
	}))

	text, err := b.Generate(context.Background(), backend.Request{
		System: "system prompt",
		User:   "user prompt",
		Model:  "gpt-4o",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if authHeader != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", authHeader)
	}
	if captured.Model != "gpt-4o" {
		t.Errorf("unexpected model %q", captured.Model)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || captured.Messages[0].Content != "system prompt" {
		t.Errorf("unexpected system message: %+v", captured.Messages[0])
	}
	if captured.Messages[1].Role != "user" || captured.Messages[1].Content != "user prompt" {
		t.Errorf("unexpected user message: %+v", captured.Messages[1])
	}
	if captured.Temperature != backend.DefaultTemperature {
		t.Errorf("expected temperature %v, got %v", backend.DefaultTemperature, captured.Temperature)
	}
	if captured.MaxTokens != backend.DefaultMaxTokens {
		t.Errorf("expected max_tokens %d, got %d", backend.DefaultMaxTokens, captured.MaxTokens)
	}
	if text != "### Batch processor\n- Groups telemetry." {
		t.Errorf("unexpected text %q", text)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	b := newTestBackend(t, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limit exceeded", "type": "requests"},
		})
	}))

	_, err := b.Generate(context.Background(), backend.Request{User: "x"})
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindRateLimited {
		t.Fatalf("expected %s, got %s", backend.KindRateLimited, be.Kind)
	}
	if !be.Retryable() {
		t.Fatal("rate limiting must be retryable")
	}
}

func TestGenerateRejectedKey(t *testing.T) {
	b := newTestBackend(t, "sk-bad", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "invalid API key"},
		})
	}))

	_, err := b.Generate(context.Background(), backend.Request{User: "x"})
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindAuthMissing {
		t.Fatalf("expected %s, got %s", backend.KindAuthMissing, be.Kind)
	}
}

func TestGenerateModelNotFound(t *testing.T) {
	b := newTestBackend(t, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"message": "The model `gpt-nope` does not exist",
				"code":    "model_not_found",
			},
		})
	}))

	_, err := b.Generate(context.Background(), backend.Request{Model: "gpt-nope", User: "x"})
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindModelNotFound {
		t.Fatalf("expected %s, got %s", backend.KindModelNotFound, be.Kind)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	b := newTestBackend(t, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))

	_, err := b.Generate(context.Background(), backend.Request{User: "x"})
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindServerError {
		t.Fatalf("expected %s, got %s", backend.KindServerError, be.Kind)
	}
}

func TestModels(t *testing.T) {
	b := newTestBackend(t, "sk-test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "gpt-4o-mini"},
				{"id": "gpt-4o"},
			},
		})
	}))

	models, err := b.Models(context.Background())
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o-mini" {
		t.Fatalf("unexpected models: %v", models)
	}
}

func TestCheckWithoutKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")

	b, err := New(backend.Settings{})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	err = b.Check(context.Background())
	be, ok := backend.AsError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if be.Kind != backend.KindAuthMissing {
		t.Fatalf("expected %s, got %s", backend.KindAuthMissing, be.Kind)
	}
}
