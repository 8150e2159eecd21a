package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"otelexplain/internal/backend"
	"otelexplain/internal/detect"
)

const fakeResponse = "### Component\n\n- Does a thing.\n\n#### Why it matters\nIt keeps pipelines healthy.\n"

type fakeBackend struct {
	response string
	err      error
	// script overrides err per call; a nil entry means success.
	script   []error
	calls    int
	requests []backend.Request
}

func (f *fakeBackend) Name() string {
	return "fake"
}

func (f *fakeBackend) DefaultModel() string {
	return "fake-model"
}

func (f *fakeBackend) Check(context.Context) error {
	return nil
}

func (f *fakeBackend) Models(context.Context) ([]string, error) {
	return []string{f.DefaultModel()}, nil
}

func (f *fakeBackend) Generate(_ context.Context, req backend.Request) (string, error) {
	f.calls++
	f.requests = append(f.requests, req)

	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return "", err
		}
		return f.respond(), nil
	}
	if f.err != nil {
		return "", f.err
	}
	return f.respond(), nil
}

func (f *fakeBackend) respond() string {
	if f.response != "" {
		return f.response
	}
	return fakeResponse
}

func unreachableErr() error {
	return &backend.Error{Backend: "fake", Kind: backend.KindUnreachable, Detail: "connection refused"}
}

func TestRunExplainsComponentsInOrder(t *testing.T) {
	source := []byte(`
receivers: {}
processors:
  batch: {}
exporters:
  otlp: {}
  otlp/2: {}
`)

	fake := &fakeBackend{}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(result.Entries))
	}

	want := []struct {
		kind     detect.Kind
		typeName string
		instance string
	}{
		{detect.KindProcessor, "batch", ""},
		{detect.KindExporter, "otlp", ""},
		{detect.KindExporter, "otlp", "2"},
	}
	for i, w := range want {
		c := result.Entries[i].Component
		if c.Kind != w.kind || c.Type != w.typeName || c.Instance != w.instance {
			t.Errorf("entry %d = %s/%s instance %q, want %s/%s instance %q",
				i, c.Kind, c.Type, c.Instance, w.kind, w.typeName, w.instance)
		}
	}

	if result.Explained() != 3 || result.Failed() != 0 {
		t.Fatalf("expected 3 explained and 0 failed, got %d/%d", result.Explained(), result.Failed())
	}
	if fake.calls != 3 {
		t.Fatalf("expected 3 backend calls, got %d", fake.calls)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{err: unreachableErr()}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("expected per-component failure to be recorded, got run error %v", err)
	}

	if fake.calls != 3 {
		t.Fatalf("expected exactly 3 calls for a transient failure, got %d", fake.calls)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result.Entries))
	}
	entry := result.Entries[0]
	if !entry.Failed() {
		t.Fatal("expected a failed entry")
	}
	if entry.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", entry.Attempts)
	}
	be, ok := backend.AsError(entry.Err)
	if !ok || be.Kind != backend.KindUnreachable {
		t.Fatalf("expected classified unreachable error, got %v", entry.Err)
	}
}

func TestRunDoesNotRetryAuthErrors(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{err: &backend.Error{Backend: "fake", Kind: backend.KindAuthMissing}}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if fake.calls != 1 {
		t.Fatalf("expected exactly 1 call for an auth failure, got %d", fake.calls)
	}
	if result.Entries[0].Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Entries[0].Attempts)
	}
}

func TestRunDoesNotRetryModelErrors(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{err: &backend.Error{Backend: "fake", Kind: backend.KindModelNotFound}}
	_, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected exactly 1 call for a model failure, got %d", fake.calls)
	}
}

func TestRunRecoversAfterRetry(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{script: []error{unreachableErr(), nil}}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if fake.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", fake.calls)
	}
	entry := result.Entries[0]
	if entry.Failed() {
		t.Fatalf("expected recovery, got %v", entry.Err)
	}
	if entry.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", entry.Attempts)
	}
	if entry.Explanation.Title == "" {
		t.Fatal("expected a parsed explanation")
	}
}

func TestRunContinuesAfterComponentFailure(t *testing.T) {
	source := []byte(`
processors:
  batch: {}
exporters:
  otlp: {}
`)

	fake := &fakeBackend{script: []error{unreachableErr(), unreachableErr(), unreachableErr(), nil}}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if fake.calls != 4 {
		t.Fatalf("expected 4 calls, got %d", fake.calls)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if !result.Entries[0].Failed() {
		t.Fatal("expected first component to fail")
	}
	if result.Entries[1].Failed() {
		t.Fatalf("expected second component to succeed, got %v", result.Entries[1].Err)
	}
	if result.Explained() != 1 || result.Failed() != 1 {
		t.Fatalf("unexpected counts: explained %d, failed %d", result.Explained(), result.Failed())
	}
}

func TestRunNoComponents(t *testing.T) {
	source := []byte(`
service:
  pipelines:
    traces:
      receivers: [otlp]
`)

	fake := &fakeBackend{}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if !errors.Is(err, ErrNoComponents) {
		t.Fatalf("expected ErrNoComponents, got %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(result.Entries))
	}
	if fake.calls != 0 {
		t.Fatalf("expected no backend calls, got %d", fake.calls)
	}
}

func TestRunInvalidDocument(t *testing.T) {
	fake := &fakeBackend{}

	_, err := Run(context.Background(), []byte("- just\n- a list\n"), Options{Backend: fake, RetryDelay: -1})
	if !errors.Is(err, detect.ErrNotMapping) {
		t.Fatalf("expected ErrNotMapping, got %v", err)
	}

	_, err = Run(context.Background(), []byte(""), Options{Backend: fake, RetryDelay: -1})
	if !errors.Is(err, detect.ErrEmptyConfig) {
		t.Fatalf("expected ErrEmptyConfig, got %v", err)
	}

	if fake.calls != 0 {
		t.Fatalf("expected no backend calls, got %d", fake.calls)
	}
}

func TestRunCancellationKeepsCompletedEntries(t *testing.T) {
	source := []byte(`
processors:
  batch: {}
exporters:
  otlp: {}
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &fakeBackend{}
	result, err := Run(ctx, source, Options{
		Backend:    fake,
		RetryDelay: -1,
		Progress: func(update ProgressUpdate) {
			if update.Stage == StageDone {
				cancel()
			}
		},
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 completed entry to survive, got %d", len(result.Entries))
	}
	if result.Entries[0].Component.Type != "batch" {
		t.Fatalf("unexpected surviving entry: %+v", result.Entries[0].Component)
	}
	if fake.calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", fake.calls)
	}
}

func TestRunRedactsSecretsInPrompts(t *testing.T) {
	source := []byte(`
exporters:
  otlp:
    endpoint: collector.example.com:4317
    headers:
      api-key: secret123
`)

	fake := &fakeBackend{}
	if _, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(fake.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(fake.requests))
	}
	user := fake.requests[0].User
	if strings.Contains(user, "secret123") {
		t.Fatalf("prompt leaked a sensitive value:\n%s", user)
	}
	if !strings.Contains(user, "[REDACTED]") {
		t.Fatalf("expected redaction placeholder in prompt:\n%s", user)
	}
}

func TestRunReportsProgressStages(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	var stages []Stage
	fake := &fakeBackend{}
	_, err := Run(context.Background(), source, Options{
		Backend:    fake,
		RetryDelay: -1,
		Progress: func(update ProgressUpdate) {
			stages = append(stages, update.Stage)
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []Stage{StagePending, StagePrompting, StageAwaitingBackend, StageParsing, StageDone}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("expected stages %v, got %v", want, stages)
		}
	}
}

func TestRunFailedStageReported(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	var failed *ProgressUpdate
	fake := &fakeBackend{err: unreachableErr()}
	_, err := Run(context.Background(), source, Options{
		Backend:    fake,
		RetryDelay: -1,
		Progress: func(update ProgressUpdate) {
			if update.Stage == StageFailed {
				u := update
				failed = &u
			}
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if failed == nil {
		t.Fatal("expected a failed stage update")
	}
	if failed.Attempt != 3 {
		t.Fatalf("expected final attempt 3, got %d", failed.Attempt)
	}
	if failed.Err == nil {
		t.Fatal("expected the failure on the update")
	}
}

func TestRunUsesBackendDefaultModel(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Model != "fake-model" {
		t.Fatalf("expected backend default model, got %q", result.Model)
	}
	if fake.requests[0].Model != "fake-model" {
		t.Fatalf("expected model on request, got %q", fake.requests[0].Model)
	}
}

func TestRunModelOverride(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{}
	result, err := Run(context.Background(), source, Options{Backend: fake, Model: "custom", RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Model != "custom" || fake.requests[0].Model != "custom" {
		t.Fatalf("expected model override, got result %q request %q", result.Model, fake.requests[0].Model)
	}
}

func TestRunDocsLookupReachesPrompt(t *testing.T) {
	source := []byte("receivers:\n  otlp:\n")

	fake := &fakeBackend{}
	_, err := Run(context.Background(), source, Options{
		Backend:    fake,
		RetryDelay: -1,
		DocsLookup: func(component detect.Component) string {
			return "The OTLP receiver listens on 4317 by default."
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !strings.Contains(fake.requests[0].User, "listens on 4317") {
		t.Fatalf("expected docs content in prompt:\n%s", fake.requests[0].User)
	}
}

func TestRunRecordsSectionProblems(t *testing.T) {
	source := []byte(`
receivers: [not, a, mapping]
processors:
  batch: {}
`)

	fake := &fakeBackend{}
	result, err := Run(context.Background(), source, Options{Backend: fake, RetryDelay: -1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Problems) != 1 {
		t.Fatalf("expected 1 problem, got %v", result.Problems)
	}
	if result.Problems[0].Section != "receivers" {
		t.Fatalf("unexpected problem section %q", result.Problems[0].Section)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected the healthy section to be explained, got %d entries", len(result.Entries))
	}
}
