package backend_test

import (
	"errors"
	"testing"

	"otelexplain/internal/backend"
	_ "otelexplain/internal/backend/ollama"
	_ "otelexplain/internal/backend/openai"
)

func TestRegistryLoadsBackends(t *testing.T) {
	backends := []string{"ollama", "openai"}
	for _, name := range backends {
		instance, err := backend.New(name, backend.Settings{})
		if err != nil {
			t.Fatalf("expected %s backend to be registered: %v", name, err)
		}
		if instance.Name() != name {
			t.Fatalf("expected name %s, got %s", name, instance.Name())
		}
		if instance.DefaultModel() == "" {
			t.Fatalf("expected %s default model", name)
		}
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	_, err := backend.New("mistral", backend.Settings{})
	if !errors.Is(err, backend.ErrBackendNotFound) {
		t.Fatalf("expected ErrBackendNotFound, got %v", err)
	}
}

func TestRegistryNameNormalization(t *testing.T) {
	instance, err := backend.New("  Ollama ", backend.Settings{})
	if err != nil {
		t.Fatalf("expected normalized lookup to succeed: %v", err)
	}
	if instance.Name() != "ollama" {
		t.Fatalf("unexpected backend %s", instance.Name())
	}
}

func TestDefaultNameRegistered(t *testing.T) {
	names := backend.Names()
	found := false
	for _, name := range names {
		if name == backend.DefaultName() {
			found = true
		}
	}
	if !found {
		t.Fatalf("default backend %q missing from registry: %v", backend.DefaultName(), names)
	}
}
