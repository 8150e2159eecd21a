package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrBackendNotFound   = errors.New("backend not found")
	ErrBackendRegistered = errors.New("backend already registered")
	ErrBackendInvalid    = errors.New("backend name is required")
)

// Factory builds a backend instance from settings.
type Factory func(settings Settings) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory to the registry by name.
func Register(name string, factory Factory) error {
	if strings.TrimSpace(name) == "" {
		return ErrBackendInvalid
	}
	if factory == nil {
		return errors.New("backend factory is nil")
	}

	key := strings.ToLower(strings.TrimSpace(name))
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[key]; exists {
		return ErrBackendRegistered
	}

	registry[key] = factory
	return nil
}

// New constructs a backend instance by name.
func New(name string, settings Settings) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, ErrBackendInvalid
	}

	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return factory(settings)
}

// Names returns all registered backend names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the default backend name.
func DefaultName() string {
	return "ollama"
}
