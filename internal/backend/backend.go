package backend

import "context"

// Default generation parameters applied when a request leaves them unset.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// Request carries one generation call to a backend.
type Request struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Settings configures a backend instance at construction time.
type Settings struct {
	// Endpoint overrides the backend's default base URL.
	Endpoint string
	// APIKey is the credential for hosted backends. Local backends ignore it.
	APIKey string
	// HTTPTimeout bounds the underlying HTTP client. Zero means the
	// backend's default.
	HTTPTimeout int
}

// Backend defines the interface for LLM backends.
type Backend interface {
	Name() string
	DefaultModel() string
	// Check verifies the backend is reachable and usable.
	Check(ctx context.Context) error
	// Models lists the models the backend can serve.
	Models(ctx context.Context) ([]string, error)
	// Generate performs one completion call and returns the raw text.
	Generate(ctx context.Context, req Request) (string, error)
}
