package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure so callers can decide whether a
// retry could help.
type ErrorKind string

const (
	// KindUnreachable covers transport failures and request timeouts.
	KindUnreachable ErrorKind = "unreachable"
	// KindModelNotFound means the requested model is unknown to the backend.
	KindModelNotFound ErrorKind = "model_not_found"
	// KindAuthMissing means the credential is absent or rejected.
	KindAuthMissing ErrorKind = "auth_missing"
	// KindRateLimited maps HTTP 429 responses.
	KindRateLimited ErrorKind = "rate_limited"
	// KindServerError covers 5xx and other server-side failures.
	KindServerError ErrorKind = "server_error"
)

// Error is a classified backend failure.
type Error struct {
	Backend string
	Kind    ErrorKind
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s backend: %s", e.Backend, e.Kind)
	}
	return fmt.Sprintf("%s backend: %s: %s", e.Backend, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call could plausibly succeed on a
// later attempt. Credential and model errors never clear on their own.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUnreachable, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// AsError extracts a classified backend error from an error chain.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
