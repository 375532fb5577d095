// Package secrets defines the Provider interface used to read named secrets
// from an external store. Implementations are backend-specific (secret-store
// CLI, environment variables, HashiCorp Vault). Secret values are never logged.
package secrets

import (
	"context"
	"errors"
)

// Selector names the environment namespace (store config) a lookup is scoped
// to. The zero value means "whatever the store client currently defaults to".
type Selector string

const (
	// Current defers to the store client's configured default.
	Current Selector = ""
	Dev     Selector = "dev"
	Prod    Selector = "prod"
)

// String returns the selector, or "current" for the zero value.
func (s Selector) String() string {
	if s == Current {
		return "current"
	}
	return string(s)
}

// IsCurrent reports whether the selector defers to the store default.
func (s Selector) IsCurrent() bool { return s == Current }

// Secret holds resolved secret material.
// This type MUST NOT be serialized or logged.
type Secret struct {
	Value    []byte            // The raw value, byte-for-byte as stored.
	Metadata map[string]string // Backend-specific metadata (e.g. source, path).
}

// Provider reads named secrets from a store.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Fetch returns the value of name under the given selector.
	// Returns ErrSecretNotFound when the store has no such entry.
	Fetch(ctx context.Context, sel Selector, name string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// SelectorSource is implemented by providers that can report the selector
// their client is configured to use by default.
type SelectorSource interface {
	DefaultSelector(ctx context.Context) (Selector, error)
}

// ErrSecretNotFound is returned when a secret name cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")
