package secrets

import (
	"context"
	"errors"
	"fmt"
)

// CompositeProvider chains multiple providers and tries each in order.
// The first provider that returns the secret wins.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

// Fetch returns the first hit. When every provider misses, the result is
// ErrSecretNotFound; a non-miss error from any provider is returned instead
// so that store outages are not reported as missing secrets.
func (p *CompositeProvider) Fetch(ctx context.Context, sel Selector, name string) (*Secret, error) {
	var lastErr error
	for _, provider := range p.providers {
		secret, err := provider.Fetch(ctx, sel, name)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrSecretNotFound) || lastErr == nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, name)
}

// DefaultSelector asks each provider that implements SelectorSource in turn.
func (p *CompositeProvider) DefaultSelector(ctx context.Context) (Selector, error) {
	var lastErr error
	for _, provider := range p.providers {
		src, ok := provider.(SelectorSource)
		if !ok {
			continue
		}
		sel, err := src.DefaultSelector(ctx)
		if err == nil && !sel.IsCurrent() {
			return sel, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return Current, lastErr
	}
	return Current, errors.New("no provider reports a default selector")
}
