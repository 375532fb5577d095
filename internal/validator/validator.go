// Package validator checks materialized tunnel config files. Validation is
// advisory: a failing check is reported as a warning by the caller and
// never aborts a run.
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/tunnelsecrets/internal/config"
	"github.com/jkaninda/tunnelsecrets/internal/runner"
)

// Request identifies the config file to check.
type Request struct {
	Path        string // Absolute path of the config file.
	Environment string // Target name, e.g. "dev".
	BackendPort int    // Port the ingress should route to. 0 = no check.
}

// Result is the outcome of one validation.
type Result struct {
	Validator string
	Valid     bool
	Warnings  []string
	Output    string // Combined validator output, if any.
}

// Validator checks one config file.
// An error means the check could not be performed at all.
type Validator interface {
	Name() string
	Validate(ctx context.Context, req Request) (*Result, error)
}

// New builds the validator selected by cfg. It returns nil for "none".
func New(cfg config.ValidatorConfig, r runner.Runner) (Validator, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "ingress":
		return NewIngressValidator(), nil
	case "command":
		return NewCommandValidator(cfg.Command, cfg.Timeout(), r)
	case "", "auto":
		cmd, err := NewCommandValidator(cfg.Command, cfg.Timeout(), r)
		if err != nil {
			return nil, err
		}
		return WithFallback(cmd, NewIngressValidator()), nil
	default:
		return nil, fmt.Errorf("unsupported validator type %q", cfg.Type)
	}
}

// FallbackValidator runs primary and switches to fallback when the primary
// validator binary is not installed.
type FallbackValidator struct {
	primary  Validator
	fallback Validator
}

// WithFallback wraps primary so that a missing binary degrades to fallback.
func WithFallback(primary, fallback Validator) *FallbackValidator {
	return &FallbackValidator{primary: primary, fallback: fallback}
}

func (f *FallbackValidator) Name() string { return f.primary.Name() + "+" + f.fallback.Name() }

func (f *FallbackValidator) Validate(ctx context.Context, req Request) (*Result, error) {
	res, err := f.primary.Validate(ctx, req)
	if err == nil || !errors.Is(err, runner.ErrNotInstalled) {
		return res, err
	}
	return f.fallback.Validate(ctx, req)
}
