// Package runner executes external programs from an argument list and
// returns their captured output. Commands are never passed through a shell
// string, so arguments are not subject to interpolation.
package runner

import (
	"context"
	"time"
)

// Runner executes a command and reports its outcome.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Command defines what to run and under what constraints.
type Command struct {
	// Args is the program and its arguments (e.g. ["doppler", "secrets", "get", "X"]).
	Args []string

	// Dir overrides the working directory. Empty = current directory.
	Dir string

	// Env adds variables on top of the inherited environment.
	Env map[string]string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration
}

// Name returns the program name for logging and metrics labels.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Result captures the outcome of a finished command.
// A non-zero ExitCode is a result, not an error.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}
