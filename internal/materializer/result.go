package materializer

import (
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/secrets"
)

// Outcome tags a StepResult.
type Outcome int

const (
	// Written means the file was created or truncated and written.
	Written Outcome = iota
	// Skipped means an expected precondition was missing (absent secret,
	// missing config file, no tunnel line). Nothing was written.
	Skipped
	// Failed means a filesystem error prevented the write.
	Failed
	// Passed means a config file passed validation.
	Passed
	// Warning means validation failed or could not run. Advisory only.
	Warning
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Passed:
		return "passed"
	case Warning:
		return "warning"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Step names.
const (
	StepConfig      = "config"
	StepCredentials = "credentials"
	StepValidate    = "validate"
)

// StepResult is the tagged result of one workflow step.
type StepResult struct {
	ID          string
	Step        string
	Environment string
	Path        string // Relative to the project root.
	Secret      string // Secret name, never its value.
	Outcome     Outcome
	Reason      string // Why the step was skipped or warned.
	Err         error  // Cause of a Failed step.
	Bytes       int
	Duration    time.Duration
}

// String renders the status line shown to the operator.
func (s StepResult) String() string {
	switch s.Outcome {
	case Written:
		return fmt.Sprintf("✔ %s written (%d bytes)", s.Path, s.Bytes)
	case Skipped:
		return fmt.Sprintf("↷ %s skipped: %s", s.Path, s.Reason)
	case Failed:
		return fmt.Sprintf("✘ %s failed: %v", s.Path, s.Err)
	case Passed:
		return fmt.Sprintf("✔ %s valid", s.Path)
	case Warning:
		return fmt.Sprintf("⚠ %s: %s", s.Path, s.Reason)
	}
	return s.Path
}

// Selector sources recorded on a Report.
const (
	SelectorFromArgument = "argument"
	SelectorFromStore    = "store"
	SelectorFromFallback = "fallback"
)

// Report aggregates the results of one run.
type Report struct {
	ID             string
	Selector       secrets.Selector
	SelectorSource string
	StartedAt      time.Time
	FinishedAt     time.Time
	Steps          []StepResult
}

// Add appends a step result.
func (r *Report) Add(s StepResult) { r.Steps = append(r.Steps, s) }

// Count returns the number of steps with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool { return r.Count(Failed) > 0 }

// Err joins the causes of all failed steps, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Outcome == Failed {
			errs = append(errs, fmt.Errorf("%s: %w", s.Path, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Status is "ok" or "failed".
func (r *Report) Status() string {
	if r.Failed() {
		return "failed"
	}
	return "ok"
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Summary renders the final line of a run.
func (r *Report) Summary() string {
	return fmt.Sprintf("done: %d written, %d skipped, %d warnings, %d failed",
		r.Count(Written), r.Count(Skipped), r.Count(Warning), r.Count(Failed))
}
