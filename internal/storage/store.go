// Package storage defines the run-history Store interface.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (shared history across hosts). Secret values are never stored, only
// secret names, paths, outcomes and byte counts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for tunnelsecrets.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	Runs() RunStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunStore persists materialization runs. Runs are append-only.
type RunStore interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, project string, id uuid.UUID) (*Run, error)
	// List returns runs for a project, newest first. Limit defaults to 20.
	List(ctx context.Context, project string, limit int) ([]Run, error)
	// Prune deletes all but the newest keep runs of a project.
	Prune(ctx context.Context, project string, keep int) (int64, error)
}

// Run is one recorded materialization run.
type Run struct {
	ID             uuid.UUID `json:"id"`
	Project        string    `json:"project"` // Absolute project root.
	Trigger        string    `json:"trigger"` // "cli", "schedule", "api".
	Selector       string    `json:"selector"`
	SelectorSource string    `json:"selector_source"`
	Status         string    `json:"status"` // "ok" or "failed".
	Written        int       `json:"written"`
	Skipped        int       `json:"skipped"`
	Warnings       int       `json:"warnings"`
	Failed         int       `json:"failed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Steps          []Step    `json:"steps,omitempty"`
}

// Step is one recorded step of a run.
type Step struct {
	ID          uuid.UUID     `json:"id"`
	Seq         int           `json:"seq"`
	Step        string        `json:"step"`
	Environment string        `json:"environment"`
	Path        string        `json:"path"`
	Secret      string        `json:"secret,omitempty"`
	Outcome     string        `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Bytes       int           `json:"bytes"`
	Duration    time.Duration `json:"duration"`
}

// Trigger names.
const (
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// FromReport converts a materializer report into a Run for project.
func FromReport(project, trigger string, r *materializer.Report) *Run {
	run := &Run{
		ID:             parseOrNew(r.ID),
		Project:        project,
		Trigger:        trigger,
		Selector:       r.Selector.String(),
		SelectorSource: r.SelectorSource,
		Status:         r.Status(),
		Written:        r.Count(materializer.Written),
		Skipped:        r.Count(materializer.Skipped),
		Warnings:       r.Count(materializer.Warning),
		Failed:         r.Count(materializer.Failed),
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if err := r.Err(); err != nil {
		run.Error = err.Error()
	}
	run.Steps = make([]Step, len(r.Steps))
	for i, s := range r.Steps {
		step := Step{
			ID:          parseOrNew(s.ID),
			Seq:         i,
			Step:        s.Step,
			Environment: s.Environment,
			Path:        s.Path,
			Secret:      s.Secret,
			Outcome:     s.Outcome.String(),
			Reason:      s.Reason,
			Bytes:       s.Bytes,
			Duration:    s.Duration,
		}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		run.Steps[i] = step
	}
	return run
}

func parseOrNew(id string) uuid.UUID {
	if u, err := uuid.Parse(id); err == nil {
		return u
	}
	return uuid.New()
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
