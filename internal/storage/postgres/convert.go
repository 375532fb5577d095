package postgres

import (
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

func toRunModel(r *storage.Run) RunModel {
	m := RunModel{
		ID:             r.ID,
		Project:        r.Project,
		Trigger:        r.Trigger,
		Selector:       r.Selector,
		SelectorSource: r.SelectorSource,
		Status:         r.Status,
		Written:        r.Written,
		Skipped:        r.Skipped,
		Warnings:       r.Warnings,
		Failed:         r.Failed,
		Error:          r.Error,
		StartedAt:      r.StartedAt.UTC(),
		FinishedAt:     r.FinishedAt.UTC(),
	}
	m.Steps = make([]StepModel, len(r.Steps))
	for i, s := range r.Steps {
		m.Steps[i] = StepModel{
			ID:          s.ID,
			RunID:       r.ID,
			Seq:         s.Seq,
			Step:        s.Step,
			Environment: s.Environment,
			Path:        s.Path,
			Secret:      s.Secret,
			Outcome:     s.Outcome,
			Reason:      s.Reason,
			Error:       s.Error,
			Bytes:       s.Bytes,
			DurationMS:  s.Duration.Milliseconds(),
		}
	}
	return m
}

func toRunDomain(m *RunModel) storage.Run {
	r := storage.Run{
		ID:             m.ID,
		Project:        m.Project,
		Trigger:        m.Trigger,
		Selector:       m.Selector,
		SelectorSource: m.SelectorSource,
		Status:         m.Status,
		Written:        m.Written,
		Skipped:        m.Skipped,
		Warnings:       m.Warnings,
		Failed:         m.Failed,
		Error:          m.Error,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
	}
	if len(m.Steps) > 0 {
		r.Steps = make([]storage.Step, len(m.Steps))
		for i, s := range m.Steps {
			r.Steps[i] = storage.Step{
				ID:          s.ID,
				Seq:         s.Seq,
				Step:        s.Step,
				Environment: s.Environment,
				Path:        s.Path,
				Secret:      s.Secret,
				Outcome:     s.Outcome,
				Reason:      s.Reason,
				Error:       s.Error,
				Bytes:       s.Bytes,
				Duration:    time.Duration(s.DurationMS) * time.Millisecond,
			}
		}
	}
	return r
}
