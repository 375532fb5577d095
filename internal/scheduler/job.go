package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

// Notifier is told about every finished run and decides whether to alert.
type Notifier interface {
	NotifyRun(ctx context.Context, project string, report *materializer.Report, runErr error)
}

// Job runs the materialization workflow for one project and records the
// result in the run history.
type Job struct {
	Materializer *materializer.Materializer
	Runs         storage.RunStore // nil disables history.
	Project      string           // Absolute project root, the history scope.
	Selector     string           // Explicit selector argument; empty resolves per run.
	Keep         int              // Runs kept per project. 0 = no pruning.
	Notifier     Notifier         // nil disables run alerts.
	Logger       *slog.Logger
}

// Execute runs the workflow once. The returned error is the workflow's
// fatal error (credentials directory creation); history failures are
// logged only.
func (j *Job) Execute(ctx context.Context, trigger string) (*materializer.Report, error) {
	report, runErr := j.Materializer.Run(ctx, j.Selector)
	j.record(ctx, trigger, report, runErr)
	if j.Notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		j.Notifier.NotifyRun(nctx, j.Project, report, runErr)
		cancel()
	}
	return report, runErr
}

func (j *Job) record(ctx context.Context, trigger string, report *materializer.Report, runErr error) {
	if j.Runs == nil || report == nil {
		return
	}
	logger := j.logger()

	run := storage.FromReport(j.Project, trigger, report)
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}

	// Record even if ctx was cancelled while the run finished.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := j.Runs.Save(ctx, run); err != nil {
		logger.Warn("failed to record run history",
			slog.String("run_id", report.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if j.Keep <= 0 {
		return
	}
	deleted, err := j.Runs.Prune(ctx, j.Project, j.Keep)
	if err != nil {
		logger.Warn("failed to prune run history", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		logger.Debug("pruned run history", slog.Int64("deleted", deleted), slog.Int("keep", j.Keep))
	}
}

func (j *Job) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.New(slog.DiscardHandler)
}
