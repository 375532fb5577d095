package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tunnelsecrets/internal/config"
	"github.com/jkaninda/tunnelsecrets/internal/httpapi"
	"github.com/jkaninda/tunnelsecrets/internal/observability"
	"github.com/jkaninda/tunnelsecrets/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch [selector]",
	Short: "Re-materialize on a schedule and serve health, metrics and run history",
	Long: `Runs the materialization workflow on the watch.schedule cron expression
(default every 15 minutes) until SIGINT or SIGTERM, and serves /healthz,
/readyz, /metrics and the /v1 run API on watch.listen (default :9102).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	var selector string
	if len(args) == 1 {
		selector = args[0]
	}

	w, err := newWatch(cfg, logger, cmd.OutOrStdout(), selector)
	if err != nil {
		return err
	}
	defer w.sc.Cleanup()

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopScheduler := w.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.api.Start(ctx)
	}()

	logger.Info("watching",
		slog.String("root", w.sc.Workspace.Root),
		slog.String("schedule", cfg.Watch.CronSchedule()),
		slog.String("listen", cfg.Watch.ListenAddr()),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http api: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.api.Stop(shutdownCtx); err != nil {
		logger.Error("http api shutdown error", slog.String("error", err.Error()))
	}
	stopScheduler()

	logger.Info("stopped")
	return serveErr
}

// watchRuntime is the wired but not yet started watch mode.
type watchRuntime struct {
	sc    *SharedComponents
	sched *scheduler.Scheduler
	api   *httpapi.Server
}

// newWatch builds the shared components, the scheduler and the HTTP API.
// The caller owns w.sc.Cleanup.
func newWatch(cfg *config.Config, logger *slog.Logger, out io.Writer, selector string) (*watchRuntime, error) {
	cfg.ApplyWatchDefaults()

	sc, err := initShared(cfg, logger, out, true)
	if err != nil {
		return nil, err
	}

	metrics := sc.Obs.MetricsOrNil()
	var reg *prometheus.Registry
	if metrics != nil {
		reg = metrics.Registry
	}

	sched, err := scheduler.New(sc.job(selector), scheduler.Options{
		Expression:     cfg.Watch.CronSchedule(),
		SkipInitialRun: cfg.Watch != nil && cfg.Watch.SkipInitialRun,
		Metrics:        scheduler.NewMetrics(reg),
		Logger:         logger,
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}

	if sc.Obs != nil && sc.Obs.Health != nil {
		var maxAge time.Duration
		if hc := cfg.Observability.Health; hc != nil {
			maxAge = time.Duration(hc.MaxRunAgeSeconds) * time.Second
		}
		sc.Obs.Health.AddCheck("last_run", observability.RunCheck(func() (string, time.Time, bool) {
			last := sched.Status().LastRun
			if last == nil {
				return "", time.Time{}, false
			}
			return last.Status, last.FinishedAt, true
		}, maxAge))
	}

	apiCfg := httpapi.Config{
		ListenAddr:       cfg.Watch.ListenAddr(),
		TriggerPerMinute: cfg.Watch.TriggersPerMinute(),
		MetricsRegistry:  reg,
		Metrics:          metrics,
	}
	if cfg.Watch != nil {
		apiCfg.APIToken = cfg.Watch.APIToken
	}
	if cfg.Observability.Metrics != nil {
		apiCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	if sc.Obs != nil {
		apiCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Tracer != nil {
			apiCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}
	api := httpapi.New(apiCfg, logger).WithTrigger(sched)
	if sc.Store != nil {
		api.WithRuns(sc.Store.Runs(), sc.Workspace.Root)
	}

	return &watchRuntime{sc: sc, sched: sched, api: api}, nil
}
