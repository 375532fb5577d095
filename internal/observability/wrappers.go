package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/runner"
	"github.com/jkaninda/tunnelsecrets/internal/secrets"
)

// --- RunObserver ---

// RunObserver implements materializer.Observer on top of the metrics
// collector and anomaly detector. Either may be nil.
type RunObserver struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewRunObserver creates a RunObserver.
func NewRunObserver(metrics *MetricsCollector, anomaly *AnomalyDetector) *RunObserver {
	return &RunObserver{metrics: metrics, anomaly: anomaly}
}

func (o *RunObserver) ObserveStep(s materializer.StepResult) {
	if o.metrics != nil {
		o.metrics.StepsTotal.WithLabelValues(s.Step, s.Environment, s.Outcome.String()).Inc()
		if s.Outcome == materializer.Written {
			o.metrics.StepBytesTotal.WithLabelValues(s.Step).Add(float64(s.Bytes))
		}
	}

	// Skips are expected (absent secrets); only failures and validation
	// warnings count toward the error rate.
	op := "step_" + s.Step
	switch s.Outcome {
	case materializer.Failed, materializer.Warning:
		o.anomaly.RecordError(op)
	case materializer.Written, materializer.Passed:
		o.anomaly.RecordSuccess(op)
	}
}

func (o *RunObserver) ObserveRun(r *materializer.Report) {
	if o.metrics == nil {
		return
	}
	o.metrics.RunsTotal.WithLabelValues(r.Selector.String(), r.Status()).Inc()
	o.metrics.RunDuration.Observe(r.Duration().Seconds())
	o.metrics.LastRunStepsFailed.Set(float64(r.Count(materializer.Failed)))
	if !r.Failed() {
		o.metrics.LastSuccessfulRun.Set(float64(r.FinishedAt.Unix()))
	}
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a runner.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   runner.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a command runner with observability.
func NewInstrumentedRunner(inner runner.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	program := cmd.Name()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "command.run",
			trace.WithAttributes(
				attribute.String("command.program", program),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, cmd)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, runner.ErrNotInstalled):
		status = "not_installed"
	case err != nil:
		status = "error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case !result.Success():
		status = "nonzero_exit"
		if r.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("command.exit_code", result.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.CommandExecutionsTotal.WithLabelValues(program, status).Inc()
		if status != "not_installed" {
			r.metrics.CommandExecutionDuration.WithLabelValues(program).Observe(duration)
		}
	}

	// A non-zero exit is how the store client reports a missing secret, so
	// only hard errors count.
	if err != nil && status != "not_installed" {
		r.anomaly.RecordError("command_" + program)
	} else if err == nil {
		r.anomaly.RecordSuccess("command_" + program)
	}

	return result, err
}

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a secrets.Provider with tracing.
// Secret values never reach span attributes.
type InstrumentedProvider struct {
	inner  secrets.Provider
	tracer trace.Tracer
}

// NewInstrumentedProvider wraps a secret provider with observability.
// Returns inner unchanged when tracing is disabled.
func NewInstrumentedProvider(inner secrets.Provider, ts *TracerSetup) secrets.Provider {
	if ts == nil {
		return inner
	}
	return &InstrumentedProvider{inner: inner, tracer: ts.Tracer()}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Fetch(ctx context.Context, sel secrets.Selector, name string) (*secrets.Secret, error) {
	ctx, span := p.tracer.Start(ctx, "secrets.fetch",
		trace.WithAttributes(
			attribute.String("secrets.provider", p.inner.Name()),
			attribute.String("secrets.selector", sel.String()),
			attribute.String("secrets.name", name),
		))
	defer span.End()

	secret, err := p.inner.Fetch(ctx, sel, name)
	switch {
	case errors.Is(err, secrets.ErrSecretNotFound):
		span.SetAttributes(attribute.Bool("secrets.found", false))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetAttributes(attribute.Bool("secrets.found", true))
	}
	return secret, err
}

// --- Compile-time interface checks ---

var (
	_ materializer.Observer = (*RunObserver)(nil)
	_ runner.Runner         = (*InstrumentedRunner)(nil)
	_ secrets.Provider      = (*InstrumentedProvider)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
