// Package materializer turns named entries in a secret store into the
// tunnel config and credential files a cloudflared deployment expects.
//
// A run resolves a selector once, writes one config file per target,
// derives each target's tunnel identifier from the config file on disk,
// writes the matching credentials file, and validates every config file
// that exists. Missing secrets and missing tunnel lines are skips, not
// errors. Only filesystem failures fail a step.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/tunnelsecrets/internal/secrets"
	"github.com/jkaninda/tunnelsecrets/internal/validator"
	"github.com/jkaninda/tunnelsecrets/internal/workspace"
)

// Target is one environment to materialize.
type Target struct {
	Name              string
	ConfigFile        string // Relative to the project root.
	ConfigSecret      string
	CredentialsSecret string
	BackendPort       int // Passed to the validator. 0 = no port check.
}

// DefaultTargets returns the dev and prod targets.
func DefaultTargets() []Target {
	return []Target{
		{Name: "dev", ConfigFile: "dev.yml", ConfigSecret: "CLOUDFLARE_DEV_YML", CredentialsSecret: "CLOUDFLARE_DEV_CREDENTIALS", BackendPort: 8001},
		{Name: "prod", ConfigFile: "prod.yml", ConfigSecret: "CLOUDFLARE_PROD_YML", CredentialsSecret: "CLOUDFLARE_PROD_CREDENTIALS", BackendPort: 8002},
	}
}

// Observer receives step and run results as they are produced.
type Observer interface {
	ObserveStep(StepResult)
	ObserveRun(*Report)
}

// Options configures a Materializer. Zero values select defaults.
type Options struct {
	Targets        []Target               // Default: DefaultTargets().
	CredentialsDir string                 // Relative to the root. Default: "cloudflare".
	Fallback       secrets.Selector       // Default: secrets.Dev.
	SelectorSource secrets.SelectorSource // Default: the provider, when it implements SelectorSource.
	Validator      validator.Validator    // nil skips validation.
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Observer       Observer
	Out            io.Writer // Status lines are streamed here when set.
}

// Materializer runs the materialization workflow against one project root.
// Runs are serialized; a Materializer is safe for concurrent use.
type Materializer struct {
	ws        *workspace.Workspace
	provider  secrets.Provider
	selectors secrets.SelectorSource
	validator validator.Validator
	targets   []Target
	credsDir  string
	fallback  secrets.Selector
	logger    *slog.Logger
	tracer    trace.Tracer
	observer  Observer
	out       io.Writer

	runMu sync.Mutex
}

// New creates a Materializer.
func New(ws *workspace.Workspace, provider secrets.Provider, opts Options) (*Materializer, error) {
	if ws == nil {
		return nil, errors.New("materializer requires a workspace")
	}
	if provider == nil {
		return nil, errors.New("materializer requires a secret provider")
	}

	m := &Materializer{
		ws:        ws,
		provider:  provider,
		selectors: opts.SelectorSource,
		validator: opts.Validator,
		targets:   opts.Targets,
		credsDir:  opts.CredentialsDir,
		fallback:  opts.Fallback,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		observer:  opts.Observer,
		out:       opts.Out,
	}
	if len(m.targets) == 0 {
		m.targets = DefaultTargets()
	}
	if m.credsDir == "" {
		m.credsDir = "cloudflare"
	}
	if !workspace.IsContained(m.credsDir) {
		return nil, fmt.Errorf("credentials directory %q must be inside the project root", m.credsDir)
	}
	if m.fallback.IsCurrent() {
		m.fallback = secrets.Dev
	}
	if m.selectors == nil {
		if src, ok := provider.(secrets.SelectorSource); ok {
			m.selectors = src
		}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer("")
	}
	return m, nil
}

// FetchSecret reads name under sel. A missing entry and a store failure
// both report found=false; reason says which.
func (m *Materializer) FetchSecret(ctx context.Context, sel secrets.Selector, name string) (value []byte, found bool, reason string) {
	secret, err := m.provider.Fetch(ctx, sel, name)
	switch {
	case err == nil:
		return secret.Value, true, ""
	case errors.Is(err, secrets.ErrSecretNotFound):
		m.logger.Debug("secret not found",
			slog.String("secret", name),
			slog.String("selector", sel.String()),
		)
		return nil, false, fmt.Sprintf("secret %s not found", name)
	default:
		m.logger.Warn("secret store error",
			slog.String("secret", name),
			slog.String("selector", sel.String()),
			slog.String("error", err.Error()),
		)
		return nil, false, fmt.Sprintf("secret store error: %v", err)
	}
}

// MaterializeConfig writes the value of secretName to dest (relative to
// the root). An absent secret leaves dest untouched.
func (m *Materializer) MaterializeConfig(ctx context.Context, sel secrets.Selector, secretName, dest string) StepResult {
	return m.materialize(ctx, StepConfig, sel, secretName, dest)
}

// MaterializeCredentials writes the value of secretName to
// <dir>/<tunnelID>.json. An identifier that would escape dir is skipped.
func (m *Materializer) MaterializeCredentials(ctx context.Context, sel secrets.Selector, secretName, tunnelID, dir string) StepResult {
	dest, err := workspace.CredentialPath(dir, tunnelID)
	if err != nil {
		return StepResult{
			ID:      uuid.NewString(),
			Step:    StepCredentials,
			Path:    filepath.Join(dir, tunnelID+".json"),
			Secret:  secretName,
			Outcome: Skipped,
			Reason:  fmt.Sprintf("unsafe tunnel identifier %q", tunnelID),
		}
	}
	return m.materialize(ctx, StepCredentials, sel, secretName, dest)
}

func (m *Materializer) materialize(ctx context.Context, step string, sel secrets.Selector, secretName, dest string) StepResult {
	ctx, span := m.tracer.Start(ctx, "materializer."+step,
		trace.WithAttributes(
			attribute.String("secret.name", secretName),
			attribute.String("file.path", dest),
		))
	defer span.End()

	start := time.Now()
	res := StepResult{ID: uuid.NewString(), Step: step, Path: dest, Secret: secretName}

	value, found, reason := m.FetchSecret(ctx, sel, secretName)
	if !found {
		res.Outcome = Skipped
		res.Reason = reason
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.String("step.outcome", res.Outcome.String()))
		return res
	}

	if err := m.ws.WriteFile(dest, value); err != nil {
		res.Outcome = Failed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		res.Outcome = Written
		res.Bytes = len(value)
	}
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.String("step.outcome", res.Outcome.String()))
	return res
}

// Validate runs the validator against one config file.
func (m *Materializer) Validate(ctx context.Context, t Target) StepResult {
	res := StepResult{ID: uuid.NewString(), Step: StepValidate, Environment: t.Name, Path: t.ConfigFile}
	if m.validator == nil {
		res.Outcome = Skipped
		res.Reason = "validation disabled"
		return res
	}

	ctx, span := m.tracer.Start(ctx, "materializer.validate",
		trace.WithAttributes(attribute.String("file.path", t.ConfigFile)))
	defer span.End()

	start := time.Now()
	out, err := m.validator.Validate(ctx, validator.Request{
		Path:        m.ws.Path(t.ConfigFile),
		Environment: t.Name,
		BackendPort: t.BackendPort,
	})
	res.Duration = time.Since(start)

	switch {
	case err != nil:
		res.Outcome = Warning
		res.Reason = fmt.Sprintf("validator unavailable: %v", err)
		span.RecordError(err)
	case !out.Valid:
		res.Outcome = Warning
		res.Reason = joinWarnings(out.Warnings)
		m.logger.Warn("config validation failed",
			slog.String("environment", t.Name),
			slog.String("file", t.ConfigFile),
			slog.String("validator", out.Validator),
			slog.String("output", out.Output),
		)
	default:
		res.Outcome = Passed
	}
	return res
}

// ValidateExisting runs the validator against every target config file on
// disk, without touching the secret store.
func (m *Materializer) ValidateExisting(ctx context.Context) *Report {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	report := &Report{ID: uuid.NewString(), StartedAt: time.Now()}
	m.validateAll(ctx, report)
	report.FinishedAt = time.Now()
	return report
}

// Run executes the full workflow. explicit is the optional selector argument.
// The returned error is non-nil only when the credentials directory cannot
// be created; write failures are recorded on the report as Failed steps.
func (m *Materializer) Run(ctx context.Context, explicit string) (*Report, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "materializer.run")
	defer span.End()

	report := &Report{ID: uuid.NewString(), StartedAt: time.Now()}
	report.Selector, report.SelectorSource = ResolveSelector(ctx, explicit, m.selectors, m.fallback, m.logger)
	span.SetAttributes(
		attribute.String("run.id", report.ID),
		attribute.String("run.selector", report.Selector.String()),
	)

	logger := m.logger.With(slog.String("run_id", report.ID), slog.String("selector", report.Selector.String()))
	logger.Info("materializing secrets",
		slog.String("selector_source", report.SelectorSource),
		slog.String("provider", m.provider.Name()),
		slog.String("root", m.ws.Root),
	)

	if _, err := m.ws.EnsureDir(m.credsDir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.FinishedAt = time.Now()
		return report, fmt.Errorf("creating credentials directory: %w", err)
	}

	for _, t := range m.targets {
		res := m.MaterializeConfig(ctx, report.Selector, t.ConfigSecret, t.ConfigFile)
		res.Environment = t.Name
		m.record(report, res)
	}

	for _, t := range m.targets {
		m.record(report, m.credentialsFor(ctx, report.Selector, t))
	}

	m.validateAll(ctx, report)

	report.FinishedAt = time.Now()
	if report.Failed() {
		span.SetStatus(codes.Error, "one or more steps failed")
	}
	if m.observer != nil {
		m.observer.ObserveRun(report)
	}
	logger.Info("materialization finished",
		slog.Int("written", report.Count(Written)),
		slog.Int("skipped", report.Count(Skipped)),
		slog.Int("warnings", report.Count(Warning)),
		slog.Int("failed", report.Count(Failed)),
		slog.Duration("duration", report.Duration()),
	)
	return report, nil
}

// credentialsFor derives the tunnel identifier from the config file on
// disk. A stale file from a previous run counts.
func (m *Materializer) credentialsFor(ctx context.Context, sel secrets.Selector, t Target) StepResult {
	skip := func(reason string) StepResult {
		return StepResult{
			ID:          uuid.NewString(),
			Step:        StepCredentials,
			Environment: t.Name,
			Path:        filepath.Join(m.credsDir, "<tunnel>.json"),
			Secret:      t.CredentialsSecret,
			Outcome:     Skipped,
			Reason:      reason,
		}
	}

	if !m.ws.FileExists(t.ConfigFile) {
		return skip(fmt.Sprintf("%s not present", t.ConfigFile))
	}
	id, ok, err := readTunnelIdentifier(m.ws.Path(t.ConfigFile))
	if err != nil {
		return skip(fmt.Sprintf("reading %s: %v", t.ConfigFile, err))
	}
	if !ok {
		return skip(fmt.Sprintf("no %s line in %s", TunnelPrefix, t.ConfigFile))
	}

	res := m.MaterializeCredentials(ctx, sel, t.CredentialsSecret, id, m.credsDir)
	res.Environment = t.Name
	return res
}

func (m *Materializer) validateAll(ctx context.Context, report *Report) {
	if m.validator == nil {
		return
	}
	for _, t := range m.targets {
		if !m.ws.FileExists(t.ConfigFile) {
			continue
		}
		m.record(report, m.Validate(ctx, t))
	}
}

func (m *Materializer) record(report *Report, res StepResult) {
	report.Add(res)
	if m.out != nil {
		fmt.Fprintln(m.out, res.String())
	}
	if m.observer != nil {
		m.observer.ObserveStep(res)
	}

	attrs := []any{
		slog.String("step", res.Step),
		slog.String("environment", res.Environment),
		slog.String("path", res.Path),
		slog.String("outcome", res.Outcome.String()),
	}
	switch res.Outcome {
	case Failed:
		m.logger.Error("step failed", append(attrs, slog.String("error", res.Err.Error()))...)
	case Skipped, Warning:
		m.logger.Info("step "+res.Outcome.String(), append(attrs, slog.String("reason", res.Reason))...)
	default:
		m.logger.Debug("step "+res.Outcome.String(), append(attrs, slog.Int("bytes", res.Bytes))...)
	}
}

func joinWarnings(ws []string) string {
	switch len(ws) {
	case 0:
		return "validation failed"
	case 1:
		return ws[0]
	}
	s := ws[0]
	for _, w := range ws[1:] {
		s += "; " + w
	}
	return s
}
