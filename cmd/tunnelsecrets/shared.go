package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/tunnelsecrets/internal/config"
	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/notification"
	"github.com/jkaninda/tunnelsecrets/internal/observability"
	"github.com/jkaninda/tunnelsecrets/internal/runner"
	"github.com/jkaninda/tunnelsecrets/internal/scheduler"
	"github.com/jkaninda/tunnelsecrets/internal/secrets"
	"github.com/jkaninda/tunnelsecrets/internal/storage"
	pgstore "github.com/jkaninda/tunnelsecrets/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/tunnelsecrets/internal/storage/sqlite"
	"github.com/jkaninda/tunnelsecrets/internal/validator"
	"github.com/jkaninda/tunnelsecrets/internal/workspace"
)

const defaultConfigHint = "$TUNNELSECRETS_CONFIG or ./" + config.DefaultConfigFile

// SharedComponents holds the subsystems every command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config       *config.Config
	Logger       *slog.Logger
	Workspace    *workspace.Workspace
	Store        storage.Store // nil = run history disabled.
	Obs          *observability.Observability
	Runner       runner.Runner
	Provider     secrets.Provider
	Selectors    secrets.SelectorSource
	Materializer *materializer.Materializer
	Notifier     *notification.Dispatcher // nil = run alerts disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// job wraps the materializer for one selector argument.
func (sc *SharedComponents) job(selector string) *scheduler.Job {
	j := &scheduler.Job{
		Materializer: sc.Materializer,
		Project:      sc.Workspace.Root,
		Selector:     selector,
		Keep:         sc.Config.Storage.Retention(),
		Logger:       sc.Logger,
	}
	if sc.Store != nil {
		j.Runs = sc.Store.Runs()
	}
	if sc.Notifier != nil {
		j.Notifier = sc.Notifier
	}
	return j
}

// loadConfig reads the config file named by --config or TUNNELSECRETS_CONFIG
// and applies the persistent flag overrides. A missing default file means
// all defaults; a missing explicit file is an error.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("TUNNELSECRETS_CONFIG", configPath)

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.LoadOrDefault(config.DefaultConfigFile)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if rootDir != "" {
		cfg.Root = rootDir
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// setup loads config and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// initShared performs the initialization shared by every command.
// Status lines are streamed to out. When history is false the run-history
// store is not opened. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, out io.Writer, history bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Command runner for the secret-store client and the validator.
	var rn runner.Runner = runner.NewProcessRunner(runner.ProcessConfig{}, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		rn = observability.NewInstrumentedRunner(rn, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Runner = rn

	// Secret providers.
	provider, err := newProvider(cfg, rn, ws.Root)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing secret providers: %w", err)
	}
	if src, ok := provider.(secrets.SelectorSource); ok {
		sc.Selectors = src
	}
	sc.Provider = observability.NewInstrumentedProvider(provider, obs.TracerOrNil())
	logger.Debug("secret provider initialized", slog.String("provider", provider.Name()))

	// Validator.
	v, err := validator.New(cfg.Validator, rn)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing validator: %w", err)
	}

	// Run history. Failing to open it never blocks materialization.
	if history {
		store, err := initStore(cfg, logger)
		switch {
		case err != nil:
			logger.Warn("run history disabled", slog.String("error", err.Error()))
		case store != nil:
			sc.Store = store
			sc.addCleanup(func() { _ = store.Close() })
			logger.Debug("run history initialized", slog.String("driver", store.Driver()))
		}
	}

	// Readiness checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			obs.Health.AddCheck("history", sc.Store.Ping)
		}
		if cfg.Observability.Health.IncludeSecretStore && sc.Selectors != nil {
			src := sc.Selectors
			obs.Health.AddCheck("secret_store", func(ctx context.Context) error {
				_, err := src.DefaultSelector(ctx)
				return err
			})
		}
	}

	// Run alerts.
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing notifications: %w", err)
	}
	sc.Notifier = notifier

	targets := make([]materializer.Target, 0, len(cfg.Environments))
	for _, e := range cfg.Environments {
		targets = append(targets, materializer.Target{
			Name:              e.Name,
			ConfigFile:        e.ConfigFile,
			ConfigSecret:      e.ConfigSecret,
			CredentialsSecret: e.CredentialsSecret,
			BackendPort:       e.Port(),
		})
	}

	m, err := materializer.New(ws, sc.Provider, materializer.Options{
		Targets:        targets,
		CredentialsDir: cfg.CredentialsDir,
		Fallback:       secrets.Selector(cfg.DefaultSelector),
		SelectorSource: sc.Selectors,
		Validator:      v,
		Logger:         logger,
		Tracer:         obs.SpanTracer(),
		Observer:       obs.Observer(),
		Out:            out,
	})
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing materializer: %w", err)
	}
	sc.Materializer = m
	return sc, nil
}

// newProvider builds the configured provider chain. A single provider is
// returned as is; several are tried in order. CLI-backed providers run in
// root unless their config names another dir.
func newProvider(cfg *config.Config, rn runner.Runner, root string) (secrets.Provider, error) {
	var providers []secrets.Provider
	for i, pc := range cfg.Secrets.Providers {
		var (
			p   secrets.Provider
			err error
		)
		switch pc.Type {
		case "doppler":
			p, err = secrets.NewDopplerProvider(withDir(pc.Config, root), rn)
		case "env":
			p = secrets.NewEnvProvider()
		case "vault":
			p, err = secrets.NewVaultProvider(pc.Config)
		default:
			err = fmt.Errorf("unsupported provider type %q", pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("secrets.providers[%d]: %w", i, err)
		}
		providers = append(providers, p)
	}
	switch len(providers) {
	case 0:
		return nil, errors.New("no secret providers configured")
	case 1:
		return providers[0], nil
	}
	return secrets.NewCompositeProvider(providers...), nil
}

// withDir returns a copy of cfg with "dir" set to root when unset.
func withDir(cfg map[string]string, root string) map[string]string {
	out := make(map[string]string, len(cfg)+1)
	maps.Copy(out, cfg)
	if out["dir"] == "" {
		out["dir"] = root
	}
	return out
}

// newNotifier builds the run-alert dispatcher, or nil when no channel is configured.
func newNotifier(cfg *config.Config, logger *slog.Logger) (*notification.Dispatcher, error) {
	nc := cfg.Notifications
	if nc == nil || len(nc.Channels) == 0 {
		return nil, nil
	}
	senders := make([]notification.Sender, 0, len(nc.Channels))
	for i, ch := range nc.Channels {
		var (
			s   notification.Sender
			err error
		)
		switch ch.Type {
		case "webhook":
			s, err = notification.NewWebhookSender(ch.Config["url"])
		case "slack":
			s, err = notification.NewSlackSender(ch.Config)
		default:
			err = fmt.Errorf("unsupported channel type %q", ch.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("notifications.channels[%d]: %w", i, err)
		}
		senders = append(senders, s)
	}
	return notification.NewDispatcher(nc.On, logger, senders...), nil
}

// initStore opens the run-history store. It returns nil, nil when the
// driver is "none".
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "none":
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sqlCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sqlCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}

	store, err := sqlitestore.Open(sqlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	logger.Debug("sqlite history opened", slog.String("path", store.Path()))
	return store, nil
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pc := cfg.Storage.Postgres
	if pc == nil || pc.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
