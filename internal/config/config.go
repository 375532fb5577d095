// Package config handles loading and validating tunnelsecrets configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/tunnelsecrets/internal/workspace"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "tunnelsecrets.yml"

// Config is the root configuration for tunnelsecrets.
type Config struct {
	Root            string               `json:"root,omitempty" yaml:"root,omitempty"`                         // Project root. Default: ".". Override: TUNNELSECRETS_ROOT.
	DataDir         string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`                 // Run history and local state. Default: ~/.tunnelsecrets/data. Override: TUNNELSECRETS_DATA_DIR.
	LogLevel        string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`               // debug, info, warn, error. Default: info.
	LogFormat       string               `json:"log_format,omitempty" yaml:"log_format,omitempty"`             // json (default) or text.
	DefaultSelector string               `json:"default_selector,omitempty" yaml:"default_selector,omitempty"` // Used when the store reports no default. Default: dev.
	CredentialsDir  string               `json:"credentials_dir,omitempty" yaml:"credentials_dir,omitempty"`   // Relative to root. Default: cloudflare.
	Environments    []EnvironmentConfig  `json:"environments,omitempty" yaml:"environments,omitempty"`         // Empty = dev + prod.
	Secrets         *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`                   // nil = doppler CLI only
	Validator       ValidatorConfig      `json:"validator" yaml:"validator"`
	Storage         *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Observability   *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Watch           *WatchConfig         `json:"watch,omitempty" yaml:"watch,omitempty"`                 // nil = defaults for the watch command
	Notifications   *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = no run alerts
}

// EnvironmentConfig describes one materialization target: the config file
// written from ConfigSecret and the credentials written from CredentialsSecret.
type EnvironmentConfig struct {
	Name              string `json:"name" yaml:"name"`
	ConfigFile        string `json:"config_file" yaml:"config_file"`                             // Relative to root, e.g. dev.yml.
	ConfigSecret      string `json:"config_secret" yaml:"config_secret"`                         // e.g. CLOUDFLARE_DEV_YML.
	CredentialsSecret string `json:"credentials_secret" yaml:"credentials_secret"`               // e.g. CLOUDFLARE_DEV_CREDENTIALS.
	BackendPort       int    `json:"backend_port,omitempty" yaml:"backend_port,omitempty"`       // Port the ingress should route to. 0 = 8000, negative = no check.
}

// DefaultBackendPort is the port the fronted application listens on when
// started without an environment argument.
const DefaultBackendPort = 8000

// Port returns the backend port the ingress validator checks for, or 0 when disabled.
func (e EnvironmentConfig) Port() int {
	switch {
	case e.BackendPort < 0:
		return 0
	case e.BackendPort == 0:
		return DefaultBackendPort
	}
	return e.BackendPort
}

// DefaultEnvironments returns the dev and prod targets.
func DefaultEnvironments() []EnvironmentConfig {
	return []EnvironmentConfig{
		{
			Name:              "dev",
			ConfigFile:        "dev.yml",
			ConfigSecret:      "CLOUDFLARE_DEV_YML",
			CredentialsSecret: "CLOUDFLARE_DEV_CREDENTIALS",
			BackendPort:       8001,
		},
		{
			Name:              "prod",
			ConfigFile:        "prod.yml",
			ConfigSecret:      "CLOUDFLARE_PROD_YML",
			CredentialsSecret: "CLOUDFLARE_PROD_CREDENTIALS",
			BackendPort:       8002,
		},
	}
}

// SecretsConfig configures the secret provider chain.
// When nil, only the doppler CLI provider is used.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "doppler", "env", "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// ValidatorConfig configures how materialized config files are checked.
type ValidatorConfig struct {
	Type           string   `json:"type,omitempty" yaml:"type,omitempty"`                       // "auto" (default), "command", "ingress", "none".
	Command        []string `json:"command,omitempty" yaml:"command,omitempty"`                 // argv; "{config}" is replaced by the config file path.
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 30.
}

// DefaultValidatorCommand runs cloudflared's ingress rule validation.
func DefaultValidatorCommand() []string {
	return []string{"cloudflared", "tunnel", "--config", "{config}", "ingress", "validate"}
}

// Timeout returns the validator timeout with a default of 30s.
func (v *ValidatorConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StorageConfig configures the run-history backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	KeepRuns int                    `json:"keep_runs,omitempty" yaml:"keep_runs,omitempty"` // Runs kept per project. Default: 100.
}

// Retention returns how many runs to keep per project.
func (s *StorageConfig) Retention() int {
	if s != nil && s.KeepRuns > 0 {
		return s.KeepRuns
	}
	return 100
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`                 // Database file path. Default: <data_dir>/history.db.
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 5
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Path     string `json:"path" yaml:"path"`                             // Default: "/metrics"
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty"` // node_exporter textfile written after one-shot runs.
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "tunnelsecrets"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB          bool `json:"include_db" yaml:"include_db"`
	IncludeSecretStore bool `json:"include_secret_store" yaml:"include_secret_store"`
	MaxRunAgeSeconds   int  `json:"max_run_age_seconds,omitempty" yaml:"max_run_age_seconds,omitempty"` // Watch mode: degrade when no run finished within this window. 0 = off.
}

// AnomalyConfig configures threshold-based anomaly detection on step outcomes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 3600
}

// NotificationsConfig configures run alerts.
type NotificationsConfig struct {
	On       string                      `json:"on,omitempty" yaml:"on,omitempty"` // "failure" (default), "warning", "always".
	Channels []NotificationChannelConfig `json:"channels" yaml:"channels"`
}

// NotificationChannelConfig configures one alert channel.
type NotificationChannelConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "webhook" or "slack".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // webhook: url. slack: webhook_url, or token and channel_id.
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	Schedule       string `json:"schedule,omitempty" yaml:"schedule,omitempty"`                 // Cron expression. Default: "*/15 * * * *".
	Listen         string `json:"listen,omitempty" yaml:"listen,omitempty"`                     // HTTP listen address. Default: ":9102".
	SkipInitialRun bool   `json:"skip_initial_run,omitempty" yaml:"skip_initial_run,omitempty"` // Wait for the first tick instead of running on start.
	APIToken       string `json:"api_token,omitempty" yaml:"api_token,omitempty"`               // Bearer token for /v1. Override: TUNNELSECRETS_API_TOKEN.
	TriggerLimit   int    `json:"trigger_limit,omitempty" yaml:"trigger_limit,omitempty"`       // Manual runs per minute per client. Default: 6, negative = unlimited.
}

// CronSchedule returns the cron expression with a default of every 15 minutes.
func (w *WatchConfig) CronSchedule() string {
	if w != nil && w.Schedule != "" {
		return w.Schedule
	}
	return "*/15 * * * *"
}

// TriggersPerMinute returns the manual-run rate limit, or 0 for unlimited.
func (w *WatchConfig) TriggersPerMinute() int {
	switch {
	case w == nil || w.TriggerLimit == 0:
		return 6
	case w.TriggerLimit < 0:
		return 0
	}
	return w.TriggerLimit
}

// ListenAddr returns the HTTP listen address with a default of ":9102".
func (w *WatchConfig) ListenAddr() string {
	if w != nil && w.Listen != "" {
		return w.Listen
	}
	return ":9102"
}

// Default returns a Config with every default applied and env overrides read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .json for JSON, everything else for YAML.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

// applyEnv applies environment variable overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TUNNELSECRETS_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("TUNNELSECRETS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TUNNELSECRETS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TUNNELSECRETS_DEFAULT_SELECTOR"); v != "" {
		c.DefaultSelector = v
	}

	// A postgres URL selects the postgres driver; anything else is a SQLite path.
	if v := os.Getenv("TUNNELSECRETS_HISTORY_DSN"); v != "" {
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Storage = &StorageConfig{Driver: "postgres", Postgres: &PostgresStorageConfig{DSN: v}}
		} else {
			c.Storage = &StorageConfig{Driver: "sqlite", SQLite: &SQLiteStorageConfig{Path: v}}
		}
	}

	if v := os.Getenv("TUNNELSECRETS_API_TOKEN"); v != "" {
		if c.Watch == nil {
			c.Watch = &WatchConfig{}
		}
		c.Watch.APIToken = v
	}

	// Doppler project override applies to every doppler provider in the chain.
	if v := os.Getenv("DOPPLER_PROJECT"); v != "" {
		if c.Secrets == nil {
			c.Secrets = &SecretsConfig{Providers: []SecretProviderConfig{{Type: "doppler"}}}
		}
		for i := range c.Secrets.Providers {
			p := &c.Secrets.Providers[i]
			if p.Type != "doppler" {
				continue
			}
			if p.Config == nil {
				p.Config = make(map[string]string)
			}
			p.Config["project"] = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".tunnelsecrets", "data")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.DefaultSelector == "" {
		c.DefaultSelector = "dev"
	}
	if c.CredentialsDir == "" {
		c.CredentialsDir = "cloudflare"
	}
	if len(c.Environments) == 0 {
		c.Environments = DefaultEnvironments()
	}
	if c.Secrets == nil || len(c.Secrets.Providers) == 0 {
		c.Secrets = &SecretsConfig{Providers: []SecretProviderConfig{{Type: "doppler"}}}
	}
	if c.Validator.Type == "" {
		c.Validator.Type = "auto"
	}
	if len(c.Validator.Command) == 0 {
		c.Validator.Command = DefaultValidatorCommand()
	}
}

// ApplyWatchDefaults turns on metrics for watch mode unless the config
// sets observability.metrics itself. Readiness checks come with it.
func (c *Config) ApplyWatchDefaults() {
	if c.Observability == nil {
		c.Observability = &ObservabilityConfig{}
	}
	if c.Observability.Metrics == nil {
		c.Observability.Metrics = &MetricsConfig{Enabled: true}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite history database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "history.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Environment returns the target with the given name.
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	for _, e := range c.Environments {
		if e.Name == name {
			return e, true
		}
	}
	return EnvironmentConfig{}, false
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q is not supported (use json or text)", c.LogFormat)
	}
	if !workspace.IsContained(c.CredentialsDir) {
		return fmt.Errorf("credentials_dir %q must be a relative path inside the project root", c.CredentialsDir)
	}

	names := make(map[string]bool, len(c.Environments))
	files := make(map[string]bool, len(c.Environments))
	for i, e := range c.Environments {
		if e.Name == "" {
			return fmt.Errorf("environments[%d].name is required", i)
		}
		if names[e.Name] {
			return fmt.Errorf("environments[%d]: duplicate name %q", i, e.Name)
		}
		names[e.Name] = true
		if e.ConfigFile == "" {
			return fmt.Errorf("environments[%d] (%q): config_file is required", i, e.Name)
		}
		if !workspace.IsContained(e.ConfigFile) {
			return fmt.Errorf("environments[%d] (%q): config_file %q must be a relative path inside the project root", i, e.Name, e.ConfigFile)
		}
		clean := filepath.Clean(e.ConfigFile)
		if files[clean] {
			return fmt.Errorf("environments[%d] (%q): config_file %q is used by another environment", i, e.Name, e.ConfigFile)
		}
		files[clean] = true
		if e.ConfigSecret == "" || e.CredentialsSecret == "" {
			return fmt.Errorf("environments[%d] (%q): config_secret and credentials_secret are required", i, e.Name)
		}
		if e.BackendPort > 65535 {
			return fmt.Errorf("environments[%d] (%q): backend_port %d is out of range", i, e.Name, e.BackendPort)
		}
	}

	for i, p := range c.Secrets.Providers {
		switch p.Type {
		case "doppler", "env", "vault":
		default:
			return fmt.Errorf("secrets.providers[%d].type %q is not supported (use doppler, env or vault)", i, p.Type)
		}
	}

	switch c.Validator.Type {
	case "auto", "command", "ingress", "none":
	default:
		return fmt.Errorf("validator.type %q is not supported (use auto, command, ingress or none)", c.Validator.Type)
	}
	if c.Validator.TimeoutSeconds < 0 {
		return fmt.Errorf("validator.timeout_seconds must not be negative")
	}

	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite", "none":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}

	if n := c.Notifications; n != nil {
		switch n.On {
		case "", "failure", "warning", "always":
		default:
			return fmt.Errorf("notifications.on %q is not supported (use failure, warning or always)", n.On)
		}
		for i, ch := range n.Channels {
			switch ch.Type {
			case "webhook", "slack":
			default:
				return fmt.Errorf("notifications.channels[%d].type %q is not supported (use webhook or slack)", i, ch.Type)
			}
		}
	}

	if _, err := ParseSchedule(c.Watch.CronSchedule()); err != nil {
		return fmt.Errorf("watch.schedule: %w", err)
	}
	return nil
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
