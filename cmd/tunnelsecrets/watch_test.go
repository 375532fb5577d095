package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/tunnelsecrets/internal/config"
	"github.com/jkaninda/tunnelsecrets/internal/observability"
)

func TestWatchDefaultConfigServesMetricsAndLastRun(t *testing.T) {
	for _, k := range []string{
		"TUNNELSECRETS_ROOT",
		"TUNNELSECRETS_DATA_DIR",
		"TUNNELSECRETS_LOG_LEVEL",
		"TUNNELSECRETS_DEFAULT_SELECTOR",
		"TUNNELSECRETS_HISTORY_DSN",
		"DOPPLER_PROJECT",
	} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Root = dir
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Secrets = &config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "env"}}}
	cfg.Storage = &config.StorageConfig{Driver: "none"}

	w, err := newWatch(cfg, slog.New(slog.DiscardHandler), io.Discard, "dev")
	if err != nil {
		t.Fatalf("newWatch: %v", err)
	}
	t.Cleanup(w.sc.Cleanup)

	ts := httptest.NewServer(w.api.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "tunnelsecrets_scheduler_tick_duration_seconds") {
		t.Errorf("/metrics missing scheduler metrics:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d", resp.StatusCode)
	}
	var status observability.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	check, ok := status.Checks["last_run"]
	if !ok {
		t.Fatalf("readiness checks = %+v, want last_run", status.Checks)
	}
	if check.Status != "ok" {
		t.Errorf("last_run = %+v before any run", check)
	}
}

func TestWatchKeepsExplicitMetricsSetting(t *testing.T) {
	cfg := &config.Config{Observability: &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: false},
	}}
	cfg.ApplyWatchDefaults()
	if cfg.Observability.Metrics.Enabled {
		t.Error("explicitly disabled metrics were enabled")
	}

	cfg = &config.Config{}
	cfg.ApplyWatchDefaults()
	if cfg.Observability == nil || cfg.Observability.Metrics == nil || !cfg.Observability.Metrics.Enabled {
		t.Errorf("metrics not enabled by default: %+v", cfg.Observability)
	}
}

func TestWithDirDefaultsToRoot(t *testing.T) {
	src := map[string]string{"project": "refrakt"}
	got := withDir(src, "/srv/app")
	if got["dir"] != "/srv/app" || got["project"] != "refrakt" {
		t.Errorf("withDir = %v", got)
	}
	if _, ok := src["dir"]; ok {
		t.Error("withDir mutated its input")
	}
	if got := withDir(map[string]string{"dir": "/elsewhere"}, "/srv/app"); got["dir"] != "/elsewhere" {
		t.Errorf("explicit dir overridden: %v", got)
	}
	if got := withDir(nil, "/srv/app"); got["dir"] != "/srv/app" {
		t.Errorf("withDir(nil) = %v", got)
	}
}
