package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/observability"
	"github.com/jkaninda/tunnelsecrets/internal/scheduler"
	"github.com/jkaninda/tunnelsecrets/internal/secrets"
	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

type memoryRuns struct {
	mu   sync.Mutex
	runs []storage.Run
	err  error
}

func (m *memoryRuns) Save(_ context.Context, run *storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memoryRuns) Get(_ context.Context, project string, id uuid.UUID) (*storage.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id && m.runs[i].Project == project {
			run := m.runs[i]
			return &run, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memoryRuns) List(_ context.Context, project string, limit int) ([]storage.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.Run
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].Project == project {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *memoryRuns) Prune(context.Context, string, int) (int64, error) { return 0, nil }

type fakeTrigger struct {
	report *materializer.Report
	err    error
	calls  int
	ctxErr error // ctx.Err() seen by the last call.
}

func (f *fakeTrigger) Trigger(ctx context.Context) (*materializer.Report, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	return f.report, f.err
}

func (f *fakeTrigger) Status() scheduler.Status {
	return scheduler.Status{Schedule: "*/15 * * * *"}
}

func newTestServer(t *testing.T, cfg Config, runs storage.RunStore, trig Trigger) *httptest.Server {
	t.Helper()
	s := New(cfg, nil)
	if runs != nil {
		s.WithRuns(runs, "/srv/app")
	}
	if trig != nil {
		s.WithTrigger(trig)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLiveness(t *testing.T) {
	ts := newTestServer(t, Config{APIToken: "secret"}, nil, nil)
	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadiness_Degraded(t *testing.T) {
	hc := observability.NewHealthChecker(nil)
	hc.AddCheck("history", func(context.Context) error { return errors.New("database is locked") })
	ts := newTestServer(t, Config{HealthChecker: hc}, nil, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/readyz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body observability.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["history"].Status != "fail" {
		t.Errorf("history check = %+v", body.Checks["history"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	metrics.RunsTotal.WithLabelValues("dev", "ok").Inc()
	ts := newTestServer(t, Config{MetricsRegistry: metrics.Registry}, nil, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "tunnelsecrets_run_total") {
		t.Error("metrics output missing run counter")
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, Config{APIToken: "secret"}, &memoryRuns{}, nil)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs", tt.token)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRunList(t *testing.T) {
	runs := &memoryRuns{}
	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = runs.Save(context.Background(), &storage.Run{
			ID: uuid.New(), Project: "/srv/app", Selector: "prod", Status: "ok",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		})
	}
	_ = runs.Save(context.Background(), &storage.Run{ID: uuid.New(), Project: "/srv/other"})
	ts := newTestServer(t, Config{}, runs, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got []storage.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].StartedAt.After(got[1].StartedAt) {
		t.Error("runs should be newest first")
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/v1/runs?limit=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestRunList_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t, Config{}, &memoryRuns{}, nil)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs", "")
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("body = %q, want []", buf.String())
	}
}

func TestRunList_HistoryDisabled(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, nil)
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRunGet(t *testing.T) {
	runs := &memoryRuns{}
	id := uuid.New()
	_ = runs.Save(context.Background(), &storage.Run{
		ID: id, Project: "/srv/app", Selector: "dev",
		Steps: []storage.Step{{Step: "config", Path: "dev.yml", Outcome: "written", Bytes: 10}},
	})
	ts := newTestServer(t, Config{}, runs, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+id.String(), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got storage.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != id || len(got.Steps) != 1 || got.Steps[0].Path != "dev.yml" {
		t.Errorf("run = %+v", got)
	}

	if resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/"+uuid.NewString(), ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodGet, ts.URL+"/v1/runs/not-a-uuid", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", resp.StatusCode)
	}
}

func TestRunTrigger(t *testing.T) {
	trig := &fakeTrigger{report: &materializer.Report{
		ID:             uuid.NewString(),
		Selector:       secrets.Prod,
		SelectorSource: materializer.SelectorFromArgument,
		Steps: []materializer.StepResult{
			{Step: materializer.StepConfig, Path: "prod.yml", Outcome: materializer.Written, Bytes: 5},
		},
	}}
	ts := newTestServer(t, Config{APIToken: "secret"}, nil, trig)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/runs", "secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got storage.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Trigger != storage.TriggerAPI || got.Selector != "prod" || got.Written != 1 {
		t.Errorf("run = %+v", got)
	}
	if trig.calls != 1 {
		t.Errorf("trigger calls = %d, want 1", trig.calls)
	}
}

func TestRunTrigger_SurvivesClientDisconnect(t *testing.T) {
	trig := &fakeTrigger{report: &materializer.Report{ID: uuid.NewString()}}
	s := New(Config{}, nil).WithTrigger(trig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if trig.calls != 1 {
		t.Fatalf("trigger calls = %d, want 1", trig.calls)
	}
	if trig.ctxErr != nil {
		t.Errorf("run context cancelled with the request: %v", trig.ctxErr)
	}
}

func TestRunTrigger_FatalError(t *testing.T) {
	trig := &fakeTrigger{err: errors.New("creating credentials directory: permission denied")}
	ts := newTestServer(t, Config{}, nil, trig)

	resp := doRequest(t, http.MethodPost, ts.URL+"/v1/runs", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRunTrigger_RateLimited(t *testing.T) {
	trig := &fakeTrigger{report: &materializer.Report{ID: uuid.NewString()}}
	ts := newTestServer(t, Config{TriggerPerMinute: 1}, nil, trig)

	if resp := doRequest(t, http.MethodPost, ts.URL+"/v1/runs", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first trigger status = %d", resp.StatusCode)
	}
	if resp := doRequest(t, http.MethodPost, ts.URL+"/v1/runs", ""); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second trigger status = %d, want 429", resp.StatusCode)
	}
	if trig.calls != 1 {
		t.Errorf("trigger calls = %d, want 1", trig.calls)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, Config{}, nil, &fakeTrigger{})
	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Schedule != "*/15 * * * *" {
		t.Errorf("schedule = %q", st.Schedule)
	}

	ts = newTestServer(t, Config{}, nil, nil)
	if resp := doRequest(t, http.MethodGet, ts.URL+"/v1/status", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status without scheduler = %d, want 503", resp.StatusCode)
	}
}
