package notification

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

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
	"github.com/jkaninda/tunnelsecrets/internal/secrets"
)

func failedReport() *materializer.Report {
	return &materializer.Report{
		ID:       "run-1",
		Selector: secrets.Dev,
		Steps: []materializer.StepResult{
			{Step: materializer.StepConfig, Path: "dev.yml", Outcome: materializer.Written, Bytes: 10},
			{Step: materializer.StepConfig, Path: "prod.yml", Outcome: materializer.Failed, Err: errors.New("permission denied")},
			{Step: materializer.StepValidate, Path: "dev.yml", Outcome: materializer.Warning, Reason: "no ingress rules"},
		},
	}
}

func TestShouldNotify(t *testing.T) {
	ok := &materializer.Report{Steps: []materializer.StepResult{{Outcome: materializer.Written}}}
	warn := &materializer.Report{Steps: []materializer.StepResult{{Outcome: materializer.Warning}}}

	tests := []struct {
		name   string
		on     string
		report *materializer.Report
		err    error
		want   bool
	}{
		{"ok on failure", OnFailure, ok, nil, false},
		{"failed step", OnFailure, failedReport(), nil, true},
		{"fatal error", OnFailure, ok, errors.New("mkdir"), true},
		{"warning on failure", OnFailure, warn, nil, false},
		{"warning on warning", OnWarning, warn, nil, true},
		{"ok on warning", OnWarning, ok, nil, false},
		{"ok on always", OnAlways, ok, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldNotify(tt.on, tt.report, tt.err); got != tt.want {
				t.Errorf("ShouldNotify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunMessage(t *testing.T) {
	msg := RunMessage("/srv/app", failedReport(), nil)
	if msg.Subject != "tunnelsecrets run failed: /srv/app" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if strings.Contains(msg.Body, "✔") {
		t.Errorf("written steps should not be listed:\n%s", msg.Body)
	}
	for _, want := range []string{"prod.yml", "no ingress rules", "done: 1 written, 0 skipped, 1 warnings, 1 failed"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
	if msg.Metadata["run_id"] != "run-1" || msg.Metadata["selector"] != "dev" || msg.Metadata["status"] != "failed" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   string
	status int
}

func (c *capture) server(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auth = r.Header.Get("Authorization")
		status := c.status
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestWebhookSender(t *testing.T) {
	var c capture
	ts := c.server(t, "")

	s, err := NewWebhookSender(ts.URL + "/hook")
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(OnFailure, nil, s)
	d.NotifyRun(context.Background(), "/srv/app", failedReport(), nil)

	if len(c.bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(c.bodies))
	}
	if c.bodies[0]["subject"] != "tunnelsecrets run failed: /srv/app" {
		t.Errorf("payload = %v", c.bodies[0])
	}

	// A clean run does not notify under the failure policy.
	d.NotifyRun(context.Background(), "/srv/app", &materializer.Report{}, nil)
	if len(c.bodies) != 1 {
		t.Errorf("requests = %d, want 1", len(c.bodies))
	}
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	c := capture{status: http.StatusBadGateway}
	ts := c.server(t, "upstream down")

	s, err := NewWebhookSender(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = NewDispatcher(OnAlways, nil, s).Notify(context.Background(), &Message{Subject: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want a 502 error", err)
	}
}

func TestNewWebhookSender_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "http://"} {
		if _, err := NewWebhookSender(u); err == nil {
			t.Errorf("NewWebhookSender(%q) succeeded", u)
		}
	}
}

func TestSlackSender_Webhook(t *testing.T) {
	var c capture
	ts := c.server(t, "ok")

	s, err := NewSlackSender(map[string]string{"webhook_url": ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), &Message{Subject: "alert", Body: "details"}); err != nil {
		t.Fatal(err)
	}
	if c.bodies[0]["text"] != "*alert*\ndetails" {
		t.Errorf("payload = %v", c.bodies[0])
	}
}

func TestSlackSender_API(t *testing.T) {
	var c capture
	ts := c.server(t, `{"ok":false,"error":"channel_not_found"}`)

	s, err := NewSlackSender(map[string]string{"token": "xoxb-1", "channel_id": "C1"})
	if err != nil {
		t.Fatal(err)
	}
	s.apiURL = ts.URL

	err = s.Send(context.Background(), &Message{Body: "details"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("err = %v, want channel_not_found", err)
	}
	if c.auth != "Bearer xoxb-1" || c.bodies[0]["channel"] != "C1" {
		t.Errorf("auth = %q, payload = %v", c.auth, c.bodies[0])
	}
}

func TestNewSlackSender_MissingConfig(t *testing.T) {
	if _, err := NewSlackSender(map[string]string{"token": "xoxb-1"}); err == nil {
		t.Error("expected an error without channel_id")
	}
}
