// Package notification sends run alerts through configured channels
// (generic webhook, Slack).
//
// Messages carry step paths, secret names and reasons. Secret values never
// reach a notification.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/tunnelsecrets/internal/materializer"
)

// Notify policies.
const (
	OnFailure = "failure" // Failed steps or a fatal run error.
	OnWarning = "warning" // OnFailure plus validation warnings.
	OnAlways  = "always"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Send delivers a message to the channel.
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload sent through a notification channel.
type Message struct {
	Subject  string
	Body     string            // Plain text body.
	Metadata map[string]string // run_id, project, selector, status.
}

// Dispatcher fans a message out to every registered channel.
// Safe for concurrent use once built.
type Dispatcher struct {
	senders []Sender
	on      string
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with the given policy (default OnFailure).
func NewDispatcher(on string, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if on == "" {
		on = OnFailure
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{senders: senders, on: on, logger: logger}
}

// Notify sends msg to every channel. Returns the joined per-channel errors.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, msg); err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			continue
		}
		d.logger.InfoContext(ctx, "notification sent", slog.String("type", s.Type()))
	}
	return errors.Join(errs...)
}

// NotifyRun sends a run alert when the dispatcher's policy matches.
func (d *Dispatcher) NotifyRun(ctx context.Context, project string, report *materializer.Report, runErr error) {
	if d == nil || len(d.senders) == 0 || !ShouldNotify(d.on, report, runErr) {
		return
	}
	_ = d.Notify(ctx, RunMessage(project, report, runErr))
}

// ShouldNotify reports whether a run outcome matches the policy.
func ShouldNotify(on string, report *materializer.Report, runErr error) bool {
	if runErr != nil || (report != nil && report.Failed()) {
		return true
	}
	switch on {
	case OnAlways:
		return true
	case OnWarning:
		return report != nil && report.Count(materializer.Warning) > 0
	}
	return false
}

// RunMessage renders a run as a notification. Only failed and warning
// steps are listed.
func RunMessage(project string, report *materializer.Report, runErr error) *Message {
	status := "ok"
	switch {
	case runErr != nil || (report != nil && report.Failed()):
		status = "failed"
	case report != nil && report.Count(materializer.Warning) > 0:
		status = "warning"
	}

	msg := &Message{
		Subject:  fmt.Sprintf("tunnelsecrets run %s: %s", status, project),
		Metadata: map[string]string{"project": project, "status": status},
	}

	var b strings.Builder
	if runErr != nil {
		fmt.Fprintf(&b, "error: %v\n", runErr)
	}
	if report != nil {
		msg.Metadata["run_id"] = report.ID
		msg.Metadata["selector"] = report.Selector.String()
		for _, s := range report.Steps {
			if s.Outcome == materializer.Failed || s.Outcome == materializer.Warning {
				b.WriteString(s.String())
				b.WriteByte('\n')
			}
		}
		b.WriteString(report.Summary())
	}
	msg.Body = strings.TrimRight(b.String(), "\n")
	return msg
}
