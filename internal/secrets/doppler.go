package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/runner"
)

const defaultDopplerCommand = "doppler"

// DopplerProvider reads secrets through the Doppler CLI.
//
// Lookups run `doppler secrets get NAME --json [--config SEL] [--project P]`
// and read the "computed" field nested under NAME in the JSON response:
//
//	{"NAME": {"computed": "...", "raw": "...", "note": ""}}
//
// A non-zero exit, empty output or an empty computed value means the
// secret does not exist.
type DopplerProvider struct {
	command string
	project string
	dir     string
	timeout time.Duration
	runner  runner.Runner
}

// NewDopplerProvider creates a CLI-backed provider from config.
//
// Supported config keys:
//   - command: client binary (default: "doppler")
//   - project: Doppler project (overridden by DOPPLER_PROJECT when set by the caller)
//   - dir: working directory the CLI resolves its scoped setup from (default: process directory)
//   - timeout: per-invocation timeout, e.g. "15s" (default: runner default)
func NewDopplerProvider(cfg map[string]string, r runner.Runner) (*DopplerProvider, error) {
	if r == nil {
		return nil, fmt.Errorf("doppler provider requires a command runner")
	}
	command := cfg["command"]
	if command == "" {
		command = defaultDopplerCommand
	}
	var timeout time.Duration
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid doppler timeout %q: %w", t, err)
		}
		timeout = d
	}
	return &DopplerProvider{
		command: command,
		project: cfg["project"],
		dir:     cfg["dir"],
		timeout: timeout,
		runner:  r,
	}, nil
}

func (p *DopplerProvider) Name() string { return "doppler" }

func (p *DopplerProvider) Fetch(ctx context.Context, sel Selector, name string) (*Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrSecretNotFound)
	}

	args := []string{p.command, "secrets", "get", name, "--json"}
	args = append(args, p.scopeArgs(sel)...)

	res, err := p.runner.Run(ctx, runner.Command{Args: args, Dir: p.dir, Timeout: p.timeout})
	if err != nil {
		return nil, fmt.Errorf("doppler lookup of %q: %w", name, err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("%w: doppler exited %d for %q", ErrSecretNotFound, res.ExitCode, name)
	}
	if len(bytes.TrimSpace(res.Stdout)) == 0 {
		return nil, fmt.Errorf("%w: doppler returned no data for %q", ErrSecretNotFound, name)
	}

	value, err := ExtractComputed(res.Stdout, name)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: %q has an empty value", ErrSecretNotFound, name)
	}

	metadata := map[string]string{"source": "doppler", "selector": sel.String()}
	if p.project != "" {
		metadata["project"] = p.project
	}
	return &Secret{Value: value, Metadata: metadata}, nil
}

// DefaultSelector returns the config the Doppler CLI is set up to use in
// its working directory (`doppler configure get config --plain`).
func (p *DopplerProvider) DefaultSelector(ctx context.Context) (Selector, error) {
	res, err := p.runner.Run(ctx, runner.Command{
		Args:    []string{p.command, "configure", "get", "config", "--plain"},
		Dir:     p.dir,
		Timeout: p.timeout,
	})
	if err != nil {
		return Current, fmt.Errorf("querying doppler default config: %w", err)
	}
	if !res.Success() {
		return Current, fmt.Errorf("doppler configure exited %d", res.ExitCode)
	}
	sel := strings.TrimSpace(string(res.Stdout))
	if sel == "" {
		return Current, fmt.Errorf("doppler has no default config")
	}
	return Selector(sel), nil
}

func (p *DopplerProvider) scopeArgs(sel Selector) []string {
	var args []string
	if !sel.IsCurrent() {
		args = append(args, "--config", string(sel))
	}
	if p.project != "" {
		args = append(args, "--project", p.project)
	}
	return args
}

// ExtractComputed pulls the "computed" value nested under name out of a
// Doppler JSON response. The value is returned exactly as stored: no
// whitespace is trimmed.
func ExtractComputed(body []byte, name string) ([]byte, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing doppler response for %q: %w", name, err)
	}
	raw, ok := envelope[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %q missing from doppler response", ErrSecretNotFound, name)
	}

	var entry struct {
		Computed *string `json:"computed"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("parsing doppler entry %q: %w", name, err)
	}
	if entry.Computed == nil {
		return nil, fmt.Errorf("%w: %q has no computed value", ErrSecretNotFound, name)
	}
	return []byte(*entry.Computed), nil
}
