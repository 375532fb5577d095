package validator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/tunnelsecrets/internal/runner"
)

// ConfigPlaceholder is replaced by the config file path in command arguments.
const ConfigPlaceholder = "{config}"

// CommandValidator runs an external validator binary. The config path is
// substituted into the argv template; when no argument carries the
// placeholder the path is appended as the last argument.
type CommandValidator struct {
	argv    []string
	timeout time.Duration
	runner  runner.Runner
}

// NewCommandValidator creates a validator that runs argv through r.
func NewCommandValidator(argv []string, timeout time.Duration, r runner.Runner) (*CommandValidator, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("validator command is empty")
	}
	if r == nil {
		return nil, fmt.Errorf("command validator requires a command runner")
	}
	return &CommandValidator{argv: argv, timeout: timeout, runner: r}, nil
}

func (v *CommandValidator) Name() string { return v.argv[0] }

func (v *CommandValidator) Validate(ctx context.Context, req Request) (*Result, error) {
	res, err := v.runner.Run(ctx, runner.Command{Args: v.args(req.Path), Timeout: v.timeout})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", v.argv[0], err)
	}

	output := strings.TrimSpace(string(bytes.Join([][]byte{res.Stdout, res.Stderr}, []byte("\n"))))
	result := &Result{Validator: v.Name(), Valid: res.Success(), Output: output}
	if !res.Success() {
		msg := firstLine(string(res.Stderr))
		if msg == "" {
			msg = firstLine(string(res.Stdout))
		}
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d", v.argv[0], res.ExitCode)
		}
		result.Warnings = []string{msg}
	}
	return result, nil
}

func (v *CommandValidator) args(path string) []string {
	args := make([]string, 0, len(v.argv)+1)
	substituted := false
	for _, a := range v.argv {
		if strings.Contains(a, ConfigPlaceholder) {
			a = strings.ReplaceAll(a, ConfigPlaceholder, path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}
	return args
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
