package runner

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProcessRunner_CapturesOutput(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "printf 'out'; printf 'err' 1>&2"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "out" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out")
	}
	if string(res.Stderr) != "err" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err")
	}
	if !res.Success() {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestProcessRunner_NonZeroExitIsResult(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Success() {
		t.Error("Success() = true for exit 3")
	}
}

func TestProcessRunner_ArgumentsAreNotInterpolated(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)

	// $1 is printed verbatim; a shell-string runner would expand the substitution.
	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", `printf '%s' "$1"`, "_", "$(echo pwned)"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "$(echo pwned)" {
		t.Errorf("Stdout = %q, want literal argument", res.Stdout)
	}
}

func TestProcessRunner_Env(t *testing.T) {
	t.Setenv("RUNNER_INHERITED", "from-parent")
	r := NewProcessRunner(ProcessConfig{}, nil)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", `printf '%s:%s' "$RUNNER_INHERITED" "$RUNNER_EXTRA"`},
		Env:  map[string]string{"RUNNER_EXTRA": "extra"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "from-parent:extra" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "from-parent:extra")
	}
}

func TestProcessRunner_Dir(t *testing.T) {
	dir := t.TempDir()
	r := NewProcessRunner(ProcessConfig{}, nil)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "pwd -P"},
		Dir:  dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if filepath.Base(strings.TrimSpace(string(res.Stdout))) != filepath.Base(dir) {
		t.Errorf("pwd = %q, want suffix of %q", res.Stdout, dir)
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), Command{
		Args:    []string{"/bin/sh", "-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process group was not killed promptly")
	}
}

func TestProcessRunner_NotInstalled(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)

	_, err := r.Run(context.Background(), Command{
		Args: []string{"tunnelsecrets-definitely-missing-binary"},
	})
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("expected ErrNotInstalled, got %v", err)
	}
}

func TestProcessRunner_EmptyCommand(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, nil)
	if _, err := r.Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestProcessRunner_OutputCap(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{MaxOutputBytes: 4}, nil)

	res, err := r.Run(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "printf 'abcdefgh'"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "abcd" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "abcd")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = lw.Write([]byte("defg"))
	if err != nil || n != 4 {
		t.Fatalf("Write = %d, %v; short writes must not be reported", n, err)
	}
	n, err = lw.Write([]byte("xyz"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want %q", buf.String(), "abcde")
	}
}

func TestBuildEnv_Deterministic(t *testing.T) {
	env := buildEnv([]string{"A=1"}, map[string]string{"C": "3", "B": "2"})
	want := []string{"A=1", "B=2", "C=3"}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
