// Package workspace resolves and writes the files tunnelsecrets manages
// under a project root: the materialized tunnel configs and the
// credentials directory next to them.
//
// All paths handed to a Workspace are relative to its Root. Names derived
// from secret content (tunnel identifiers) are checked with SafeName before
// they are joined into a path.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// FileMode is used for every materialized file. The content is secret.
	FileMode os.FileMode = 0600
	// DirMode is used for the credentials directory.
	DirMode os.FileMode = 0700
)

// ErrUnsafeName is returned when a derived file name would escape its directory.
var ErrUnsafeName = errors.New("unsafe file name")

// Workspace is a project root on the local filesystem.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory. The root must already exist
// and be a directory.
func New(root string) (*Workspace, error) {
	if root == "" {
		root = "."
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", resolved)
	}
	return &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}, nil
}

// Path returns the absolute path of rel under the root.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Root, rel)
}

// EnsureDir creates <root>/<rel> with DirMode if it does not exist.
// An existing directory is not an error.
func (w *Workspace) EnsureDir(rel string) (string, error) {
	p := w.Path(rel)
	if err := w.ensureDir(p, DirMode); err != nil {
		return "", err
	}
	return p, nil
}

// FileExists reports whether <root>/<rel> is an existing regular file.
func (w *Workspace) FileExists(rel string) bool {
	info, err := os.Stat(w.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// WriteFile creates or truncates <root>/<rel> and writes data to it
// unchanged. The file ends up with FileMode even if it already existed
// with wider permissions.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	p := w.Path(rel)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FileMode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	if err := f.Chmod(FileMode); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", p, err)
	}
	return nil
}

// CredentialPath returns the root-relative path "<dir>/<id>.json".
// The identifier must pass SafeName.
func CredentialPath(dir, id string) (string, error) {
	if err := SafeName(id); err != nil {
		return "", err
	}
	return filepath.Join(dir, id+".json"), nil
}

// SafeName rejects names that are empty, dot entries, or that contain a
// path separator or "..".
func SafeName(name string) error {
	switch {
	case name == "", name == ".":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q contains \"..\"", ErrUnsafeName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrUnsafeName, name)
	}
	return nil
}

// IsContained reports whether rel stays inside the root once cleaned.
func IsContained(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}
	clean := filepath.Clean(rel)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return nil
		}
		delete(w.created, path)
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
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
