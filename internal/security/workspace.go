package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrPathOutsideWorkspace = errors.New("path outside app directory")
	ErrProtectedPath        = errors.New("path is reserved")
)

// protectedDirs may be read by nobody but the engine itself.
var protectedDirs = []string{".git", ".appforge"}

// Workspace confines tool paths to one app directory.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("app directory is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs app directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not created yet, or not resolvable: keep the absolute path.
		resolved = abs
	}
	return &Workspace{root: resolved}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a model-supplied path to an absolute path inside the app.
// Symlinks that lead outside, and the reserved directories, are rejected.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	if target == "" {
		target = w.root
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, filepath.FromSlash(target))
	}

	resolved, err := resolveWithParentSymlink(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	if isProtected(rel) {
		return "", fmt.Errorf("%w: %s", ErrProtectedPath, filepath.ToSlash(rel))
	}
	return resolved, nil
}

// Rel resolves path and returns it relative to the app root, slash-separated.
func (w *Workspace) Rel(path string) (string, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	if rel == "." {
		return "", fmt.Errorf("%w: app root", ErrProtectedPath)
	}
	return filepath.ToSlash(rel), nil
}

// Skip reports whether a directory walk should not descend into rel.
func Skip(rel string) bool {
	base := filepath.Base(rel)
	return base == "node_modules" || isProtected(rel)
}

func isProtected(rel string) bool {
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	for _, d := range protectedDirs {
		if first == d {
			return true
		}
	}
	return false
}

func resolveWithParentSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}

	// The target may not exist yet; resolve the nearest parent instead.
	parent := filepath.Dir(path)
	base := filepath.Base(path)
	parentResolved, perr := resolveWithParentSymlink(parent)
	if perr != nil {
		return "", perr
	}
	return filepath.Join(parentResolved, base), nil
}
