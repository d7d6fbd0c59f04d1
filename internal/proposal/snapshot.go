package proposal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type fileSnapshot struct {
	Path    string
	Existed bool
	Content []byte
	Mode    os.FileMode
}

// snapshot records the pre-approval state of every path an approval touches
// so a failed approval can put the tree back.
type snapshot struct {
	root  string
	order []string
	files map[string]fileSnapshot
}

func newSnapshot(root string) *snapshot {
	return &snapshot{
		root:  strings.TrimSpace(root),
		order: make([]string, 0, 8),
		files: make(map[string]fileSnapshot),
	}
}

func (s *snapshot) capture(rel string) error {
	abs, err := resolveInRoot(s.root, rel)
	if err != nil {
		return err
	}
	if _, ok := s.files[abs]; ok {
		return nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.order = append(s.order, abs)
			s.files[abs] = fileSnapshot{Path: abs}
			return nil
		}
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", rel, err)
	}
	s.order = append(s.order, abs)
	s.files[abs] = fileSnapshot{Path: abs, Existed: true, Content: data, Mode: info.Mode().Perm()}
	return nil
}

// restore rewrites captured files and removes ones that did not exist.
// It keeps going past individual failures and reports them together.
func (s *snapshot) restore() error {
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		snap := s.files[s.order[i]]
		if snap.Existed {
			mode := snap.Mode
			if mode == 0 {
				mode = 0o644
			}
			if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
				errs = append(errs, fmt.Errorf("restore mkdir %s: %w", filepath.Dir(snap.Path), err))
				continue
			}
			if err := os.WriteFile(snap.Path, snap.Content, mode); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", snap.Path, err))
			}
			continue
		}
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", snap.Path, err))
		}
	}
	return errors.Join(errs...)
}

var errPathOutsideApp = errors.New("path outside app directory")

func resolveInRoot(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if root == "" || rel == "" {
		return "", fmt.Errorf("empty path")
	}
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, filepath.FromSlash(rel))
	}
	abs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if r == "." || r == ".." || strings.HasPrefix(r, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errPathOutsideApp, rel)
	}
	if r == ".git" || strings.HasPrefix(r, ".git"+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", errPathOutsideApp, rel)
	}
	return abs, nil
}
