// Package versions records approved changes as git commits and moves an app's
// working tree between them. Every operation shells out to `git -C <repo>`.
package versions

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const mainBranch = "main"

// ErrGitUnavailable is returned when no git binary is on PATH.
var ErrGitUnavailable = errors.New("git not installed")

// VCSError carries the failing git operation, the paths git complained about
// and its combined output.
type VCSError struct {
	Op     string
	Paths  []string
	Output string
	Err    error
}

func (e *VCSError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, out)
}

func (e *VCSError) Unwrap() error { return e.Err }

// Version is one commit on the app's main branch.
type Version struct {
	OID         string    `json:"oid"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	DBTimestamp string    `json:"db_timestamp,omitempty"`
	Favorite    bool      `json:"favorite"`
}

// Store serializes mutating operations per repository. Different repositories
// never share a lock.
type Store struct {
	locks     sync.Map // repo path -> *sync.Mutex
	checkouts singleflight.Group
	logger    *slog.Logger

	authorName  string
	authorEmail string
}

// New creates a Store committing as the given author.
func New(authorName, authorEmail string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(authorName) == "" {
		authorName = "appforge"
	}
	if strings.TrimSpace(authorEmail) == "" {
		authorEmail = "appforge@localhost"
	}
	return &Store{logger: logger, authorName: authorName, authorEmail: authorEmail}
}

// Available reports whether git can be executed.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

func (s *Store) lock(repo string) func() {
	v, _ := s.locks.LoadOrStore(filepath.Clean(repo), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) git(ctx context.Context, repo, op string, args ...string) (string, error) {
	if !Available() {
		return "", ErrGitUnavailable
	}
	cmdArgs := append([]string{"-C", repo}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+s.authorName,
		"GIT_AUTHOR_EMAIL="+s.authorEmail,
		"GIT_COMMITTER_NAME="+s.authorName,
		"GIT_COMMITTER_EMAIL="+s.authorEmail,
		"GIT_TERMINAL_PROMPT=0",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &VCSError{Op: op, Paths: conflictPaths(string(out)), Output: string(out), Err: err}
	}
	return string(out), nil
}

// Init turns repo into a git repository on branch main with an initial commit.
// It is a no-op for an existing repository.
func (s *Store) Init(ctx context.Context, repo string) error {
	unlock := s.lock(repo)
	defer unlock()

	if _, err := os.Stat(filepath.Join(repo, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(repo, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	if _, err := s.git(ctx, repo, "init", "init", "-q", "-b", mainBranch); err != nil {
		return err
	}
	// Chat backups and the app database live in .appforge and are never versioned.
	ignore := filepath.Join(repo, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(".appforge/\n"), 0o644); err != nil {
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}
	if _, err := s.git(ctx, repo, "add", "add", "-A"); err != nil {
		return err
	}
	_, err := s.git(ctx, repo, "commit", "commit", "-q", "--allow-empty", "-m", "Init")
	return err
}

// Head returns the commit the working tree is on.
func (s *Store) Head(ctx context.Context, repo string) (string, error) {
	out, err := s.git(ctx, repo, "rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Dirty lists paths with uncommitted changes, untracked files included.
func (s *Store) Dirty(ctx context.Context, repo string) ([]string, error) {
	out, err := s.git(ctx, repo, "status", "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelainZ(out), nil
}

// Commit stages paths and records exactly one commit, even when nothing
// changed. Dirty files outside paths are left unstaged.
func (s *Store) Commit(ctx context.Context, repo string, paths []string, message string) (string, error) {
	unlock := s.lock(repo)
	defer unlock()
	return s.commitLocked(ctx, repo, paths, message)
}

func (s *Store) commitLocked(ctx context.Context, repo string, paths []string, message string) (string, error) {
	stage, err := s.stageable(ctx, repo, paths)
	if err != nil {
		return "", err
	}
	if len(stage) > 0 {
		args := append([]string{"add", "-A", "--"}, stage...)
		if _, err := s.git(ctx, repo, "add", args...); err != nil {
			return "", err
		}
	}
	if _, err := s.git(ctx, repo, "commit", "commit", "-q", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	head, err := s.Head(ctx, repo)
	if err != nil {
		return "", err
	}
	s.logger.Info("version committed",
		slog.String("repo", repo),
		slog.String("oid", head),
		slog.Int("paths", len(stage)),
	)
	return head, nil
}

// stageable drops paths that exist neither on disk nor in the index, since
// `git add` rejects them.
func (s *Store) stageable(ctx context.Context, repo string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"ls-files", "-z", "--"}, paths...)
	out, err := s.git(ctx, repo, "ls-files", args...)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool)
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			tracked[p] = true
		}
	}
	seen := make(map[string]bool, len(paths))
	stage := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.ToSlash(filepath.Clean(p))
		if seen[p] {
			continue
		}
		seen[p] = true
		if tracked[p] {
			stage = append(stage, p)
			continue
		}
		if _, err := os.Lstat(filepath.Join(repo, filepath.FromSlash(p))); err == nil {
			stage = append(stage, p)
		}
	}
	return stage, nil
}

// ChangedFiles lists the paths touched by commit oid.
func (s *Store) ChangedFiles(ctx context.Context, repo, oid string) ([]string, error) {
	out, err := s.git(ctx, repo, "diff-tree", "diff-tree", "--root", "--no-commit-id", "--name-only", "-r", "-z", oid)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, p := range strings.Split(out, "\x00") {
		if p = strings.TrimSpace(p); p != "" {
			files = append(files, p)
		}
	}
	return files, nil
}

// List returns the versions on main, newest first.
func (s *Store) List(ctx context.Context, repo string) ([]Version, error) {
	out, err := s.git(ctx, repo, "log", "log", "--format=%H%x1f%ct%x1f%s%x1f%b%x1e", mainBranch)
	if err != nil {
		return nil, err
	}
	favorites := s.favorites(repo)
	var versions []Version
	for _, rec := range strings.Split(out, "\x1e") {
		rec = strings.TrimLeft(rec, "\n")
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, "\x1f", 4)
		if len(fields) < 3 {
			continue
		}
		secs, _ := strconv.ParseInt(fields[1], 10, 64)
		v := Version{
			OID:       fields[0],
			Message:   fields[2],
			Timestamp: time.Unix(secs, 0).UTC(),
			Favorite:  favorites[fields[0]],
		}
		if len(fields) == 4 {
			v.DBTimestamp = trailer(fields[3], "Db-Timestamp")
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Checkout moves the working tree to oid without creating a commit. Checking
// out the tip of main re-attaches HEAD to the branch. Concurrent calls for the
// same target share one execution; different targets on one repo serialize.
func (s *Store) Checkout(ctx context.Context, repo, oid string) error {
	key := filepath.Clean(repo) + "\x00" + oid
	_, err, _ := s.checkouts.Do(key, func() (any, error) {
		unlock := s.lock(repo)
		defer unlock()
		return nil, s.checkoutLocked(ctx, repo, oid)
	})
	return err
}

func (s *Store) checkoutLocked(ctx context.Context, repo, oid string) error {
	target := oid
	if target == "" || target == mainBranch {
		target = mainBranch
	} else if tip, err := s.git(ctx, repo, "rev-parse", "rev-parse", mainBranch); err == nil && strings.TrimSpace(tip) == target {
		target = mainBranch
	}

	if target != mainBranch {
		if head, err := s.Head(ctx, repo); err == nil && head == target {
			return nil
		}
	}
	if _, err := s.git(ctx, repo, "checkout", "checkout", "-q", target); err != nil {
		s.recover(ctx, repo)
		return err
	}
	s.logger.Info("version checked out", slog.String("repo", repo), slog.String("target", target))
	return nil
}

// Revert creates a new commit on main whose tree equals oid. History is never
// rewritten.
func (s *Store) Revert(ctx context.Context, repo, oid string) (Version, error) {
	unlock := s.lock(repo)
	defer unlock()

	if err := s.checkoutLocked(ctx, repo, mainBranch); err != nil {
		return Version{}, err
	}
	if _, err := s.git(ctx, repo, "read-tree", "read-tree", "-u", "--reset", oid); err != nil {
		s.recover(ctx, repo)
		return Version{}, err
	}
	message := "Reverted all changes back to version " + oid
	head, err := s.commitLocked(ctx, repo, nil, message)
	if err != nil {
		s.recover(ctx, repo)
		return Version{}, err
	}
	return Version{OID: head, Message: message, Timestamp: time.Now().UTC()}, nil
}

// recover leaves the repository in a usable state after a failed operation.
func (s *Store) recover(ctx context.Context, repo string) {
	if _, err := os.Stat(filepath.Join(repo, ".git", "MERGE_HEAD")); err == nil {
		if _, err := s.git(ctx, repo, "merge", "merge", "--abort"); err != nil {
			s.logger.Warn("merge abort failed", slog.String("repo", repo), slog.String("error", err.Error()))
		}
	}
	if _, err := s.git(ctx, repo, "reset", "reset", "-q", "--merge"); err != nil {
		s.logger.Warn("reset after failed git op failed", slog.String("repo", repo), slog.String("error", err.Error()))
	}
}

// SetFavorite marks or unmarks a version. Favorites live under .git so they
// never show up as working tree changes.
func (s *Store) SetFavorite(repo, oid string, favorite bool) error {
	unlock := s.lock(repo)
	defer unlock()

	favs := s.favorites(repo)
	if favorite {
		favs[oid] = true
	} else {
		delete(favs, oid)
	}
	var b strings.Builder
	for k := range favs {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(repo, ".git", "appforge-favorites"), []byte(b.String()), 0o644)
}

func (s *Store) favorites(repo string) map[string]bool {
	out := make(map[string]bool)
	data, err := os.ReadFile(filepath.Join(repo, ".git", "appforge-favorites"))
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out[line] = true
		}
	}
	return out
}

// parsePorcelainZ reads `git status --porcelain=v1 -z`. Rename and copy
// entries carry the source path as an extra NUL-separated field.
func parsePorcelainZ(out string) []string {
	fields := strings.Split(out, "\x00")
	var paths []string
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		status := entry[:2]
		paths = append(paths, entry[3:])
		if status[0] == 'R' || status[0] == 'C' {
			i++
		}
	}
	return paths
}

// conflictPaths pulls the tab-indented file list git prints when a checkout
// or merge would overwrite local changes.
func conflictPaths(out string) []string {
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "\t") {
			if p := strings.TrimSpace(line); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

func trailer(body, key string) string {
	prefix := strings.ToLower(key) + ":"
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), prefix) {
			return strings.TrimSpace(strings.TrimSpace(line)[len(prefix):])
		}
	}
	return ""
}
