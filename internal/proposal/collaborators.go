package proposal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"appforge/internal/security"
)

// SQLiteExecutor runs proposal SQL against a per-app sqlite database.
type SQLiteExecutor struct {
	// RelPath is the database location inside the app directory.
	RelPath string
}

func (e SQLiteExecutor) dbPath(appPath string) string {
	rel := e.RelPath
	if strings.TrimSpace(rel) == "" {
		rel = filepath.Join(".appforge", "app.db")
	}
	return filepath.Join(appPath, rel)
}

// BeginSQL opens the app database and starts the transaction every query of
// one proposal runs in.
func (e SQLiteExecutor) BeginSQL(ctx context.Context, appPath string) (SQLTx, error) {
	path := e.dbPath(appPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open app db: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqliteTx{db: db, tx: tx}, nil
}

type sqliteTx struct {
	db *sql.DB
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, q SQLQuery) error {
	_, err := t.tx.ExecContext(ctx, q.Content)
	return err
}

func (t *sqliteTx) Commit() error {
	defer t.db.Close()
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	defer t.db.Close()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// CommandInstaller shells out to a package manager, e.g. `npm install --save`.
type CommandInstaller struct {
	Command   string
	Args      []string
	Manifests []string
}

// NewCommandInstaller parses a command line such as "npm install --save".
func NewCommandInstaller(commandLine string, manifests []string) (*CommandInstaller, error) {
	fields := []string{"npm", "install", "--save"}
	if strings.TrimSpace(commandLine) != "" {
		argv, err := security.ParseCommand(commandLine)
		if err != nil {
			return nil, fmt.Errorf("install command: %w", err)
		}
		fields = argv
	}
	if len(manifests) == 0 {
		manifests = []string{"package.json", "package-lock.json"}
	}
	return &CommandInstaller{Command: fields[0], Args: fields[1:], Manifests: manifests}, nil
}

func (c *CommandInstaller) ManifestFiles() []string {
	return append([]string(nil), c.Manifests...)
}

func (c *CommandInstaller) Install(ctx context.Context, appPath string, packages []string) ([]string, error) {
	args := append(append([]string(nil), c.Args...), packages...)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = appPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", c.Command, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	var changed []string
	for _, m := range c.Manifests {
		if _, err := os.Stat(filepath.Join(appPath, m)); err == nil {
			changed = append(changed, m)
		}
	}
	return changed, nil
}
