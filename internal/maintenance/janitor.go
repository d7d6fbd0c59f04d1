// Package maintenance runs periodic housekeeping: it prunes old compaction
// backups and declines consent requests nobody answered.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"appforge/internal/chat"
	"appforge/internal/contextmgr"
)

// AppLister lists the apps whose backup directories are swept.
type AppLister interface {
	ListApps() ([]chat.App, error)
}

// Expirer declines pending consent requests older than maxAge.
type Expirer interface {
	Expire(maxAge time.Duration) int
}

type Config struct {
	// Schedule is a five-field cron spec or a descriptor such as "@every 1h".
	Schedule        string
	BackupRetention time.Duration
	ConsentMaxAge   time.Duration
}

// Report summarizes one sweep.
type Report struct {
	PrunedBackups   int
	ExpiredConsents int
}

type Janitor struct {
	apps   AppLister
	gate   Expirer
	cfg    Config
	logger *slog.Logger
	sched  cron.Schedule
	now    func() time.Time

	mu sync.Mutex
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(apps AppLister, gate Expirer, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if apps == nil {
		return nil, errors.New("maintenance: app lister is required")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{apps: apps, gate: gate, cfg: cfg, logger: logger, sched: sched, now: time.Now}, nil
}

// Start runs the sweep on the configured schedule until ctx ends or the
// returned stop function is called.
func (j *Janitor) Start(ctx context.Context) func() {
	c := cron.New(cron.WithParser(parser))
	c.Schedule(j.sched, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("maintenance sweep failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()
	j.logger.Info("maintenance started", slog.String("schedule", j.cfg.Schedule))

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			j.logger.Info("maintenance stopped")
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var rep Report
	if j.gate != nil && j.cfg.ConsentMaxAge > 0 {
		rep.ExpiredConsents = j.gate.Expire(j.cfg.ConsentMaxAge)
	}
	if j.cfg.BackupRetention <= 0 {
		return rep, nil
	}

	apps, err := j.apps.ListApps()
	if err != nil {
		return rep, fmt.Errorf("list apps: %w", err)
	}
	cutoff := j.now().Add(-j.cfg.BackupRetention)
	var errs []error
	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, err := pruneBackups(backupRoot(app.Path), cutoff)
		rep.PrunedBackups += n
		if err != nil {
			errs = append(errs, fmt.Errorf("app %d: %w", app.ID, err))
		}
	}
	if rep.PrunedBackups > 0 || rep.ExpiredConsents > 0 {
		j.logger.Info("maintenance sweep",
			slog.Int("pruned_backups", rep.PrunedBackups),
			slog.Int("expired_consents", rep.ExpiredConsents),
		)
	}
	return rep, errors.Join(errs...)
}

func backupRoot(appPath string) string {
	return filepath.Dir(contextmgr.BackupDir(appPath, 0))
}

// pruneBackups removes backup files older than cutoff and the conversation
// directories left empty.
func pruneBackups(root string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, conv := range entries {
		if !conv.IsDir() {
			continue
		}
		dir := filepath.Join(root, conv.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return removed, err
		}
		left := len(files)
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
				return removed, err
			}
			removed++
			left--
		}
		if left == 0 {
			_ = os.Remove(dir)
		}
	}
	return removed, nil
}
