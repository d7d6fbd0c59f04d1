// Package quota enforces the rolling message allowance of restricted modes.
// Windows are refreshed lazily on each call; there is no background timer.
package quota

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"appforge/internal/storage"
)

// ErrQuotaExceeded is returned by CheckAndConsume when the window is used up.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Config sets the allowance. Modes lists the restricted modes; all others pass.
type Config struct {
	Limit  int
	Window time.Duration
	Modes  []string
}

// DefaultConfig is five messages per 24 hours for the free mode.
func DefaultConfig() Config {
	return Config{Limit: 5, Window: 24 * time.Hour, Modes: []string{"free"}}
}

// Store persists quota records so a restart does not reset usage.
type Store interface {
	LoadQuota(mode string) (storage.QuotaRecord, bool, error)
	SaveQuota(rec storage.QuotaRecord) error
}

// Status 某个模式的配额窗口视图
// Status is the caller-facing view of one mode's window.
type Status struct {
	Mode            string    `json:"mode"`
	Tracked         bool      `json:"tracked"`
	Used            int       `json:"used"`
	Limit           int       `json:"limit"`
	WindowStart     time.Time `json:"window_start"`
	WindowResetAt   time.Time `json:"window_reset_at"`
	HoursUntilReset int       `json:"hours_until_reset"`
}

// Tracker 按受限模式计数
// Tracker counts consumptions per restricted mode.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	modes map[string]bool
	store Store
}

func NewTracker(cfg Config, store Store) *Tracker {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	modes := make(map[string]bool, len(cfg.Modes))
	for _, m := range cfg.Modes {
		modes[m] = true
	}
	return &Tracker{cfg: cfg, modes: modes, store: store}
}

// Tracked reports whether mode is quota-gated.
func (t *Tracker) Tracked(mode string) bool {
	return t.modes[mode]
}

// CheckAndConsume 检查并消耗一个额度
// CheckAndConsume takes one unit for mode at now. Untracked modes always pass.
// When the window is exhausted ErrQuotaExceeded is returned and usage is not
// incremented.
func (t *Tracker) CheckAndConsume(mode string, now time.Time) (Status, error) {
	if !t.Tracked(mode) {
		return Status{Mode: mode}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.loadLocked(mode, now)
	if err != nil {
		return Status{}, err
	}
	if rec.Used >= t.cfg.Limit {
		return t.status(rec, now), ErrQuotaExceeded
	}
	rec.Used++
	if err := t.store.SaveQuota(rec); err != nil {
		return Status{}, fmt.Errorf("save quota: %w", err)
	}
	return t.status(rec, now), nil
}

// Refund 退还一个额度
// Refund returns one unit, used when an admitted stream errors or is cancelled.
// windowStart is the Status.WindowStart of the consumption being refunded; a
// unit taken from a window that has since rolled over is not returned.
func (t *Tracker) Refund(mode string, windowStart time.Time) error {
	if !t.Tracked(mode) {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.store.LoadQuota(mode)
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	if !ok || rec.Used == 0 || !rec.WindowStart.Equal(windowStart) {
		return nil
	}
	rec.Used--
	if err := t.store.SaveQuota(rec); err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

// Status reports usage of mode at now without consuming.
func (t *Tracker) Status(mode string, now time.Time) (Status, error) {
	if !t.Tracked(mode) {
		return Status{Mode: mode}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.store.LoadQuota(mode)
	if err != nil {
		return Status{}, fmt.Errorf("load quota: %w", err)
	}
	if !ok || t.expired(rec, now) {
		rec = storage.QuotaRecord{Mode: mode, WindowStart: now.UTC()}
	}
	return t.status(rec, now), nil
}

// loadLocked returns the current record, resetting it when the window elapsed.
func (t *Tracker) loadLocked(mode string, now time.Time) (storage.QuotaRecord, error) {
	rec, ok, err := t.store.LoadQuota(mode)
	if err != nil {
		return storage.QuotaRecord{}, fmt.Errorf("load quota: %w", err)
	}
	if !ok || t.expired(rec, now) {
		rec = storage.QuotaRecord{Mode: mode, Used: 0, WindowStart: now.UTC()}
	}
	return rec, nil
}

func (t *Tracker) expired(rec storage.QuotaRecord, now time.Time) bool {
	return now.Sub(rec.WindowStart) >= t.cfg.Window
}

func (t *Tracker) status(rec storage.QuotaRecord, now time.Time) Status {
	resetAt := rec.WindowStart.Add(t.cfg.Window)
	hours := int(math.Ceil(resetAt.Sub(now).Hours()))
	if hours < 0 {
		hours = 0
	}
	return Status{
		Mode:            rec.Mode,
		Tracked:         true,
		Used:            rec.Used,
		Limit:           t.cfg.Limit,
		WindowStart:     rec.WindowStart,
		WindowResetAt:   resetAt,
		HoursUntilReset: hours,
	}
}
