package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"appforge/internal/config"
	"appforge/internal/consent"
	"appforge/internal/contextmgr"
	"appforge/internal/provider"
	"appforge/internal/quota"
)

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildProvider(cfg config.ProviderConfig, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Kind {
	case "fake":
		f := provider.NewFake()
		if cfg.Model != "" {
			_ = f.SetModel(cfg.Model)
		}
		return f, nil
	case "openai", "":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			TimeoutMS:  cfg.TimeoutMS,
			MaxRetries: cfg.MaxRetries,
		}, logger.With("component", "provider")), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func quotaConfig(cfg config.QuotaConfig) quota.Config {
	return quota.Config{
		Limit:  cfg.Limit,
		Window: time.Duration(cfg.WindowHours) * time.Hour,
		Modes:  append([]string(nil), cfg.Modes...),
	}
}

// contextWindow prefers the model's known window unless one was configured.
func contextWindow(cfg config.Config) int {
	if cfg.Compaction.ContextWindow != config.DefaultCompactionContextWindow {
		return cfg.Compaction.ContextWindow
	}
	if w := contextmgr.ContextWindowFor(cfg.Provider.Model); w > 0 {
		return w
	}
	return cfg.Compaction.ContextWindow
}

func consentOverrides(cfg config.ConsentConfig) (map[string]consent.Level, error) {
	if len(cfg.Tools) == 0 {
		return nil, nil
	}
	out := make(map[string]consent.Level, len(cfg.Tools))
	for tool, level := range cfg.Tools {
		switch l := consent.Level(level); l {
		case consent.LevelAlways, consent.LevelAsk, consent.LevelNever:
			out[tool] = l
		default:
			return nil, fmt.Errorf("consent level for %s: %q", tool, level)
		}
	}
	return out, nil
}

// continuations maps the config value to the engine's: config 0 disables
// continuation, the engine reads 0 as "use the default".
func continuations(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func chunkInterval(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
