package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	// Kind selects the backend: "openai" for any OpenAI-compatible endpoint,
	// "fake" for the scripted provider.
	Kind       string   `json:"kind"`
	BaseURL    string   `json:"base_url"`
	Model      string   `json:"model"`
	Models     []string `json:"models"`
	APIKey     string   `json:"api_key"`
	TimeoutMS  int      `json:"timeout_ms"`
	MaxRetries int      `json:"max_retries"`
}

type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	// StreamsPerMinute limits stream starts per client; negative disables it.
	StreamsPerMinute int `json:"streams_per_minute"`
	StreamBurst      int `json:"stream_burst"`
}

type EngineConfig struct {
	MaxSteps         int    `json:"max_steps"`
	MaxContinuations int    `json:"max_continuations"`
	AutoApprove      bool   `json:"auto_approve"`
	ChunkIntervalMS  int    `json:"chunk_interval_ms"`
	SystemPrompt     string `json:"system_prompt"`
	RulesFile        string `json:"rules_file"`
}

type CompactionConfig struct {
	Disabled       bool    `json:"disabled"`
	ContextWindow  int     `json:"context_window"`
	ThresholdRatio float64 `json:"threshold_ratio"`
	HardCap        int     `json:"hard_cap"`
	// BackupRetentionDays 压缩备份保留天数 / how long compaction backups are kept
	BackupRetentionDays int `json:"backup_retention_days"`
}

type QuotaConfig struct {
	Limit       int      `json:"limit"`
	WindowHours int      `json:"window_hours"`
	Modes       []string `json:"modes"`
}

type ConsentConfig struct {
	// Tools overrides the declared consent level per tool: always, ask or never.
	Tools map[string]string `json:"tools"`
	// ExpireMinutes declines requests nobody answered in time.
	ExpireMinutes int `json:"expire_minutes"`
}

type ProposalConfig struct {
	InstallCommand string   `json:"install_command"`
	Manifests      []string `json:"manifests"`
	// SQLDatabase is the app database, relative to the app root.
	SQLDatabase string `json:"sql_database"`
}

type VersionsConfig struct {
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
}

type MaintenanceConfig struct {
	Schedule string `json:"schedule"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
	DBPath  string `json:"db_path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Server      ServerConfig      `json:"server"`
	Engine      EngineConfig      `json:"engine"`
	Compaction  CompactionConfig  `json:"compaction"`
	Quota       QuotaConfig       `json:"quota"`
	Consent     ConsentConfig     `json:"consent"`
	Proposal    ProposalConfig    `json:"proposal"`
	Versions    VersionsConfig    `json:"versions"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Storage     StorageConfig     `json:"storage"`
	Log         LogConfig         `json:"log"`
}

type fileEngineConfig struct {
	MaxSteps         *int    `json:"max_steps"`
	MaxContinuations *int    `json:"max_continuations"`
	AutoApprove      *bool   `json:"auto_approve"`
	ChunkIntervalMS  *int    `json:"chunk_interval_ms"`
	SystemPrompt     *string `json:"system_prompt"`
	RulesFile        *string `json:"rules_file"`
}

type fileCompactionConfig struct {
	Disabled            *bool    `json:"disabled"`
	ContextWindow       *int     `json:"context_window"`
	ThresholdRatio      *float64 `json:"threshold_ratio"`
	HardCap             *int     `json:"hard_cap"`
	BackupRetentionDays *int     `json:"backup_retention_days"`
}

type fileQuotaConfig struct {
	Limit       *int      `json:"limit"`
	WindowHours *int      `json:"window_hours"`
	Modes       *[]string `json:"modes"`
}

type fileConfig struct {
	Provider    *ProviderConfig       `json:"provider"`
	Server      *ServerConfig         `json:"server"`
	Engine      *fileEngineConfig     `json:"engine"`
	Compaction  *fileCompactionConfig `json:"compaction"`
	Quota       *fileQuotaConfig      `json:"quota"`
	Consent     *ConsentConfig        `json:"consent"`
	Proposal    *ProposalConfig       `json:"proposal"`
	Versions    *VersionsConfig       `json:"versions"`
	Maintenance *MaintenanceConfig    `json:"maintenance"`
	Storage     *StorageConfig        `json:"storage"`
	Log         *LogConfig            `json:"log"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Kind:       "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4.1",
			Models:     []string{"gpt-4.1"},
			TimeoutMS:  120000,
			MaxRetries: 2,
		},
		Server: ServerConfig{
			Addr:             DefaultServerAddr,
			AllowedOrigins:   []string{"*"},
			StreamsPerMinute: 30,
			StreamBurst:      10,
		},
		Engine: EngineConfig{
			MaxSteps:         DefaultEngineMaxSteps,
			MaxContinuations: DefaultEngineMaxContinuations,
			ChunkIntervalMS:  DefaultEngineChunkIntervalMS,
			RulesFile:        "AI_RULES.md",
		},
		Compaction: CompactionConfig{
			ContextWindow:       DefaultCompactionContextWindow,
			ThresholdRatio:      DefaultCompactionThresholdRatio,
			HardCap:             DefaultCompactionHardCap,
			BackupRetentionDays: DefaultCompactionBackupRetentionDays,
		},
		Quota: QuotaConfig{
			Limit:       DefaultQuotaLimit,
			WindowHours: DefaultQuotaWindowHours,
			Modes:       []string{"free"},
		},
		Consent: ConsentConfig{ExpireMinutes: DefaultConsentExpireMinutes},
		Proposal: ProposalConfig{
			InstallCommand: "npm install",
			Manifests:      []string{"package.json", "package-lock.json"},
			SQLDatabase:    ".appforge/app.db",
		},
		Versions:    VersionsConfig{AuthorName: "appforge", AuthorEmail: "appforge@localhost"},
		Maintenance: MaintenanceConfig{Schedule: "@every 1h"},
		Storage:     StorageConfig{BaseDir: "~/.appforge"},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load 按 defaults → 全局配置 → 项目配置 → .env → 环境变量 的顺序合并
// Load merges defaults, the global file, the project file, .env and APPFORGE_* variables, in that order
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("APPFORGE_CONFIG")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".appforge", "config.json"),
		filepath.Join(home, ".appforge", "config.yaml"),
	}
}

func findProjectConfigPath() string {
	candidates := []string{
		"appforge.json",
		"appforge.jsonc",
		"appforge.yaml",
		"appforge.yml",
		".appforge/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// loadDotEnv reads KEY=VALUE pairs without overriding variables that are
// already set.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	var fileCfg fileConfig
	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := decodeYAML(data, &fileCfg); err != nil {
			return fmt.Errorf("parse config %q: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(stripJSONComments(data), &fileCfg); err != nil {
			return fmt.Errorf("parse config %q: %w", resolved, err)
		}
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

// decodeYAML maps YAML onto the JSON-tagged file structs so both formats share
// one set of keys.
func decodeYAML(data []byte, out *fileConfig) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	j, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(j, out)
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Server != nil {
		if strings.TrimSpace(fc.Server.Addr) != "" {
			cfg.Server.Addr = fc.Server.Addr
		}
		if len(fc.Server.AllowedOrigins) > 0 {
			cfg.Server.AllowedOrigins = append([]string(nil), fc.Server.AllowedOrigins...)
		}
		if fc.Server.StreamsPerMinute != 0 {
			cfg.Server.StreamsPerMinute = fc.Server.StreamsPerMinute
		}
		if fc.Server.StreamBurst > 0 {
			cfg.Server.StreamBurst = fc.Server.StreamBurst
		}
	}
	if fc.Engine != nil {
		if fc.Engine.MaxSteps != nil {
			cfg.Engine.MaxSteps = *fc.Engine.MaxSteps
		}
		if fc.Engine.MaxContinuations != nil {
			cfg.Engine.MaxContinuations = *fc.Engine.MaxContinuations
		}
		if fc.Engine.AutoApprove != nil {
			cfg.Engine.AutoApprove = *fc.Engine.AutoApprove
		}
		if fc.Engine.ChunkIntervalMS != nil {
			cfg.Engine.ChunkIntervalMS = *fc.Engine.ChunkIntervalMS
		}
		if fc.Engine.SystemPrompt != nil {
			cfg.Engine.SystemPrompt = *fc.Engine.SystemPrompt
		}
		if fc.Engine.RulesFile != nil {
			cfg.Engine.RulesFile = *fc.Engine.RulesFile
		}
	}
	if fc.Compaction != nil {
		if fc.Compaction.Disabled != nil {
			cfg.Compaction.Disabled = *fc.Compaction.Disabled
		}
		if fc.Compaction.ContextWindow != nil {
			cfg.Compaction.ContextWindow = *fc.Compaction.ContextWindow
		}
		if fc.Compaction.ThresholdRatio != nil {
			cfg.Compaction.ThresholdRatio = *fc.Compaction.ThresholdRatio
		}
		if fc.Compaction.HardCap != nil {
			cfg.Compaction.HardCap = *fc.Compaction.HardCap
		}
		if fc.Compaction.BackupRetentionDays != nil {
			cfg.Compaction.BackupRetentionDays = *fc.Compaction.BackupRetentionDays
		}
	}
	if fc.Quota != nil {
		if fc.Quota.Limit != nil {
			cfg.Quota.Limit = *fc.Quota.Limit
		}
		if fc.Quota.WindowHours != nil {
			cfg.Quota.WindowHours = *fc.Quota.WindowHours
		}
		if fc.Quota.Modes != nil {
			cfg.Quota.Modes = append([]string(nil), (*fc.Quota.Modes)...)
		}
	}
	if fc.Consent != nil {
		if len(fc.Consent.Tools) > 0 {
			if cfg.Consent.Tools == nil {
				cfg.Consent.Tools = map[string]string{}
			}
			for k, v := range fc.Consent.Tools {
				cfg.Consent.Tools[k] = v
			}
		}
		if fc.Consent.ExpireMinutes > 0 {
			cfg.Consent.ExpireMinutes = fc.Consent.ExpireMinutes
		}
	}
	if fc.Proposal != nil {
		if strings.TrimSpace(fc.Proposal.InstallCommand) != "" {
			cfg.Proposal.InstallCommand = fc.Proposal.InstallCommand
		}
		if len(fc.Proposal.Manifests) > 0 {
			cfg.Proposal.Manifests = append([]string(nil), fc.Proposal.Manifests...)
		}
		if strings.TrimSpace(fc.Proposal.SQLDatabase) != "" {
			cfg.Proposal.SQLDatabase = fc.Proposal.SQLDatabase
		}
	}
	if fc.Versions != nil {
		if strings.TrimSpace(fc.Versions.AuthorName) != "" {
			cfg.Versions.AuthorName = fc.Versions.AuthorName
		}
		if strings.TrimSpace(fc.Versions.AuthorEmail) != "" {
			cfg.Versions.AuthorEmail = fc.Versions.AuthorEmail
		}
	}
	if fc.Maintenance != nil && strings.TrimSpace(fc.Maintenance.Schedule) != "" {
		cfg.Maintenance.Schedule = fc.Maintenance.Schedule
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.BaseDir) != "" {
			cfg.Storage.BaseDir = fc.Storage.BaseDir
		}
		if strings.TrimSpace(fc.Storage.DBPath) != "" {
			cfg.Storage.DBPath = fc.Storage.DBPath
		}
	}
	if fc.Log != nil {
		if strings.TrimSpace(fc.Log.Level) != "" {
			cfg.Log.Level = fc.Log.Level
		}
		if strings.TrimSpace(fc.Log.Format) != "" {
			cfg.Log.Format = fc.Log.Format
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.Kind) != "" {
		base.Kind = override.Kind
	}
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if len(override.Models) > 0 {
		base.Models = append([]string(nil), override.Models...)
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(cfg.Provider.Kind))
	switch cfg.Provider.Kind {
	case "":
		cfg.Provider.Kind = def.Provider.Kind
	case "openai", "fake":
	default:
		return fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries < 0 {
		cfg.Provider.MaxRetries = 0
	}
	cfg.Provider.Models = normalizeModelList(cfg.Provider.Models)
	if !containsString(cfg.Provider.Models, cfg.Provider.Model) {
		cfg.Provider.Models = normalizeModelList(append([]string{cfg.Provider.Model}, cfg.Provider.Models...))
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = def.Server.Addr
	}

	if cfg.Engine.MaxSteps <= 0 {
		cfg.Engine.MaxSteps = def.Engine.MaxSteps
	}
	if cfg.Engine.MaxContinuations < 0 {
		cfg.Engine.MaxContinuations = 0
	}
	if cfg.Engine.ChunkIntervalMS <= 0 {
		cfg.Engine.ChunkIntervalMS = def.Engine.ChunkIntervalMS
	}

	if cfg.Compaction.ContextWindow <= 0 {
		cfg.Compaction.ContextWindow = def.Compaction.ContextWindow
	}
	if cfg.Compaction.ThresholdRatio <= 0 || cfg.Compaction.ThresholdRatio > 1 {
		cfg.Compaction.ThresholdRatio = def.Compaction.ThresholdRatio
	}
	if cfg.Compaction.HardCap <= 0 {
		cfg.Compaction.HardCap = def.Compaction.HardCap
	}
	if cfg.Compaction.BackupRetentionDays <= 0 {
		cfg.Compaction.BackupRetentionDays = def.Compaction.BackupRetentionDays
	}

	if cfg.Quota.Limit <= 0 {
		cfg.Quota.Limit = def.Quota.Limit
	}
	if cfg.Quota.WindowHours <= 0 {
		cfg.Quota.WindowHours = def.Quota.WindowHours
	}
	cfg.Quota.Modes = normalizeModelList(cfg.Quota.Modes)

	for tool, level := range cfg.Consent.Tools {
		level = strings.ToLower(strings.TrimSpace(level))
		switch level {
		case "always", "ask", "never":
			cfg.Consent.Tools[tool] = level
		default:
			return fmt.Errorf("consent level for %s must be always, ask or never, got %q", tool, level)
		}
	}
	if cfg.Consent.ExpireMinutes <= 0 {
		cfg.Consent.ExpireMinutes = def.Consent.ExpireMinutes
	}

	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = def.Maintenance.Schedule
	}

	baseDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	if baseDir == "" {
		if baseDir, err = expandPath(def.Storage.BaseDir); err != nil {
			return err
		}
	}
	cfg.Storage.BaseDir = baseDir
	if strings.TrimSpace(cfg.Storage.DBPath) == "" {
		cfg.Storage.DBPath = filepath.Join(baseDir, "appforge.db")
	} else if cfg.Storage.DBPath, err = expandPath(cfg.Storage.DBPath); err != nil {
		return err
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("APPFORGE_PROVIDER")); v != "" {
		cfg.Provider.Kind = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_HOME")); v != "" {
		cfg.Storage.BaseDir = v
		cfg.Storage.DBPath = ""
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_DB_PATH")); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_MAX_STEPS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid APPFORGE_MAX_STEPS: %q", v)
		}
		cfg.Engine.MaxSteps = n
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_AUTO_APPROVE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid APPFORGE_AUTO_APPROVE: %q", v)
		}
		cfg.Engine.AutoApprove = b
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_QUOTA_LIMIT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid APPFORGE_QUOTA_LIMIT: %q", v)
		}
		cfg.Quota.Limit = n
	}
	if v := strings.TrimSpace(os.Getenv("APPFORGE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}

	return cfg, normalize(&cfg)
}

func normalizeModelList(models []string) []string {
	out := make([]string, 0, len(models))
	seen := map[string]struct{}{}
	for _, m := range models {
		trimmed := strings.TrimSpace(m)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func containsString(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
