package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points HOME at an empty dir and runs the test from a fresh cwd.
func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"APPFORGE_CONFIG", "APPFORGE_MODEL", "APPFORGE_API_KEY", "OPENAI_API_KEY", "APPFORGE_HOME", "APPFORGE_DB_PATH"} {
		t.Setenv(k, "")
	}
	work = t.TempDir()
	oldwd, _ := os.Getwd()
	if err := os.Chdir(work); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
	return home, work
}

func TestLoadJSONCAndPrecedence(t *testing.T) {
	home, _ := isolate(t)

	globalDir := filepath.Join(home, ".appforge")
	if err := os.MkdirAll(globalDir, 0o755); err != nil {
		t.Fatal(err)
	}
	globalCfg := `{
  // global
  "provider": {"model": "global-model"},
  "quota": {"limit": 9},
  "compaction": {"disabled": true}
}`
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(globalCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	projectCfg := `{
  /* project wins */
  "provider": {"model": "project-model"},
  "compaction": {"disabled": false, "threshold_ratio": 0.5}
}`
	if err := os.WriteFile("appforge.jsonc", []byte(projectCfg), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "project-model" {
		t.Fatalf("model=%q", cfg.Provider.Model)
	}
	if cfg.Quota.Limit != 9 {
		t.Fatalf("quota.limit=%d, want 9", cfg.Quota.Limit)
	}
	if cfg.Compaction.Disabled {
		t.Fatalf("compaction.disabled expected false")
	}
	if cfg.Compaction.ThresholdRatio != 0.5 {
		t.Fatalf("threshold_ratio=%v, want 0.5", cfg.Compaction.ThresholdRatio)
	}
	if want := filepath.Join(home, ".appforge", "appforge.db"); cfg.Storage.DBPath != want {
		t.Fatalf("db_path=%q, want %q", cfg.Storage.DBPath, want)
	}
}

func TestLoadYAMLProjectConfig(t *testing.T) {
	isolate(t)
	projectCfg := `
provider:
  kind: fake
  model: yaml-model
quota:
  modes: [free, agent]
consent:
  tools:
    write_file: Always
engine:
  max_continuations: 0
`
	if err := os.WriteFile("appforge.yaml", []byte(projectCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Kind != "fake" || cfg.Provider.Model != "yaml-model" {
		t.Fatalf("provider=%+v", cfg.Provider)
	}
	if len(cfg.Quota.Modes) != 2 || cfg.Quota.Modes[1] != "agent" {
		t.Fatalf("quota.modes=%v", cfg.Quota.Modes)
	}
	if cfg.Consent.Tools["write_file"] != "always" {
		t.Fatalf("consent=%v", cfg.Consent.Tools)
	}
	if cfg.Engine.MaxContinuations != 0 {
		t.Fatalf("max_continuations=%d, want 0", cfg.Engine.MaxContinuations)
	}
}

func TestLoadRejectsBadConsentLevel(t *testing.T) {
	isolate(t)
	if err := os.WriteFile("appforge.json", []byte(`{"consent":{"tools":{"grep":"sometimes"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "grep") {
		t.Fatalf("err=%v, want consent level error", err)
	}
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("APPFORGE_MODEL", "env-model")
	t.Setenv("APPFORGE_QUOTA_LIMIT", "12")
	t.Setenv("APPFORGE_DB_PATH", "data/x.db")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "env-model" {
		t.Fatalf("model=%q", cfg.Provider.Model)
	}
	if cfg.Quota.Limit != 12 {
		t.Fatalf("quota.limit=%d, want 12", cfg.Quota.Limit)
	}
	if !filepath.IsAbs(cfg.Storage.DBPath) || !strings.HasSuffix(cfg.Storage.DBPath, filepath.Join("data", "x.db")) {
		t.Fatalf("db_path=%q", cfg.Storage.DBPath)
	}

	t.Setenv("APPFORGE_MAX_STEPS", "nope")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid APPFORGE_MAX_STEPS")
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("APPFORGE_MODEL", "shell-model")
	// an empty but set variable would shadow the .env value
	_ = os.Unsetenv("APPFORGE_API_KEY")
	if err := os.WriteFile(".env", []byte("APPFORGE_MODEL=dotenv-model\nAPPFORGE_API_KEY=sk-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("APPFORGE_API_KEY") })
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "shell-model" {
		t.Fatalf("model=%q, want shell-model", cfg.Provider.Model)
	}
	if cfg.Provider.APIKey != "sk-dotenv" {
		t.Fatalf("api_key=%q, want sk-dotenv", cfg.Provider.APIKey)
	}
}

func TestProviderModelsNormalization(t *testing.T) {
	isolate(t)
	projectCfg := `{
  "provider": {
    "model": "m2",
    "models": ["m1", "m2", "m1", "  ", "m3"]
  }
}`
	if err := os.WriteFile("appforge.json", []byte(projectCfg), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Provider.Models) != 3 {
		t.Fatalf("unexpected models: %#v", cfg.Provider.Models)
	}
	if cfg.Provider.Models[0] != "m1" || cfg.Provider.Models[1] != "m2" || cfg.Provider.Models[2] != "m3" {
		t.Fatalf("unexpected models order: %#v", cfg.Provider.Models)
	}
}

func TestWriteProjectConfig(t *testing.T) {
	_, work := isolate(t)
	path, err := InitProjectConfigScaffold(work)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteProviderModel(work, "picked"); err != nil {
		t.Fatal(err)
	}
	if err := WriteConsentLevel(work, "add_dependency", "never"); err != nil {
		t.Fatal(err)
	}
	if err := WriteConsentLevel(work, "grep", "maybe"); err == nil {
		t.Fatal("expected invalid level error")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Model != "picked" {
		t.Fatalf("model=%q, want picked", cfg.Provider.Model)
	}
	if cfg.Consent.Tools["add_dependency"] != "never" {
		t.Fatalf("consent=%v", cfg.Consent.Tools)
	}

	again, err := InitProjectConfigScaffold(work)
	if err != nil || again != path {
		t.Fatalf("second scaffold=%q err=%v", again, err)
	}
}
