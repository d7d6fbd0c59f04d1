package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InitProjectConfigScaffold 在指定目录下初始化项目级配置模板（.appforge/config.json）。
// InitProjectConfigScaffold writes a project config scaffold to <dir>/.appforge/config.json and returns its path.
func InitProjectConfigScaffold(projectDir string) (string, error) {
	dir := filepath.Join(strings.TrimSpace(projectDir), ".appforge")
	path := filepath.Join(dir, "config.json")

	// 已存在则尊重用户现有配置。
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("project config path is a directory: %s", path)
		}
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat project config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir .appforge: %w", err)
	}

	cfg := Default()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write project config: %w", err)
	}
	return path, nil
}

// WriteProviderModel 将 provider.model 写入项目配置
// WriteProviderModel writes provider.model to <dir>/.appforge/config.json
func WriteProviderModel(projectDir, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("model is empty")
	}
	return updateProjectConfig(projectDir, func(root map[string]any) {
		providerMap, _ := root["provider"].(map[string]any)
		if providerMap == nil {
			providerMap = make(map[string]any)
		}
		providerMap["model"] = model
		root["provider"] = providerMap
	})
}

// WriteConsentLevel 持久化某个工具的 consent 级别（consent.tools）
// WriteConsentLevel stores a per-tool consent override in the project config.
func WriteConsentLevel(projectDir, tool, level string) error {
	tool = strings.TrimSpace(tool)
	level = strings.ToLower(strings.TrimSpace(level))
	if tool == "" {
		return errors.New("tool name is empty")
	}
	switch level {
	case "always", "ask", "never":
	default:
		return fmt.Errorf("consent level must be always, ask or never, got %q", level)
	}
	return updateProjectConfig(projectDir, func(root map[string]any) {
		consentMap, _ := root["consent"].(map[string]any)
		if consentMap == nil {
			consentMap = make(map[string]any)
		}
		tools, _ := consentMap["tools"].(map[string]any)
		if tools == nil {
			tools = make(map[string]any)
		}
		tools[tool] = level
		consentMap["tools"] = tools
		root["consent"] = consentMap
	})
}

func updateProjectConfig(projectDir string, mutate func(root map[string]any)) error {
	dir := filepath.Join(strings.TrimSpace(projectDir), ".appforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir .appforge: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	var root map[string]any
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(stripJSONComments(data), &root); err != nil {
			root = nil
		}
	}
	if root == nil {
		root = make(map[string]any)
	}
	mutate(root)
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
