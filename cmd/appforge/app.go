package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"appforge/internal/bootstrap"
	"appforge/internal/chat"
	"appforge/internal/config"
	"appforge/internal/versions"
)

func build() (*bootstrap.BuildResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return bootstrap.Build(cfg, bootstrap.Options{})
}

// resolveApp finds the app rooted at dir, registering it on first use.
func resolveApp(ctx context.Context, res *bootstrap.BuildResult, dir, name string) (chat.App, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return chat.App{}, err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return chat.App{}, err
	}
	apps, err := res.Store.ListApps()
	if err != nil {
		return chat.App{}, err
	}
	for _, app := range apps {
		if app.Path == abs {
			return app, nil
		}
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return chat.App{}, err
	}
	if versions.Available() {
		if err := res.Versions.Init(ctx, abs); err != nil {
			return chat.App{}, fmt.Errorf("init versions: %w", err)
		}
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return res.Store.CreateApp(name, abs)
}
