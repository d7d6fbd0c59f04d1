package main

import (
	"context"

	"appforge/internal/bootstrap"
	"appforge/internal/chat"
)

type appEnv struct {
	res *bootstrap.BuildResult
	app chat.App
}

func withApp(fn func(ctx context.Context, env appEnv) error) error {
	res, err := build()
	if err != nil {
		return err
	}
	defer res.Close()
	ctx := context.Background()
	app, err := resolveApp(ctx, res, versionsAppDir, "")
	if err != nil {
		return err
	}
	return fn(ctx, appEnv{res: res, app: app})
}
