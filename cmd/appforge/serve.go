package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"appforge/internal/maintenance"
	"appforge/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and websocket API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (e.g. :7410)")
}

func runServe(_ *cobra.Command, _ []string) error {
	res, err := build()
	if err != nil {
		return err
	}
	defer res.Close()
	cfg := res.Config
	if strings.TrimSpace(serveAddr) != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor, err := maintenance.New(res.Store, res.Engine.Gate(), maintenance.Config{
		Schedule:        cfg.Maintenance.Schedule,
		BackupRetention: time.Duration(cfg.Compaction.BackupRetentionDays) * 24 * time.Hour,
		ConsentMaxAge:   time.Duration(cfg.Consent.ExpireMinutes) * time.Minute,
	}, res.Logger.With("component", "maintenance"))
	if err != nil {
		return err
	}
	stopJanitor := janitor.Start(ctx)
	defer stopJanitor()

	scfg := server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.Server.StreamsPerMinute > 0 {
		scfg.StreamRate = rate.Limit(float64(cfg.Server.StreamsPerMinute) / 60)
		scfg.StreamBurst = cfg.Server.StreamBurst
	}
	srv, err := server.New(scfg, server.Deps{
		Engine:   res.Engine,
		Store:    res.Store,
		Versions: res.Versions,
		Registry: res.Registry,
		Logger:   res.Logger.With("component", "server"),
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
