package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/db"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/gympulse/voicekiosk/internal/scheduler"
	"github.com/gympulse/voicekiosk/internal/server"
	"github.com/gympulse/voicekiosk/internal/session"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background jobs",
		Long:  "Serves the session, tool, and cost API plus the transport websocket, and runs the orphan reaper, reconciliation, and retention jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voicekiosk.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	fetcher := cost.NewHTTPUsageFetcher(cfg.Provider.UsageURL, os.Getenv(cfg.Provider.APIKeyEnv))
	engine := cost.NewEngine(gormDB, cfg.Rates,
		time.Duration(cfg.Reconcile.GraceHours)*time.Hour,
		fetcher,
		time.Duration(cfg.Provider.BucketHours)*time.Hour)
	store := events.NewStore(gormDB)
	sessions := session.NewManager(gormDB, store, engine)
	gw := gateway.New(gormDB, time.Duration(cfg.Gateway.TimeoutSec)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- scheduler.Run(ctx, scheduler.Jobs{
			DB:       gormDB,
			Sessions: sessions,
			Cost:     engine,
			Cfg:      cfg,
			Log:      logger,
			Out:      out,
		})
	}()
	go func() {
		errCh <- server.Start(ctx, server.Opts{
			Sessions:   sessions,
			Events:     store,
			Gateway:    gw,
			Cost:       engine,
			AdminToken: cfg.AdminToken,
			Port:       cfg.Server.Port,
			Logger:     logger,
			Out:        out,
		})
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "Shutting down...")
		// Let the server finish its graceful shutdown.
		if err := <-errCh; err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		stop()
		return err
	}
}
