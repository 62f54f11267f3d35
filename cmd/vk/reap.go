package main

import (
	"fmt"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/db"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/session"
	"github.com/spf13/cobra"
)

func newReapCmd() *cobra.Command {
	var (
		configPath string
		maxAgeSec  int
	)

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Close orphaned sessions",
		Long:  "Closes every open session whose last activity is older than the threshold, with reason timeout. Safe to run while the server is up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if maxAgeSec == 0 {
				maxAgeSec = cfg.Reaper.MaxAgeSec
			}

			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
			}

			engine := cost.NewEngine(gormDB, cfg.Rates,
				time.Duration(cfg.Reconcile.GraceHours)*time.Hour, nil,
				time.Duration(cfg.Provider.BucketHours)*time.Hour)
			sessions := session.NewManager(gormDB, events.NewStore(gormDB), engine)

			n, err := sessions.ReapOrphans(time.Duration(maxAgeSec) * time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d orphan sessions\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voicekiosk.yaml", "path to config file")
	cmd.Flags().IntVar(&maxAgeSec, "max-age", 0, "orphan threshold in seconds (default from config)")
	return cmd
}
