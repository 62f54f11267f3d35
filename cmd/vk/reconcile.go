package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/db"
	"github.com/spf13/cobra"
)

func newReconcileCmd() *cobra.Command {
	var (
		configPath string
		from       string
		to         string
		check      bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile cost estimates against the provider usage report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, configPath, from, to, check)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voicekiosk.yaml", "path to config file")
	cmd.Flags().StringVar(&from, "from", "", "range start (RFC3339, default 24h before --to)")
	cmd.Flags().StringVar(&to, "to", "", "range end (RFC3339, default now)")
	cmd.Flags().BoolVar(&check, "check", false, "only report whether reconciliation is needed")
	return cmd
}

func runReconcile(cmd *cobra.Command, configPath, fromStr, toStr string, check bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	fetcher := cost.NewHTTPUsageFetcher(cfg.Provider.UsageURL, os.Getenv(cfg.Provider.APIKeyEnv))
	engine := cost.NewEngine(gormDB, cfg.Rates,
		time.Duration(cfg.Reconcile.GraceHours)*time.Hour, fetcher,
		time.Duration(cfg.Provider.BucketHours)*time.Hour)

	if check {
		needed, err := engine.NeedsReconciliation()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Needs reconciliation: %v\n", needed)
		return nil
	}

	end := time.Now()
	if toStr != "" {
		end, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return fmt.Errorf("parse --to: %w", err)
		}
	}
	start := end.Add(-24 * time.Hour)
	if fromStr != "" {
		start, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return fmt.Errorf("parse --from: %w", err)
		}
	}

	report, err := engine.Reconcile(cmd.Context(), start, end)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Reconciled %d sessions, total $%.4f\n",
		report.SessionsUpdated, cost.Dollars(report.TotalReconciledMicroUSD))
	if report.BucketsSkipped > 0 {
		fmt.Fprintf(out, "Skipped %d buckets with no provider data yet\n", report.BucketsSkipped)
	}
	for _, f := range report.FailedBuckets {
		fmt.Fprintf(out, "Bucket %s failed: %s\n", f.BucketStart.Format(time.RFC3339), f.Error)
	}
	return nil
}
