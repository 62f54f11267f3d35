package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/db"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/spf13/cobra"
)

func newToolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Custom tool commands",
	}

	cmd.AddCommand(newToolTestCmd())
	return cmd
}

func newToolTestCmd() *cobra.Command {
	var (
		configPath     string
		toolID         uint
		argsJSON       string
		expectedStatus string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a tool against a synthetic session",
		Long:  "Executes the tool with the given arguments in a synthetic context. Test runs use a separate limiter bucket and never consume real rate-limit budget.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toolID == 0 {
				return fmt.Errorf("--id is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
			}

			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			gw := gateway.New(gormDB, time.Duration(cfg.Gateway.TimeoutSec)*time.Second)
			res, err := gw.Test(cmd.Context(), toolID, gateway.TestCase{
				Args:           toolArgs,
				ExpectedStatus: expectedStatus,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Passed {
				fmt.Fprintf(out, "PASS (%s in %dms)\n", res.Result.Outcome, res.Result.DurationMS)
			} else {
				fmt.Fprintf(out, "FAIL (%s, expected %s): %s\n", res.Result.Outcome, res.Expected, res.Result.Error)
			}
			if len(res.Result.Output) > 0 {
				fmt.Fprintf(out, "%s\n", res.Result.Output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voicekiosk.yaml", "path to config file")
	cmd.Flags().UintVar(&toolID, "id", 0, "tool id")
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON-encoded arguments")
	cmd.Flags().StringVar(&expectedStatus, "expect", "", "expected outcome (success, invalid_args, ...)")
	return cmd
}
