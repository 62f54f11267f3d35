// Package scheduler runs the recurring jobs: orphan reaping, cost
// reconciliation, and retention cleanup. Job cadence comes from 5-field
// cron expressions in configuration.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/session"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const pollInterval = 30 * time.Second

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Jobs wires the collaborators the scheduler drives.
type Jobs struct {
	DB       *gorm.DB
	Sessions *session.Manager
	Cost     *cost.Engine
	Cfg      *config.Config
	Log      *slog.Logger
	Out      io.Writer
}

type job struct {
	name  string
	sched cron.Schedule
	next  time.Time
	run   func(context.Context) error
}

// Run executes the job loop until ctx is cancelled. Every job is safe to
// double-fire: reaping closes idempotently, reconciliation only rewrites
// reconciled values with newer run output, retention deletes are
// cutoff-based.
func Run(ctx context.Context, j Jobs) error {
	if j.DB == nil || j.Sessions == nil || j.Cost == nil || j.Cfg == nil {
		return fmt.Errorf("scheduler: db, sessions, cost, and cfg are required")
	}
	if j.Log == nil {
		j.Log = slog.Default()
	}
	if j.Out == nil {
		j.Out = io.Discard
	}

	jobs, err := buildJobs(j)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range jobs {
		jobs[i].next = jobs[i].sched.Next(now)
	}
	fmt.Fprintf(j.Out, "Scheduler running %d jobs (poll every %s)\n", len(jobs), pollInterval)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		now := time.Now()
		for i := range jobs {
			if now.Before(jobs[i].next) {
				continue
			}
			if err := jobs[i].run(ctx); err != nil {
				j.Log.Error("scheduled job failed", "job", jobs[i].name, "error", err)
			}
			jobs[i].next = jobs[i].sched.Next(now)
		}
	}
}

func buildJobs(j Jobs) ([]job, error) {
	reapSched, err := cronParser.Parse(j.Cfg.Reaper.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse reaper cron %q: %w", j.Cfg.Reaper.Cron, err)
	}
	reconcileSched, err := cronParser.Parse(j.Cfg.Reconcile.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse reconcile cron %q: %w", j.Cfg.Reconcile.Cron, err)
	}
	retentionSched, err := cronParser.Parse(j.Cfg.Retention.Cron)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse retention cron %q: %w", j.Cfg.Retention.Cron, err)
	}

	return []job{
		{name: "reap", sched: reapSched, run: func(ctx context.Context) error {
			return reapOnce(j)
		}},
		{name: "reconcile", sched: reconcileSched, run: func(ctx context.Context) error {
			return reconcileOnce(ctx, j)
		}},
		{name: "retention", sched: retentionSched, run: func(ctx context.Context) error {
			return RetentionSweep(j.DB, j.Cfg.Retention, j.Log)
		}},
	}, nil
}

func reapOnce(j Jobs) error {
	maxAge := time.Duration(j.Cfg.Reaper.MaxAgeSec) * time.Second
	n, err := j.Sessions.ReapOrphans(maxAge)
	if err != nil {
		return err
	}
	if n > 0 {
		j.Log.Info("reaped orphan sessions", "count", n, "max_age", maxAge)
	}
	return nil
}

// reconcileOnce runs a reconciliation sweep over the window ending at the
// grace cutoff, but only when some ledger actually awaits one.
func reconcileOnce(ctx context.Context, j Jobs) error {
	needed, err := j.Cost.NeedsReconciliation()
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}

	to := time.Now().Add(-time.Duration(j.Cfg.Reconcile.GraceHours) * time.Hour)
	from := to.Add(-7 * 24 * time.Hour)
	report, err := j.Cost.Reconcile(ctx, from, to)
	if err != nil {
		return err
	}
	j.Log.Info("reconciliation run complete",
		"sessions_updated", report.SessionsUpdated,
		"total_micro_usd", report.TotalReconciledMicroUSD,
		"failed_buckets", len(report.FailedBuckets))
	return nil
}
