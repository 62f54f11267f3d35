package scheduler

import (
	"testing"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	err = gdb.AutoMigrate(&models.Session{}, &models.ConversationEvent{},
		&models.CostLedgerEntry{}, &models.ToolExecution{})
	if err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return gdb
}

func seedClosedSession(t *testing.T, gdb *gorm.DB, id, memberID string, endedDaysAgo int) {
	t.Helper()
	ended := time.Now().AddDate(0, 0, -endedDaysAgo)
	sess := models.Session{
		ID:         id,
		LocationID: "L1",
		MemberID:   memberID,
		StartedAt:  ended.Add(-5 * time.Minute),
		EndedAt:    &ended,
		EndReason:  models.EndReasonUserEnded,
	}
	if err := gdb.Create(&sess).Error; err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func TestRetentionSweep(t *testing.T) {
	gdb := openTestDB(t)
	cfg := config.RetentionConfig{EventDays: 90, DeidentifyDays: 180, PurgeDays: 730}

	// Conversation events on both sides of the event window.
	old := models.ConversationEvent{SessionID: "s-old", Turn: 1, Type: models.EventTranscriptUser}
	recent := models.ConversationEvent{SessionID: "s-recent", Turn: 1, Type: models.EventTranscriptUser}
	if err := gdb.Create(&old).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	if err := gdb.Create(&recent).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	gdb.Model(&models.ConversationEvent{}).Where("id = ?", old.ID).
		Update("created_at", time.Now().AddDate(0, 0, -91))

	// Sessions straddling the de-identify and purge windows.
	seedClosedSession(t, gdb, "s-fresh", "m-1", 10)
	seedClosedSession(t, gdb, "s-deid", "m-2", 200)
	seedClosedSession(t, gdb, "s-purge", "m-3", 800)
	gdb.Create(&models.CostLedgerEntry{SessionID: "s-purge", EstimatedMicroUSD: 10})
	gdb.Create(&models.ToolExecution{ExecutionID: "x-1", SessionID: "s-purge", LocationID: "L1", ToolName: "t", Outcome: models.OutcomeSuccess})

	if err := RetentionSweep(gdb, cfg, nil); err != nil {
		t.Fatalf("RetentionSweep: %v", err)
	}

	var eventCount int64
	gdb.Model(&models.ConversationEvent{}).Count(&eventCount)
	if eventCount != 1 {
		t.Errorf("events remaining = %d, want 1", eventCount)
	}

	var fresh, deid models.Session
	gdb.First(&fresh, "id = ?", "s-fresh")
	if fresh.MemberID != "m-1" {
		t.Error("fresh session was de-identified early")
	}
	gdb.First(&deid, "id = ?", "s-deid")
	if deid.MemberID != "" {
		t.Errorf("s-deid MemberID = %q, want cleared", deid.MemberID)
	}

	var purged int64
	gdb.Model(&models.Session{}).Where("id = ?", "s-purge").Count(&purged)
	if purged != 0 {
		t.Error("s-purge survived the purge window")
	}
	var ledgers, execs int64
	gdb.Model(&models.CostLedgerEntry{}).Where("session_id = ?", "s-purge").Count(&ledgers)
	gdb.Model(&models.ToolExecution{}).Where("session_id = ?", "s-purge").Count(&execs)
	if ledgers != 0 || execs != 0 {
		t.Errorf("purge left %d ledgers, %d executions", ledgers, execs)
	}
}

func TestRetentionSweep_NilDB(t *testing.T) {
	if err := RetentionSweep(nil, config.RetentionConfig{}, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestBuildJobs_CronValidation(t *testing.T) {
	cfg := &config.Config{}
	cfg.Reaper.Cron = "*/5 * * * *"
	cfg.Reconcile.Cron = "15 3 * * *"
	cfg.Retention.Cron = "45 4 * * *"

	jobs, err := buildJobs(Jobs{Cfg: cfg})
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("jobs = %d, want 3", len(jobs))
	}

	cfg.Reconcile.Cron = "not a cron"
	if _, err := buildJobs(Jobs{Cfg: cfg}); err == nil {
		t.Error("expected error for malformed cron expression")
	}
}
