package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// RetentionSweep applies the data-minimization policy:
//
//   - conversation events are bulk-deleted after the event window (the
//     session rows survive longer in de-identified form),
//   - member ids are cleared from sessions closed before the de-identify
//     window,
//   - sessions, ledgers, and execution records are purged after the cooling
//     period.
func RetentionSweep(gdb *gorm.DB, cfg config.RetentionConfig, log *slog.Logger) error {
	if gdb == nil {
		return fmt.Errorf("scheduler: db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()

	eventCutoff := now.AddDate(0, 0, -cfg.EventDays)
	res := gdb.Where("created_at < ?", eventCutoff).Delete(&models.ConversationEvent{})
	if res.Error != nil {
		return fmt.Errorf("scheduler: delete old events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info("retention: deleted old events", "count", res.RowsAffected, "cutoff", eventCutoff)
	}

	deidCutoff := now.AddDate(0, 0, -cfg.DeidentifyDays)
	res = gdb.Model(&models.Session{}).
		Where("ended_at IS NOT NULL AND ended_at < ? AND member_id <> ''", deidCutoff).
		Update("member_id", "")
	if res.Error != nil {
		return fmt.Errorf("scheduler: de-identify sessions: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info("retention: de-identified sessions", "count", res.RowsAffected, "cutoff", deidCutoff)
	}

	purgeCutoff := now.AddDate(0, 0, -cfg.PurgeDays)
	var stale []models.Session
	if err := gdb.Select("id").
		Where("ended_at IS NOT NULL AND ended_at < ?", purgeCutoff).
		Find(&stale).Error; err != nil {
		return fmt.Errorf("scheduler: find purgeable sessions: %w", err)
	}
	for _, s := range stale {
		err := gdb.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("session_id = ?", s.ID).Delete(&models.CostLedgerEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Where("session_id = ?", s.ID).Delete(&models.ToolExecution{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.Session{}, "id = ?", s.ID).Error
		})
		if err != nil {
			return fmt.Errorf("scheduler: purge session %s: %w", s.ID, err)
		}
	}
	if len(stale) > 0 {
		log.Info("retention: purged sessions", "count", len(stale), "cutoff", purgeCutoff)
	}
	return nil
}
