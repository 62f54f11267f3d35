package db

import (
	"fmt"

	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.ConversationEvent{},
		&models.CustomTool{},
		&models.ToolExecution{},
		&models.CostLedgerEntry{},
		&models.ToolUsageCounter{},
		&models.LocationRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
