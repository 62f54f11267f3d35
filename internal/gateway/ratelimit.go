package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// dayWindow returns the UTC-midnight-aligned window start for daily ceilings.
func dayWindow(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// hourWindow returns the hour-aligned window start for hourly ceilings.
func hourWindow(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// incrementUnder performs the read-check-increment as a single conditional
// update: the counter is bumped only while still under the ceiling, so two
// concurrent calls can never both pass a check that only one should. Returns
// false when the ceiling is already reached.
func incrementUnder(gdb *gorm.DB, toolID uint, scope, scopeID string, window int64, limit int) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res := gdb.Model(&models.ToolUsageCounter{}).
			Where("tool_id = ? AND scope = ? AND scope_id = ? AND window_start = ? AND count < ?",
				toolID, scope, scopeID, window, limit).
			Update("count", gorm.Expr("count + 1"))
		if res.Error != nil {
			return false, fmt.Errorf("gateway: bump %s counter: %w", scope, res.Error)
		}
		if res.RowsAffected > 0 {
			return true, nil
		}

		// Either the row doesn't exist yet or the ceiling is reached.
		var existing models.ToolUsageCounter
		err := gdb.Where("tool_id = ? AND scope = ? AND scope_id = ? AND window_start = ?",
			toolID, scope, scopeID, window).First(&existing).Error
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("gateway: read %s counter: %w", scope, err)
		}
		if limit < 1 {
			return false, nil
		}
		counter := models.ToolUsageCounter{
			ToolID:      toolID,
			Scope:       scope,
			ScopeID:     scopeID,
			WindowStart: window,
			Count:       1,
		}
		if createErr := gdb.Create(&counter).Error; createErr == nil {
			return true, nil
		}
		// Insert race with a concurrent caller; retry the conditional update.
	}
	return false, nil
}

// decrement hands back one slot, used when a later ceiling check denies the
// call after an earlier counter was already bumped.
func decrement(gdb *gorm.DB, toolID uint, scope, scopeID string, window int64) {
	gdb.Model(&models.ToolUsageCounter{}).
		Where("tool_id = ? AND scope = ? AND scope_id = ? AND window_start = ? AND count > 0",
			toolID, scope, scopeID, window).
		Update("count", gorm.Expr("count - 1"))
}

// memoryLimiter is the non-persistent bucket used by tool test runs.
type memoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{counts: map[string]int{}}
}

func (l *memoryLimiter) allow(toolID uint, scope, scopeID string, window int64, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%d/%s/%s/%d", toolID, scope, scopeID, window)
	if l.counts[key] >= limit {
		return false
	}
	l.counts[key]++
	return true
}
