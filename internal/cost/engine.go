// Package cost implements the cost accounting engine: running token-usage
// estimates per session and reconciliation against the provider's delayed,
// authoritative usage reports.
//
// All monetary arithmetic is int64 micro-dollars. Floating point appears
// only at the display boundary (Dollars).
package cost

import (
	"fmt"
	"time"

	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

const microPerMTok = 1_000_000

// TokenCounts carries per-category token deltas from one usage event.
type TokenCounts struct {
	InputText   int64 `json:"input_text"`
	OutputText  int64 `json:"output_text"`
	InputAudio  int64 `json:"input_audio"`
	OutputAudio int64 `json:"output_audio"`
}

// Engine accumulates estimates and reconciles them against provider reports.
type Engine struct {
	db      *gorm.DB
	rates   config.RatesConfig
	grace   time.Duration
	fetcher UsageFetcher
	bucket  time.Duration
}

// NewEngine returns an Engine. fetcher may be nil if Reconcile is never
// called (e.g. in a kiosk-facing process that only records usage).
func NewEngine(gdb *gorm.DB, rates config.RatesConfig, grace time.Duration, fetcher UsageFetcher, bucket time.Duration) *Engine {
	if bucket <= 0 {
		bucket = time.Hour
	}
	return &Engine{db: gdb, rates: rates, grace: grace, fetcher: fetcher, bucket: bucket}
}

// Dollars converts micro-USD to display dollars.
func Dollars(micro int64) float64 {
	return float64(micro) / 1e6
}

// costFor converts a token count to micro-USD at a per-million-token rate,
// rounding to nearest.
func costFor(tokens, ratePerMTok int64) int64 {
	return (tokens*ratePerMTok + microPerMTok/2) / microPerMTok
}

// OpenLedger creates the empty ledger row for a new session. Safe to call
// with a transaction handle so ledger creation commits with session creation.
func (e *Engine) OpenLedger(tx *gorm.DB, sessionID string) error {
	if tx == nil {
		tx = e.db
	}
	entry := models.CostLedgerEntry{SessionID: sessionID}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("cost: open ledger for %s: %w", sessionID, err)
	}
	return nil
}

// RecordUsage accumulates token counts on the session's ledger and bumps the
// running estimate. Increments are applied with SQL expressions so concurrent
// usage events never lose updates.
func (e *Engine) RecordUsage(sessionID string, tc TokenCounts) error {
	if sessionID == "" {
		return fmt.Errorf("cost: sessionID is required")
	}

	delta := costFor(tc.InputText, e.rates.InputTextPerMTok) +
		costFor(tc.OutputText, e.rates.OutputTextPerMTok) +
		costFor(tc.InputAudio, e.rates.InputAudioPerMTok) +
		costFor(tc.OutputAudio, e.rates.OutputAudioPerMTok)

	updates := map[string]interface{}{
		"input_text_tokens":      gorm.Expr("input_text_tokens + ?", tc.InputText),
		"output_text_tokens":     gorm.Expr("output_text_tokens + ?", tc.OutputText),
		"input_audio_tokens":     gorm.Expr("input_audio_tokens + ?", tc.InputAudio),
		"output_audio_tokens":    gorm.Expr("output_audio_tokens + ?", tc.OutputAudio),
		"input_text_micro_usd":   gorm.Expr("input_text_micro_usd + ?", costFor(tc.InputText, e.rates.InputTextPerMTok)),
		"output_text_micro_usd":  gorm.Expr("output_text_micro_usd + ?", costFor(tc.OutputText, e.rates.OutputTextPerMTok)),
		"input_audio_micro_usd":  gorm.Expr("input_audio_micro_usd + ?", costFor(tc.InputAudio, e.rates.InputAudioPerMTok)),
		"output_audio_micro_usd": gorm.Expr("output_audio_micro_usd + ?", costFor(tc.OutputAudio, e.rates.OutputAudioPerMTok)),
		"estimated_micro_usd":    gorm.Expr("estimated_micro_usd + ?", delta),
	}
	res := e.db.Model(&models.CostLedgerEntry{}).Where("session_id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("cost: record usage for %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Ledger missing (session predates the ledger-at-start rule); create
		// it with the initial amounts.
		entry := models.CostLedgerEntry{
			SessionID:           sessionID,
			InputTextTokens:     tc.InputText,
			OutputTextTokens:    tc.OutputText,
			InputAudioTokens:    tc.InputAudio,
			OutputAudioTokens:   tc.OutputAudio,
			InputTextMicroUSD:   costFor(tc.InputText, e.rates.InputTextPerMTok),
			OutputTextMicroUSD:  costFor(tc.OutputText, e.rates.OutputTextPerMTok),
			InputAudioMicroUSD:  costFor(tc.InputAudio, e.rates.InputAudioPerMTok),
			OutputAudioMicroUSD: costFor(tc.OutputAudio, e.rates.OutputAudioPerMTok),
			EstimatedMicroUSD:   delta,
		}
		if err := e.db.Create(&entry).Error; err != nil {
			return fmt.Errorf("cost: create ledger for %s: %w", sessionID, err)
		}
	}
	return nil
}

// FinalizeEstimate recomputes the ledger's total estimate from its token
// totals, eliminating any incremental rounding drift, and stamps FinalizedAt.
// Called inside the session-close transaction so a session is never closed
// without a finalized estimate.
func (e *Engine) FinalizeEstimate(tx *gorm.DB, sessionID string) error {
	if tx == nil {
		tx = e.db
	}
	if sessionID == "" {
		return fmt.Errorf("cost: sessionID is required")
	}

	var entry models.CostLedgerEntry
	if err := tx.Where("session_id = ?", sessionID).First(&entry).Error; err != nil {
		return fmt.Errorf("cost: load ledger for %s: %w", sessionID, err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"input_text_micro_usd":   costFor(entry.InputTextTokens, e.rates.InputTextPerMTok),
		"output_text_micro_usd":  costFor(entry.OutputTextTokens, e.rates.OutputTextPerMTok),
		"input_audio_micro_usd":  costFor(entry.InputAudioTokens, e.rates.InputAudioPerMTok),
		"output_audio_micro_usd": costFor(entry.OutputAudioTokens, e.rates.OutputAudioPerMTok),
		"finalized_at":           now,
	}
	total := costFor(entry.InputTextTokens, e.rates.InputTextPerMTok) +
		costFor(entry.OutputTextTokens, e.rates.OutputTextPerMTok) +
		costFor(entry.InputAudioTokens, e.rates.InputAudioPerMTok) +
		costFor(entry.OutputAudioTokens, e.rates.OutputAudioPerMTok)
	updates["estimated_micro_usd"] = total

	if err := tx.Model(&models.CostLedgerEntry{}).Where("session_id = ?", sessionID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("cost: finalize estimate for %s: %w", sessionID, err)
	}
	return nil
}

// Estimate returns the ledger for a session.
func (e *Engine) Estimate(sessionID string) (*models.CostLedgerEntry, error) {
	var entry models.CostLedgerEntry
	if err := e.db.Where("session_id = ?", sessionID).First(&entry).Error; err != nil {
		return nil, fmt.Errorf("cost: load ledger for %s: %w", sessionID, err)
	}
	return &entry, nil
}

// NeedsReconciliation reports whether any finalized ledger older than the
// grace period still lacks a reconciled cost.
func (e *Engine) NeedsReconciliation() (bool, error) {
	cutoff := time.Now().Add(-e.grace)
	var n int64
	err := e.db.Model(&models.CostLedgerEntry{}).
		Where("finalized_at IS NOT NULL AND finalized_at < ? AND reconciled_at IS NULL", cutoff).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("cost: needs-reconciliation check: %w", err)
	}
	return n > 0, nil
}
