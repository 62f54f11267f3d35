package models

import "time"

// Tool execution outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomeInvalidArgs = "invalid_args"
	OutcomeRateLimited = "rate_limited"
	OutcomeUpstream    = "upstream_error"
)

// ToolExecution is the audit record for one tool invocation. A row is written
// for every attempt, including validation and rate-limit denials (with zero
// duration), so every AI-initiated side effect is accounted for.
type ToolExecution struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ExecutionID string `gorm:"size:36;uniqueIndex"`
	ToolID      uint   `gorm:"index"`
	ToolName    string `gorm:"size:64"`
	LocationID  string `gorm:"size:64;index"`
	SessionID   string `gorm:"size:64;index"`
	MemberID    string `gorm:"size:64"`
	Args        string `gorm:"type:json"`
	Outcome     string `gorm:"size:16;not null;index"`
	Result      string `gorm:"type:mediumtext"`
	Error       string `gorm:"type:text"`
	DurationMS  int64
	CreatedAt   time.Time `gorm:"index"`
}
