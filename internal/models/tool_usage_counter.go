package models

// Rate-limit scopes.
const (
	ScopeMember   = "member"
	ScopeLocation = "location"
)

// ToolUsageCounter is a shared rate-limit counter, one row per
// (tool, scope, scope id, window). Counters are bumped with an atomic
// check-and-increment at the store so concurrent sessions of the same
// location cannot both pass a check that only one should.
type ToolUsageCounter struct {
	ToolID      uint   `gorm:"primaryKey"`
	Scope       string `gorm:"primaryKey;size:8"`
	ScopeID     string `gorm:"primaryKey;size:64"`
	WindowStart int64  `gorm:"primaryKey"` // unix seconds, window-aligned
	Count       int    `gorm:"not null;default:0"`
}
