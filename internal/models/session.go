package models

import "time"

// Session end reasons.
const (
	EndReasonUserEnded   = "user_ended"
	EndReasonTimeout     = "timeout"
	EndReasonError       = "error"
	EndReasonAdminForced = "admin_forced"
)

// Session is one realtime voice interaction between a member and the AI.
// A null EndedAt means the session is still open; the close path sets it
// with a conditional update so it can only ever be written once.
type Session struct {
	ID             string `gorm:"primaryKey;size:64"`
	LocationID     string `gorm:"size:64;not null;index"`
	MemberID       string `gorm:"size:64;index"`
	Model          string `gorm:"size:64"`
	Voice          string `gorm:"size:64"`
	Transport      string `gorm:"size:32"`
	StartedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
	EndedAt        *time.Time
	EndReason      string `gorm:"size:32"`
	ClosedBy       string `gorm:"size:64"`
	DurationMS     int64

	// Turn counters, bumped as events arrive.
	UserTurns     int
	AITurns       int
	Interruptions int

	// NextTurn is the monotonic turn allocator for this session's events.
	// Incremented atomically on every append so concurrent writers never
	// collide or leave gaps.
	NextTurn int `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}
