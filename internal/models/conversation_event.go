package models

import "time"

// Conversation event types.
const (
	EventSpeechStarted  = "speech_started"
	EventSpeechStopped  = "speech_stopped"
	EventTranscriptUser = "transcript_user"
	EventTranscriptAI   = "transcript_ai"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
)

// Speakers.
const (
	SpeakerUser = "user"
	SpeakerAI   = "ai"
)

// ConversationEvent is one atomic happening within a session. Rows are
// append-only: never updated or reordered, deleted only by the 90-day
// retention sweep.
type ConversationEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:64;not null;index:idx_session_turn"`
	Turn      int       `gorm:"not null;index:idx_session_turn"`
	Type      string    `gorm:"size:24;not null"`
	Speaker   string    `gorm:"size:8"`
	Payload   string    `gorm:"type:mediumtext"`
	Intent    string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"index"`
}
