// Package events implements the append-only conversation event store and
// its derived per-session statistics.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// ErrUnknownSession is returned when an operation targets a session id that
// does not exist.
var ErrUnknownSession = errors.New("events: unknown session")

// Store records and reads conversation events.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the given database.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// Input describes one event to append. Turn numbers are never supplied by
// the caller; the store allocates them.
type Input struct {
	Type    string
	Speaker string
	Payload string
	Intent  string
}

// Append inserts one event for the session, allocating the next turn number
// atomically. The turn comes from an `next_turn = next_turn + 1` increment on
// the session row inside the same transaction, so concurrent writers get a
// strictly increasing, gap-free sequence. A zero-row update doubles as the
// unknown-session check.
func (s *Store) Append(sessionID string, in Input) (*models.ConversationEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("events: sessionID is required")
	}
	if in.Type == "" {
		return nil, fmt.Errorf("events: event type is required")
	}

	var ev models.ConversationEvent
	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.Session{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
			"next_turn":        gorm.Expr("next_turn + 1"),
			"last_activity_at": now,
		})
		if res.Error != nil {
			return fmt.Errorf("events: allocate turn for %s: %w", sessionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrUnknownSession
		}

		var sess models.Session
		if err := tx.Select("next_turn").Where("id = ?", sessionID).First(&sess).Error; err != nil {
			return fmt.Errorf("events: read turn for %s: %w", sessionID, err)
		}

		ev = models.ConversationEvent{
			SessionID: sessionID,
			Turn:      sess.NextTurn,
			Type:      in.Type,
			Speaker:   in.Speaker,
			Payload:   in.Payload,
			Intent:    in.Intent,
			CreatedAt: now,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("events: append to %s: %w", sessionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Timeline returns all events for a session ordered by turn number.
func (s *Store) Timeline(sessionID string) ([]models.ConversationEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("events: sessionID is required")
	}
	var evs []models.ConversationEvent
	if err := s.db.Where("session_id = ?", sessionID).
		Order("turn ASC").Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("events: timeline for %s: %w", sessionID, err)
	}
	return evs, nil
}

// Stats summarises one session's conversation, derived entirely from stored
// events so there are no separate counters to drift out of sync.
type Stats struct {
	TotalEvents   int      `json:"total_events"`
	UserMessages  int      `json:"user_messages"`
	AIMessages    int      `json:"ai_messages"`
	ToolCalls     int      `json:"tool_calls"`
	AvgResponseMS int64    `json:"avg_response_ms"`
	Intents       []string `json:"intents,omitempty"`
}

// Aggregate computes Stats for a session. Transcript events with empty or
// whitespace-only text count as structural markers, not messages. Average
// response latency is measured from each user transcript to the next AI
// transcript.
func (s *Store) Aggregate(sessionID string) (*Stats, error) {
	evs, err := s.Timeline(sessionID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalEvents: len(evs)}
	seen := map[string]bool{}
	var latencySum time.Duration
	var latencyN int64
	var pendingUser *models.ConversationEvent

	for i := range evs {
		ev := &evs[i]
		if ev.Intent != "" && !seen[ev.Intent] {
			seen[ev.Intent] = true
			stats.Intents = append(stats.Intents, ev.Intent)
		}
		switch ev.Type {
		case models.EventTranscriptUser:
			if strings.TrimSpace(ev.Payload) == "" {
				continue
			}
			stats.UserMessages++
			pendingUser = ev
		case models.EventTranscriptAI:
			if strings.TrimSpace(ev.Payload) == "" {
				continue
			}
			stats.AIMessages++
			if pendingUser != nil {
				latencySum += ev.CreatedAt.Sub(pendingUser.CreatedAt)
				latencyN++
				pendingUser = nil
			}
		case models.EventToolCall:
			stats.ToolCalls++
		}
	}
	if latencyN > 0 {
		stats.AvgResponseMS = latencySum.Milliseconds() / latencyN
	}
	return stats, nil
}
