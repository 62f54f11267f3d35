// Package session implements the voice-session lifecycle: start, event
// recording, idempotent close, and orphan reaping.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateSession is returned when StartSession is retried for a
	// session id that is still open.
	ErrDuplicateSession = errors.New("session: duplicate session")
	// ErrUnknownSession is returned when an operation targets a session id
	// that does not exist.
	ErrUnknownSession = errors.New("session: unknown session")
)

// Manager composes the event store and cost engine around the session
// state machine: created -> active -> closed(reason). No transition leaves
// closed.
type Manager struct {
	db     *gorm.DB
	store  *events.Store
	engine *cost.Engine
}

// NewManager returns a Manager. All collaborators are injected; the Manager
// holds no process-local session state, so any number of instances may serve
// concurrent kiosks.
func NewManager(gdb *gorm.DB, store *events.Store, engine *cost.Engine) *Manager {
	return &Manager{db: gdb, store: store, engine: engine}
}

// TransportParams carries provider/transport identifiers from the kiosk.
type TransportParams struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	Voice     string `json:"voice"`
	Transport string `json:"transport"`
}

// Handle is the result of a start call.
type Handle struct {
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`
	AlreadyClosed bool      `json:"already_closed"`
}

// CloseResult reports whether a close call performed the mutation or
// observed it already done.
type CloseResult struct {
	Closed        bool      `json:"closed"`
	AlreadyClosed bool      `json:"already_closed"`
	EndedAt       time.Time `json:"ended_at"`
	EndReason     string    `json:"end_reason"`
	DurationMS    int64     `json:"duration_ms"`
}

// Start creates a session in the open state together with its empty cost
// ledger. A retry against a still-open session id fails with
// ErrDuplicateSession; a retry against a closed one succeeds idempotently
// with AlreadyClosed set.
func (m *Manager) Start(locationID, memberID string, p TransportParams) (*Handle, error) {
	if locationID == "" {
		return nil, fmt.Errorf("session: locationID is required")
	}
	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	var existing models.Session
	err := m.db.Where("id = ?", id).First(&existing).Error
	switch {
	case err == nil:
		if existing.Open() {
			return nil, fmt.Errorf("session: start %s: %w", id, ErrDuplicateSession)
		}
		return &Handle{SessionID: existing.ID, StartedAt: existing.StartedAt, AlreadyClosed: true}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("session: lookup %s: %w", id, err)
	}

	now := time.Now()
	sess := models.Session{
		ID:             id,
		LocationID:     locationID,
		MemberID:       memberID,
		Model:          p.Model,
		Voice:          p.Voice,
		Transport:      p.Transport,
		StartedAt:      now,
		LastActivityAt: now,
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sess).Error; err != nil {
			return fmt.Errorf("session: create %s: %w", id, err)
		}
		if err := m.engine.OpenLedger(tx, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		// A concurrent retry may have won the insert race.
		var raced models.Session
		if lookupErr := m.db.Where("id = ?", id).First(&raced).Error; lookupErr == nil {
			if raced.Open() {
				return nil, fmt.Errorf("session: start %s: %w", id, ErrDuplicateSession)
			}
			return &Handle{SessionID: raced.ID, StartedAt: raced.StartedAt, AlreadyClosed: true}, nil
		}
		return nil, err
	}
	return &Handle{SessionID: id, StartedAt: now}, nil
}

// EventInput is one inbound transport event.
type EventInput struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Payload string `json:"payload"`
	Intent  string `json:"intent"`
}

// RecordEvent appends a conversation event and bumps the matching turn
// counter on the session. An unknown session id is fatal for the event, not
// for the caller's session loop.
func (m *Manager) RecordEvent(sessionID string, in EventInput) error {
	if sessionID == "" {
		return fmt.Errorf("session: sessionID is required")
	}

	_, err := m.store.Append(sessionID, events.Input{
		Type:    in.Type,
		Speaker: in.Speaker,
		Payload: in.Payload,
		Intent:  in.Intent,
	})
	if err != nil {
		if errors.Is(err, events.ErrUnknownSession) {
			return fmt.Errorf("session: record event for %s: %w", sessionID, ErrUnknownSession)
		}
		return err
	}

	if col := counterColumn(in); col != "" {
		if err := m.db.Model(&models.Session{}).Where("id = ?", sessionID).
			Update(col, gorm.Expr(col+" + 1")).Error; err != nil {
			return fmt.Errorf("session: bump %s for %s: %w", col, sessionID, err)
		}
	}
	return nil
}

// counterColumn maps an event to the session counter it increments. A user
// speech start while the AI was mid-transcript would be an interruption; the
// transport flags those by sending speech_started with speaker "user" and a
// payload of "interrupt".
func counterColumn(in EventInput) string {
	switch in.Type {
	case models.EventTranscriptUser:
		return "user_turns"
	case models.EventTranscriptAI:
		return "ai_turns"
	case models.EventSpeechStarted:
		if in.Speaker == models.SpeakerUser && in.Payload == "interrupt" {
			return "interruptions"
		}
	}
	return ""
}

// Close closes a session with the given reason. Safe to call concurrently
// and repeatedly: the mutation is a single conditional update guarded by
// "ended_at IS NULL", so exactly one caller performs the close and all
// others observe the idempotent result. Estimate finalization runs inside
// the same transaction as the close.
func (m *Manager) Close(sessionID, reason string) (*CloseResult, error) {
	return m.close(sessionID, reason, "")
}

// ForceClose is the administrative close variant, recording the acting
// admin. Same idempotence guarantee as Close.
func (m *Manager) ForceClose(sessionID, actorID, reason string) (*CloseResult, error) {
	if actorID == "" {
		return nil, fmt.Errorf("session: actorID is required")
	}
	if reason == "" {
		reason = models.EndReasonAdminForced
	}
	return m.close(sessionID, reason, actorID)
}

func (m *Manager) close(sessionID, reason, actorID string) (*CloseResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session: sessionID is required")
	}
	if reason == "" {
		return nil, fmt.Errorf("session: reason is required")
	}

	var sess models.Session
	if err := m.db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session: close %s: %w", sessionID, ErrUnknownSession)
		}
		return nil, fmt.Errorf("session: close %s: %w", sessionID, err)
	}

	now := time.Now()
	var performed bool
	err := m.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Session{}).
			Where("id = ? AND ended_at IS NULL", sessionID).
			Updates(map[string]interface{}{
				"ended_at":    now,
				"end_reason":  reason,
				"closed_by":   actorID,
				"duration_ms": now.Sub(sess.StartedAt).Milliseconds(),
			})
		if res.Error != nil {
			return fmt.Errorf("session: close %s: %w", sessionID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race (or already closed earlier); nothing to finalize.
			return nil
		}
		performed = true
		return m.engine.FinalizeEstimate(tx, sessionID)
	})
	if err != nil {
		return nil, err
	}

	if !performed {
		// Re-read to report the original close, not ours.
		if err := m.db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			return nil, fmt.Errorf("session: close %s: %w", sessionID, err)
		}
		var endedAt time.Time
		if sess.EndedAt != nil {
			endedAt = *sess.EndedAt
		}
		return &CloseResult{
			AlreadyClosed: true,
			EndedAt:       endedAt,
			EndReason:     sess.EndReason,
			DurationMS:    sess.DurationMS,
		}, nil
	}
	return &CloseResult{
		Closed:     true,
		EndedAt:    now,
		EndReason:  reason,
		DurationMS: now.Sub(sess.StartedAt).Milliseconds(),
	}, nil
}

// ReapOrphans closes every open session whose last activity is older than
// maxAge, with reason timeout. Each close is itself idempotent, so the
// reaper racing a client disconnect handler (or a second reaper) is
// harmless. Returns the number of sessions this run actually closed.
func (m *Manager) ReapOrphans(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("session: maxAge must be positive")
	}

	cutoff := time.Now().Add(-maxAge)
	var orphans []models.Session
	if err := m.db.Where("ended_at IS NULL AND last_activity_at < ?", cutoff).
		Find(&orphans).Error; err != nil {
		return 0, fmt.Errorf("session: find orphans: %w", err)
	}

	closed := 0
	for _, s := range orphans {
		res, err := m.Close(s.ID, models.EndReasonTimeout)
		if err != nil {
			return closed, fmt.Errorf("session: reap %s: %w", s.ID, err)
		}
		if res.Closed {
			closed++
		}
	}
	return closed, nil
}

// Get returns the session row.
func (m *Manager) Get(sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := m.db.Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session: get %s: %w", sessionID, ErrUnknownSession)
		}
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	return &sess, nil
}
