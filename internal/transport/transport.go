// Package transport ingests typed provider events over a websocket and maps
// them onto session, gateway, and cost operations. The bidirectional media
// channel itself lives with the provider; this side only consumes the event
// stream and pushes tool results back.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/gympulse/voicekiosk/internal/models"
	"github.com/gympulse/voicekiosk/internal/session"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var pingInterval = 25 * time.Second

// Inbound frame types.
const (
	FrameSpeechStarted = "speech_started"
	FrameSpeechStopped = "speech_stopped"
	FrameTranscript    = "transcript"
	FrameToolCall      = "tool_call"
	FrameUsage         = "usage"
	FrameEnd           = "end"
)

// Frame is one typed event on the transport connection.
type Frame struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Intent  string `json:"intent,omitempty"`

	// Tool call fields.
	CallID string         `json:"call_id,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// Usage fields.
	Usage *cost.TokenCounts `json:"usage,omitempty"`

	// End fields.
	Reason string `json:"reason,omitempty"`
}

// outFrame is a frame written back to the connection.
type outFrame struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id,omitempty"`
	Result *gateway.Result `json:"result,omitempty"`
	Close  any             `json:"close,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// wsConn serializes writes to one connection. gorilla/websocket supports a
// single concurrent writer, and the ping loop writes from its own goroutine.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Handler serves transport websocket connections.
type Handler struct {
	sessions *session.Manager
	gateway  *gateway.Gateway
	cost     *cost.Engine
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a websocket Handler.
func NewHandler(sessions *session.Manager, gw *gateway.Gateway, engine *cost.Engine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		gateway:  gw,
		cost:     engine,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the connection and pumps frames until the peer disconnects
// or sends an end frame. Each connection is its own actor: no state is
// shared across sessions here, every mutation goes through the store.
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("id")

	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "session_id": sessionID})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	ws := &wsConn{conn: conn}
	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(ws, done)

	h.log.Info("transport connected", "session_id", sessionID, "location_id", sess.LocationID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// Clean disconnect without an end frame: the kiosk may
				// reconnect; otherwise the orphan reaper times it out.
				return
			}
			h.log.Warn("transport read error", "session_id", sessionID, "error", err)
			// Abnormal disconnect (or a dead peer past the read deadline):
			// the conversation cannot continue, close as an error end.
			if _, cerr := h.sessions.Close(sessionID, models.EndReasonError); cerr != nil && !errors.Is(cerr, session.ErrUnknownSession) {
				h.log.Error("close after disconnect failed", "session_id", sessionID, "error", cerr)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.write(ws, outFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		if stop := h.handleFrame(ws, sess.LocationID, sessionID, sess.MemberID, frame); stop {
			return
		}
	}
}

// handleFrame applies one frame. An unknown-session error is fatal for the
// connection (the session was likely reaped); anything else is reported as
// an error frame and the connection keeps going.
func (h *Handler) handleFrame(ws *wsConn, locationID, sessionID, memberID string, frame Frame) bool {
	switch frame.Type {
	case FrameSpeechStarted, FrameSpeechStopped:
		eventType := models.EventSpeechStarted
		if frame.Type == FrameSpeechStopped {
			eventType = models.EventSpeechStopped
		}
		err := h.sessions.RecordEvent(sessionID, session.EventInput{
			Type:    eventType,
			Speaker: frame.Speaker,
			Payload: frame.Text,
		})
		return h.reportRecordErr(ws, sessionID, err)

	case FrameTranscript:
		eventType := models.EventTranscriptUser
		if frame.Speaker == models.SpeakerAI {
			eventType = models.EventTranscriptAI
		}
		err := h.sessions.RecordEvent(sessionID, session.EventInput{
			Type:    eventType,
			Speaker: frame.Speaker,
			Payload: frame.Text,
			Intent:  frame.Intent,
		})
		return h.reportRecordErr(ws, sessionID, err)

	case FrameToolCall:
		callJSON, _ := json.Marshal(map[string]any{"tool": frame.Tool, "args": frame.Args})
		if err := h.sessions.RecordEvent(sessionID, session.EventInput{
			Type:    models.EventToolCall,
			Speaker: models.SpeakerAI,
			Payload: string(callJSON),
		}); h.reportRecordErr(ws, sessionID, err) {
			return true
		}

		// The gateway bounds the call with its own timeout; a failed tool
		// call goes back to the AI as a result frame, never ends the session.
		res, err := h.gateway.Execute(context.Background(), gateway.ExecuteRequest{
			LocationID:     locationID,
			ToolName:       frame.Tool,
			SessionID:      sessionID,
			MemberID:       memberID,
			Args:           frame.Args,
			IdempotencyKey: frame.CallID,
		})
		if err != nil {
			h.log.Error("tool execute failed", "session_id", sessionID, "tool", frame.Tool, "error", err)
			h.write(ws, outFrame{Type: "error", CallID: frame.CallID, Error: err.Error()})
			return false
		}

		resultJSON, _ := json.Marshal(res)
		err = h.sessions.RecordEvent(sessionID, session.EventInput{
			Type:    models.EventToolResult,
			Speaker: models.SpeakerAI,
			Payload: string(resultJSON),
		})
		if h.reportRecordErr(ws, sessionID, err) {
			return true
		}
		h.write(ws, outFrame{Type: "tool_result", CallID: frame.CallID, Result: res})
		return false

	case FrameUsage:
		if frame.Usage == nil {
			h.write(ws, outFrame{Type: "error", Error: "usage frame missing counts"})
			return false
		}
		if err := h.cost.RecordUsage(sessionID, *frame.Usage); err != nil {
			h.log.Error("record usage failed", "session_id", sessionID, "error", err)
		}
		return false

	case FrameEnd:
		reason := frame.Reason
		if reason == "" {
			reason = models.EndReasonUserEnded
		}
		res, err := h.sessions.Close(sessionID, reason)
		if err != nil {
			h.write(ws, outFrame{Type: "error", Error: err.Error()})
			return true
		}
		h.write(ws, outFrame{Type: "closed", Close: res})
		return true

	default:
		h.write(ws, outFrame{Type: "error", Error: "unsupported frame type " + frame.Type})
		return false
	}
}

// reportRecordErr surfaces a RecordEvent failure. Unknown session ends the
// connection; other errors are fatal for the event only.
func (h *Handler) reportRecordErr(ws *wsConn, sessionID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, session.ErrUnknownSession) {
		h.write(ws, outFrame{Type: "error", Error: "unknown session"})
		return true
	}
	h.log.Error("record event failed", "session_id", sessionID, "error", err)
	h.write(ws, outFrame{Type: "error", Error: err.Error()})
	return false
}

func (h *Handler) write(ws *wsConn, frame outFrame) {
	if err := ws.writeJSON(frame); err != nil {
		h.log.Warn("transport write failed", "error", err)
	}
}

func (h *Handler) pingLoop(ws *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}
