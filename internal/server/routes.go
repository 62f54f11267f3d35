package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/gympulse/voicekiosk/internal/session"
)

type handlers struct {
	sessions   *session.Manager
	store      *events.Store
	gateway    *gateway.Gateway
	cost       *cost.Engine
	adminToken string
	log        *slog.Logger
}

// register sets up all API routes.
func (h *handlers) register(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.POST("/session/start", h.handleStart)
	api.POST("/session/event", h.handleEvent)
	api.POST("/session/close", h.handleClose)
	api.POST("/session/force-close", h.handleForceClose)
	api.GET("/session/:id/summary", h.handleSummary)
	api.POST("/tool/execute", h.handleToolExecute)
	api.POST("/tool/:id/test", h.handleToolTest)
	api.POST("/cost/reconcile", h.handleReconcile)
	api.GET("/cost/reconcile", h.handleReconcileCheck)
}

type startRequest struct {
	LocationID string                  `json:"location_id" binding:"required"`
	MemberID   string                  `json:"member_id"`
	Transport  session.TransportParams `json:"transport"`
}

func (h *handlers) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.sessions.Start(req.LocationID, req.MemberID, req.Transport)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_session", "detail": err.Error()})
			return
		}
		h.log.Error("session start failed", "location_id", req.LocationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, handle)
}

type eventRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Speaker   string `json:"speaker"`
	Payload   string `json:"payload"`
	Intent    string `json:"intent"`
}

func (h *handlers) handleEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.sessions.RecordEvent(req.SessionID, session.EventInput{
		Type:    req.Type,
		Speaker: req.Speaker,
		Payload: req.Payload,
		Intent:  req.Intent,
	})
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "session_id": req.SessionID})
			return
		}
		h.log.Error("record event failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

type closeRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	ActorID   string `json:"actor_id"`
}

func (h *handlers) handleClose(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.sessions.Close(req.SessionID, req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "session_id": req.SessionID})
			return
		}
		h.log.Error("close failed", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) handleForceClose(c *gin.Context) {
	if h.adminToken == "" || c.GetHeader("X-Admin-Token") != h.adminToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin token required"})
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ActorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor_id is required"})
		return
	}

	res, err := h.sessions.ForceClose(req.SessionID, req.ActorID, req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "session_id": req.SessionID})
			return
		}
		h.log.Error("force close failed", "session_id", req.SessionID, "actor_id", req.ActorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.log.Info("session force-closed", "session_id", req.SessionID, "actor_id", req.ActorID)
	c.JSON(http.StatusOK, res)
}

// handleSummary returns session metadata, the full event timeline, and
// derived conversation statistics for the dashboard.
func (h *handlers) handleSummary(c *gin.Context) {
	id := c.Param("id")

	sess, err := h.sessions.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_session", "session_id": id})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	timeline, err := h.store.Timeline(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := h.store.Aggregate(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"session": sess, "timeline": timeline, "stats": stats}
	if ledger, err := h.cost.Estimate(id); err == nil {
		resp["estimated_cost_usd"] = cost.Dollars(ledger.EstimatedMicroUSD)
		if ledger.ReconciledMicroUSD != nil {
			resp["reconciled_cost_usd"] = cost.Dollars(*ledger.ReconciledMicroUSD)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) handleToolExecute(c *gin.Context) {
	var req gateway.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.gateway.Execute(c.Request.Context(), req)
	if err != nil {
		h.log.Error("tool execute failed", "tool", req.ToolName, "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Tool failures are conversational state for the AI to narrate, not
	// transport errors: always 200 with a discriminated body.
	c.JSON(http.StatusOK, res)
}

type toolTestRequest struct {
	Args           map[string]any `json:"args"`
	ExpectedStatus string         `json:"expected_status"`
}

func (h *handlers) handleToolTest(c *gin.Context) {
	if h.adminToken == "" || c.GetHeader("X-Admin-Token") != h.adminToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin token required"})
		return
	}
	id64, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tool id"})
		return
	}
	toolID := uint(id64)
	var req toolTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.gateway.Test(c.Request.Context(), toolID, gateway.TestCase{
		Args:           req.Args,
		ExpectedStatus: req.ExpectedStatus,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type reconcileRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Force bool   `json:"force"`
}

func (h *handlers) handleReconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now
	if req.From != "" {
		t, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from: expected RFC3339"})
			return
		}
		from = t
	}
	if req.To != "" {
		t, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to: expected RFC3339"})
			return
		}
		to = t
	}

	if !req.Force {
		needed, err := h.cost.NeedsReconciliation()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !needed {
			c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": "no ledgers awaiting reconciliation"})
			return
		}
	}

	report, err := h.cost.Reconcile(c.Request.Context(), from, to)
	if err != nil {
		h.log.Error("reconcile failed", "from", from, "to", to, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handlers) handleReconcileCheck(c *gin.Context) {
	if c.Query("action") != "check" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action"})
		return
	}
	needed, err := h.cost.NeedsReconciliation()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"needs_reconciliation": needed})
}
