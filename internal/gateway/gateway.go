// Package gateway validates, authenticates, rate-limits, and executes
// provider-requested tool calls against heterogeneous backends.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// Rate-limit ceilings, named in denial results.
const (
	CeilingMemberDaily    = "member_daily"
	CeilingLocationHourly = "location_hourly"
)

// Gateway resolves and executes location-scoped custom tools.
type Gateway struct {
	db      *gorm.DB
	timeout time.Duration
	client  *http.Client

	// testLimiter is a separate, non-persistent bucket used by Test so
	// test invocations never consume real rate-limit budget.
	testLimiter *memoryLimiter
}

// New returns a Gateway. timeout bounds every outbound backend call.
func New(gdb *gorm.DB, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Gateway{
		db:          gdb,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
		testLimiter: newMemoryLimiter(),
	}
}

// ExecuteRequest identifies the tool and the conversational context invoking
// it.
type ExecuteRequest struct {
	LocationID     string         `json:"location_id"`
	ToolName       string         `json:"tool_name"`
	SessionID      string         `json:"session_id"`
	MemberID       string         `json:"member_id"`
	Args           map[string]any `json:"args"`
	IdempotencyKey string         `json:"idempotency_key"`

	test bool
}

// Result is the discriminated outcome of one tool invocation. Failures are
// conversational state delivered back to the AI, never panics that unwind
// the session.
type Result struct {
	ExecutionID string          `json:"execution_id"`
	OK          bool            `json:"ok"`
	Outcome     string          `json:"outcome"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Violations  []string        `json:"violations,omitempty"`
	Ceiling     string          `json:"ceiling,omitempty"`
	Status      int             `json:"upstream_status,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
}

// Execute resolves the tool by (location, name), validates args against its
// parameter schema (reporting every violation, not just the first), checks
// both rate-limit ceilings, dispatches to the backend with a bounded timeout,
// and always persists a ToolExecution record — including denials, with zero
// duration — so every AI-initiated side effect is auditable.
func (g *Gateway) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if req.LocationID == "" {
		return nil, fmt.Errorf("gateway: locationID is required")
	}
	if req.ToolName == "" {
		return nil, fmt.Errorf("gateway: toolName is required")
	}

	res := &Result{ExecutionID: uuid.NewString()}

	var tool models.CustomTool
	err := g.db.Where("location_id = ? AND name = ?", req.LocationID, req.ToolName).First(&tool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && tool.Status != models.ToolStatusActive) {
		res.Outcome = models.OutcomeNotFound
		res.Error = fmt.Sprintf("tool %q is not available at this location", req.ToolName)
		return res, g.record(req, &tool, res)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: lookup tool %s/%s: %w", req.LocationID, req.ToolName, err)
	}

	specs, err := parseParams(tool.Params)
	if err != nil {
		return nil, fmt.Errorf("gateway: tool %s/%s has malformed params: %w", req.LocationID, req.ToolName, err)
	}
	if violations := ValidateArgs(specs, req.Args); len(violations) > 0 {
		res.Outcome = models.OutcomeInvalidArgs
		res.Violations = violations
		res.Error = strings.Join(violations, "; ")
		return res, g.record(req, &tool, res)
	}

	if ceiling, err := g.checkLimits(&tool, req); err != nil {
		return nil, err
	} else if ceiling != "" {
		res.Outcome = models.OutcomeRateLimited
		res.Ceiling = ceiling
		res.Error = fmt.Sprintf("rate limit exceeded: %s ceiling", ceiling)
		return res, g.record(req, &tool, res)
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var out json.RawMessage
	var status int
	switch tool.BackendKind {
	case models.BackendRest:
		out, status, err = g.dispatchRest(callCtx, &tool, req)
	case models.BackendStoreQuery:
		out, err = g.dispatchStoreQuery(&tool, req)
	case models.BackendWebhook:
		out, status, err = g.dispatchWebhook(callCtx, &tool, req, res.ExecutionID)
	default:
		err = fmt.Errorf("unsupported backend kind %q", tool.BackendKind)
	}
	res.DurationMS = time.Since(started).Milliseconds()

	if err != nil {
		res.Outcome = models.OutcomeUpstream
		res.Error = err.Error()
		res.Status = status
		return res, g.record(req, &tool, res)
	}
	res.OK = true
	res.Outcome = models.OutcomeSuccess
	res.Output = out
	res.Status = status
	return res, g.record(req, &tool, res)
}

// record writes the audit row for one invocation. Denials carry zero
// duration; a late result arriving after session close is still written.
func (g *Gateway) record(req ExecuteRequest, tool *models.CustomTool, res *Result) error {
	args, _ := json.Marshal(req.Args)
	exec := models.ToolExecution{
		ExecutionID: res.ExecutionID,
		ToolID:      tool.ID,
		ToolName:    req.ToolName,
		LocationID:  req.LocationID,
		SessionID:   req.SessionID,
		MemberID:    req.MemberID,
		Args:        string(args),
		Outcome:     res.Outcome,
		Result:      string(res.Output),
		Error:       res.Error,
		DurationMS:  res.DurationMS,
		CreatedAt:   time.Now(),
	}
	if err := g.db.Create(&exec).Error; err != nil {
		return fmt.Errorf("gateway: record execution %s: %w", res.ExecutionID, err)
	}
	return nil
}

// checkLimits enforces both ceilings, returning the name of the ceiling that
// was hit or "" when the call may proceed. Test invocations hit the
// in-memory bucket instead of the shared counters.
func (g *Gateway) checkLimits(tool *models.CustomTool, req ExecuteRequest) (string, error) {
	if req.test {
		if tool.MemberDailyLimit > 0 && req.MemberID != "" &&
			!g.testLimiter.allow(tool.ID, models.ScopeMember, req.MemberID, dayWindow(time.Now()), tool.MemberDailyLimit) {
			return CeilingMemberDaily, nil
		}
		if tool.LocationHourlyLimit > 0 &&
			!g.testLimiter.allow(tool.ID, models.ScopeLocation, req.LocationID, hourWindow(time.Now()), tool.LocationHourlyLimit) {
			return CeilingLocationHourly, nil
		}
		return "", nil
	}

	now := time.Now()
	if tool.MemberDailyLimit > 0 && req.MemberID != "" {
		ok, err := incrementUnder(g.db, tool.ID, models.ScopeMember, req.MemberID, dayWindow(now), tool.MemberDailyLimit)
		if err != nil {
			return "", err
		}
		if !ok {
			return CeilingMemberDaily, nil
		}
	}
	if tool.LocationHourlyLimit > 0 {
		ok, err := incrementUnder(g.db, tool.ID, models.ScopeLocation, req.LocationID, hourWindow(now), tool.LocationHourlyLimit)
		if err != nil {
			return "", err
		}
		if !ok {
			// Hand back the member slot consumed above so a location-level
			// denial doesn't burn the member's daily budget.
			if tool.MemberDailyLimit > 0 && req.MemberID != "" {
				decrement(g.db, tool.ID, models.ScopeMember, req.MemberID, dayWindow(now))
			}
			return CeilingLocationHourly, nil
		}
	}
	return "", nil
}
