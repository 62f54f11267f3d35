package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gympulse/voicekiosk/internal/models"
	"gorm.io/gorm"
)

// TestCase is one stored or ad hoc tool test.
type TestCase struct {
	Args           map[string]any `json:"args"`
	ExpectedStatus string         `json:"expected_status,omitempty"`
}

// TestResult is the outcome of running a test case.
type TestResult struct {
	Passed   bool    `json:"passed"`
	Expected string  `json:"expected,omitempty"`
	Result   *Result `json:"result"`
}

// Test runs a tool against a synthetic session/member context, compares
// expected_status when present, and records the outcome on the tool. Test
// invocations use the separate in-memory limiter bucket, so real rate-limit
// counters are untouched.
func (g *Gateway) Test(ctx context.Context, toolID uint, tc TestCase) (*TestResult, error) {
	var tool models.CustomTool
	if err := g.db.First(&tool, toolID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("gateway: test tool %d: not found", toolID)
		}
		return nil, fmt.Errorf("gateway: test tool %d: %w", toolID, err)
	}

	res, err := g.Execute(ctx, ExecuteRequest{
		LocationID: tool.LocationID,
		ToolName:   tool.Name,
		SessionID:  "test-" + uuid.NewString(),
		MemberID:   "test-member",
		Args:       tc.Args,
		test:       true,
	})
	if err != nil {
		return nil, err
	}

	tr := &TestResult{Result: res, Expected: tc.ExpectedStatus}
	if tc.ExpectedStatus != "" {
		tr.Passed = res.Outcome == tc.ExpectedStatus
	} else {
		tr.Passed = res.OK
	}

	outcome := "fail"
	if tr.Passed {
		outcome = "pass"
	}
	now := time.Now()
	if err := g.db.Model(&models.CustomTool{}).Where("id = ?", toolID).Updates(map[string]interface{}{
		"last_test_result": outcome,
		"last_test_at":     now,
	}).Error; err != nil {
		return nil, fmt.Errorf("gateway: record test result for tool %d: %w", toolID, err)
	}
	return tr, nil
}
