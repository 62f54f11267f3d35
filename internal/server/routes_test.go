package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gympulse/voicekiosk/internal/config"
	"github.com/gympulse/voicekiosk/internal/cost"
	"github.com/gympulse/voicekiosk/internal/events"
	"github.com/gympulse/voicekiosk/internal/gateway"
	"github.com/gympulse/voicekiosk/internal/models"
	"github.com/gympulse/voicekiosk/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testRates() config.RatesConfig {
	return config.RatesConfig{
		InputTextPerMTok:   4_000_000,
		OutputTextPerMTok:  16_000_000,
		InputAudioPerMTok:  100_000_000,
		OutputAudioPerMTok: 200_000_000,
	}
}

type fixture struct {
	router *gin.Engine
	gdb    *gorm.DB
	engine *cost.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	err = gdb.AutoMigrate(&models.Session{}, &models.ConversationEvent{},
		&models.CostLedgerEntry{}, &models.CustomTool{}, &models.ToolExecution{},
		&models.ToolUsageCounter{}, &models.LocationRecord{})
	if err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}

	store := events.NewStore(gdb)
	engine := cost.NewEngine(gdb, testRates(), 24*time.Hour, nil, time.Hour)
	mgr := session.NewManager(gdb, store, engine)
	gw := gateway.New(gdb, 5*time.Second)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := &handlers{
		sessions:   mgr,
		store:      store,
		gateway:    gw,
		cost:       engine,
		adminToken: "secret",
		log:        slog.Default(),
	}
	h.register(router)

	return &fixture{router: router, gdb: gdb, engine: engine}
}

func (f *fixture) postJSON(t *testing.T, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w, decodeBody(t, w)
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w, decodeBody(t, w)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// TestSessionFlow walks a kiosk interaction end to end: start, a user
// transcript, a successful tool call, an AI transcript, usage, close, and
// the summary a dashboard would render afterwards.
func TestSessionFlow(t *testing.T) {
	f := newFixture(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"booked": true, "class": "spin"}`)
	}))
	defer backend.Close()

	tool := models.CustomTool{
		LocationID:  "L1",
		Name:        "book_class",
		BackendKind: models.BackendRest,
		Params:      `[{"name":"class_name","type":"string","required":true}]`,
		RestConfig:  fmt.Sprintf(`{"url":%q,"method":"POST"}`, backend.URL),
		Status:      models.ToolStatusActive,
	}
	if err := f.gdb.Create(&tool).Error; err != nil {
		t.Fatalf("seed tool: %v", err)
	}

	w, _ := f.postJSON(t, "/api/v1/session/start", gin.H{
		"location_id": "L1",
		"member_id":   "m-7",
		"transport":   gin.H{"session_id": "sess-1", "model": "rt-1", "voice": "alloy"},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}

	w, _ = f.postJSON(t, "/api/v1/session/event", gin.H{
		"session_id": "sess-1",
		"type":       models.EventTranscriptUser,
		"speaker":    models.SpeakerUser,
		"payload":    "book a spin class for tomorrow",
		"intent":     "book_class",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("event status = %d: %s", w.Code, w.Body.String())
	}

	w, body := f.postJSON(t, "/api/v1/tool/execute", gin.H{
		"location_id": "L1",
		"tool_name":   "book_class",
		"session_id":  "sess-1",
		"member_id":   "m-7",
		"args":        gin.H{"class_name": "spin"},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("execute status = %d: %s", w.Code, w.Body.String())
	}
	if body["ok"] != true || body["outcome"] != models.OutcomeSuccess {
		t.Fatalf("execute body = %v", body)
	}

	w, _ = f.postJSON(t, "/api/v1/session/event", gin.H{
		"session_id": "sess-1",
		"type":       models.EventTranscriptAI,
		"speaker":    models.SpeakerAI,
		"payload":    "Done, you're booked into tomorrow's spin class.",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ai event status = %d", w.Code)
	}

	if err := f.engine.RecordUsage("sess-1", cost.TokenCounts{InputAudio: 4000, OutputAudio: 2000, InputText: 800}); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	w, body = f.postJSON(t, "/api/v1/session/close", gin.H{
		"session_id": "sess-1",
		"reason":     models.EndReasonUserEnded,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d: %s", w.Code, w.Body.String())
	}
	if body["closed"] != true {
		t.Fatalf("close body = %v", body)
	}

	w, body = f.get(t, "/api/v1/session/sess-1/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("summary status = %d: %s", w.Code, w.Body.String())
	}
	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("summary missing stats: %v", body)
	}
	if stats["user_messages"] != float64(1) || stats["ai_messages"] != float64(1) {
		t.Errorf("message counts = %v / %v", stats["user_messages"], stats["ai_messages"])
	}
	timeline, ok := body["timeline"].([]any)
	if !ok || len(timeline) != 2 {
		t.Errorf("timeline = %v, want 2 events", body["timeline"])
	}
	est, ok := body["estimated_cost_usd"].(float64)
	if !ok || est <= 0 {
		t.Errorf("estimated_cost_usd = %v, want > 0", body["estimated_cost_usd"])
	}

	var execs int64
	f.gdb.Model(&models.ToolExecution{}).
		Where("session_id = ? AND outcome = ?", "sess-1", models.OutcomeSuccess).Count(&execs)
	if execs != 1 {
		t.Errorf("success executions = %d, want 1", execs)
	}
}

func TestStart_DuplicateConflict(t *testing.T) {
	f := newFixture(t)

	start := gin.H{"location_id": "L1", "transport": gin.H{"session_id": "sess-1"}}
	if w, _ := f.postJSON(t, "/api/v1/session/start", start, nil); w.Code != http.StatusOK {
		t.Fatalf("first start = %d", w.Code)
	}
	w, body := f.postJSON(t, "/api/v1/session/start", start, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate start = %d, want 409", w.Code)
	}
	if body["error"] != "duplicate_session" {
		t.Errorf("body = %v", body)
	}
}

func TestStart_MissingLocation(t *testing.T) {
	f := newFixture(t)
	w, _ := f.postJSON(t, "/api/v1/session/start", gin.H{"member_id": "m-1"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEvent_UnknownSession(t *testing.T) {
	f := newFixture(t)
	w, body := f.postJSON(t, "/api/v1/session/event", gin.H{
		"session_id": "missing",
		"type":       models.EventTranscriptUser,
	}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body["error"] != "unknown_session" {
		t.Errorf("body = %v", body)
	}
}

func TestForceClose_RequiresToken(t *testing.T) {
	f := newFixture(t)
	f.postJSON(t, "/api/v1/session/start", gin.H{
		"location_id": "L1",
		"transport":   gin.H{"session_id": "sess-1"},
	}, nil)

	req := gin.H{"session_id": "sess-1", "reason": "stuck", "actor_id": "admin-1"}

	if w, _ := f.postJSON(t, "/api/v1/session/force-close", req, nil); w.Code != http.StatusForbidden {
		t.Errorf("no token status = %d, want 403", w.Code)
	}
	if w, _ := f.postJSON(t, "/api/v1/session/force-close", req,
		map[string]string{"X-Admin-Token": "wrong"}); w.Code != http.StatusForbidden {
		t.Errorf("bad token status = %d, want 403", w.Code)
	}

	w, body := f.postJSON(t, "/api/v1/session/force-close", req,
		map[string]string{"X-Admin-Token": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if body["closed"] != true {
		t.Errorf("body = %v", body)
	}

	var sess models.Session
	f.gdb.First(&sess, "id = ?", "sess-1")
	if sess.EndReason != models.EndReasonAdminForced || sess.ClosedBy != "admin-1" {
		t.Errorf("session = %+v", sess)
	}
}

func TestToolExecute_FailureStill200(t *testing.T) {
	f := newFixture(t)
	w, body := f.postJSON(t, "/api/v1/tool/execute", gin.H{
		"location_id": "L1",
		"tool_name":   "no_such_tool",
		"session_id":  "sess-1",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with discriminated body", w.Code)
	}
	if body["ok"] == true || body["outcome"] != models.OutcomeNotFound {
		t.Errorf("body = %v", body)
	}
}

func TestSummary_UnknownSession(t *testing.T) {
	f := newFixture(t)
	w, _ := f.get(t, "/api/v1/session/missing/summary")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestReconcileCheck(t *testing.T) {
	f := newFixture(t)

	w, body := f.get(t, "/api/v1/cost/reconcile?action=check")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["needs_reconciliation"] != false {
		t.Errorf("body = %v", body)
	}

	if w, _ := f.get(t, "/api/v1/cost/reconcile?action=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("bogus action status = %d, want 400", w.Code)
	}
}

func TestReconcile_SkipsWhenNothingAwaits(t *testing.T) {
	f := newFixture(t)
	w, body := f.postJSON(t, "/api/v1/cost/reconcile", gin.H{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if body["skipped"] != true {
		t.Errorf("body = %v", body)
	}
}
