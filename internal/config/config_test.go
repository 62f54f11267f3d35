package config

import (
	"strings"
	"testing"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("rates:\n  input_text_per_mtok: 4000000\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.DB.Host != "127.0.0.1" || cfg.DB.Port != 3306 {
		t.Errorf("DB defaults = %s:%d", cfg.DB.Host, cfg.DB.Port)
	}
	if cfg.DB.Database != "voicekiosk" {
		t.Errorf("DB.Database = %q", cfg.DB.Database)
	}
	if cfg.Gateway.TimeoutSec != 8 || cfg.Gateway.MaxTimeoutSec != 10 {
		t.Errorf("Gateway defaults = %d/%d", cfg.Gateway.TimeoutSec, cfg.Gateway.MaxTimeoutSec)
	}
	if cfg.Reaper.MaxAgeSec != 1800 {
		t.Errorf("Reaper.MaxAgeSec = %d", cfg.Reaper.MaxAgeSec)
	}
	if cfg.Retention.EventDays != 90 {
		t.Errorf("Retention.EventDays = %d", cfg.Retention.EventDays)
	}
	if cfg.Rates.InputTextPerMTok != 4000000 {
		t.Errorf("Rates.InputTextPerMTok = %d", cfg.Rates.InputTextPerMTok)
	}
}

func TestParse_TimeoutOverMax(t *testing.T) {
	_, err := Parse([]byte("gateway:\n  timeout_sec: 30\n  max_timeout_sec: 10\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "timeout_sec") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_ReaperTooShort(t *testing.T) {
	_, err := Parse([]byte("reaper:\n  max_age_sec: 5\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "max_age_sec") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_RetentionOrdering(t *testing.T) {
	_, err := Parse([]byte("retention:\n  event_days: 400\n  deidentify_days: 100\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "event_days") {
		t.Errorf("error = %q", err)
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte("gateway:\n  timeout_sec: 30\n  max_timeout_sec: 10\nreaper:\n  max_age_sec: 5\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "timeout_sec") || !strings.Contains(err.Error(), "max_age_sec") {
		t.Errorf("expected both violations, got %q", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("rates: ["))
	if err == nil {
		t.Fatal("expected parse error")
	}
}
