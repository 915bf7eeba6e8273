package config

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatValid(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.85")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.85 {
		t.Fatalf("expected 0.85, got %f", v)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("CONFLICT_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid CONFLICT_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "CONFLICT_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention CONFLICT_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("CONFLICT_PORT", "abc")
	t.Setenv("CONFLICT_TOP_K", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "CONFLICT_PORT") {
		t.Fatalf("error should mention CONFLICT_PORT, got: %s", got)
	}
	if !strings.Contains(got, "CONFLICT_TOP_K") {
		t.Fatalf("error should mention CONFLICT_TOP_K, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.ThresholdHigh != 0.93 || cfg.ThresholdMid != 0.80 {
		t.Fatalf("unexpected default thresholds: %f / %f", cfg.ThresholdHigh, cfg.ThresholdMid)
	}
}

func TestLoadStaffKeys(t *testing.T) {
	firmID := uuid.New()
	t.Setenv("CONFLICT_STAFF_KEYS",
		`[{"key_hash":"$argon2id$fake","staff_id":"reviewer-1","firm_id":"`+firmID.String()+`","role":"reviewer"}]`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.StaffKeys) != 1 {
		t.Fatalf("expected 1 staff key, got %d", len(cfg.StaffKeys))
	}
	if cfg.StaffKeys[0].FirmID != firmID || cfg.StaffKeys[0].Role != "reviewer" {
		t.Fatalf("staff key did not round-trip: %+v", cfg.StaffKeys[0])
	}
}

func TestLoadRejectsInvalidStaffRole(t *testing.T) {
	t.Setenv("CONFLICT_STAFF_KEYS",
		`[{"key_hash":"$argon2id$fake","staff_id":"x","firm_id":"`+uuid.NewString()+`","role":"superuser"}]`)
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject unknown role")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("CONFLICT_THRESHOLD_HIGH", "0.7")
	t.Setenv("CONFLICT_THRESHOLD_MID", "0.9")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject mid >= high")
	}
}
