package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{"YES", false, true},
		{" on ", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CHATCRM_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("CHATCRM_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 800 * time.Millisecond
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"2s", 2 * time.Second},
		{" 1m30s ", 90 * time.Second},
		{"0", 0},
		{"-1s", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("CHATCRM_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("CHATCRM_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("CHATCRM_TEST_STRING", "  ")
	if got := GetEnvWithDefault("CHATCRM_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	t.Setenv("CHATCRM_TEST_STRING", " value ")
	if got := GetEnvWithDefault("CHATCRM_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("got %q, want %q", got, "value")
	}
}
