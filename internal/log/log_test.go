package log

import (
	"errors"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" DEBUG ", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFields(t *testing.T) {
	f := fields("pin", "GPIO17", 3, "skipped", "timeout", 2*time.Second, "err", errors.New("boom"), "dangling")

	if got := f["pin"]; got != "GPIO17" {
		t.Errorf("pin = %v, want GPIO17", got)
	}
	if got := f["timeout"]; got != "2s" {
		t.Errorf("timeout = %v, want 2s", got)
	}
	if got := f["err"]; got != "boom" {
		t.Errorf("err = %v, want boom", got)
	}
	if len(f) != 3 {
		t.Errorf("len(fields) = %d, want 3: %v", len(f), f)
	}
}
