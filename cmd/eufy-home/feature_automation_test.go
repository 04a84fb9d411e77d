//go:build !no_automation

package main

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestExecTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 10 * time.Second},
		{"3s", 3 * time.Second},
		{"soon", 10 * time.Second},
		{"-1s", 10 * time.Second},
	}
	for _, tt := range tests {
		if got := execTimeout(tt.raw, logger); got != tt.want {
			t.Errorf("execTimeout(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestScriptLocation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if loc := scriptLocation("", logger); loc != nil {
		t.Errorf("empty zone = %v, want nil", loc)
	}
	if loc := scriptLocation("UTC", logger); loc == nil || loc.String() != "UTC" {
		t.Errorf("UTC zone = %v", loc)
	}
	if loc := scriptLocation("Mars/Olympus", logger); loc != nil {
		t.Errorf("unknown zone = %v, want nil", loc)
	}
}
