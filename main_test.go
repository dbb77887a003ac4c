package main

import (
	"log/slog"
	"path/filepath"
	"testing"

	"wauthd/server"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRunConfigInitProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}
	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected second init to refuse overwriting")
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("generated config failed to load: %v", err)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "warehouse" {
		t.Errorf("unexpected clients in generated config: %+v", cfg.Clients)
	}
	if len(cfg.Users) != 1 {
		t.Errorf("expected one example user, got %d", len(cfg.Users))
	}
}
