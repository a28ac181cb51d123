package frontend

import (
	"testing"
	"time"
)

func TestLoadRejectsNonLoopbackListen(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:8080", false},
		{"localhost:9", false},
		{"[::1]:8080", false},
		{"0.0.0.0:8080", true},
		{"192.168.1.4:8080", true},
		{":8080", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			t.Setenv("REVIEWBOT_LISTEN", tt.addr)
			_, err := Load()
			if tt.wantErr && err == nil {
				t.Errorf("Load accepted %q", tt.addr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Load rejected %q: %v", tt.addr, err)
			}
		})
	}
}

func TestLoadPollInterval(t *testing.T) {
	t.Setenv("REVIEWBOT_LISTEN", "127.0.0.1:8080")

	t.Setenv("REVIEWBOT_POLL_INTERVAL", "90s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %s, want 90s", cfg.PollInterval)
	}

	t.Setenv("REVIEWBOT_POLL_INTERVAL", "-5s")
	if _, err := Load(); err == nil {
		t.Error("Load accepted a negative poll interval")
	}
}
