package frontend

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// BuildSystems are the architectures with a queue and a worker pool.
// One queue and one scaling group exist per entry.
var BuildSystems = []string{
	"aarch64-linux",
	"x86_64-linux",
}

// Config holds the frontend process configuration, sourced from the
// environment plus a few CLI flags merged in by main.
type Config struct {
	GithubToken string
	DatabaseURL string
	NATSURL     string
	ListenAddr  string
	PolicyFile  string

	PollInterval time.Duration

	SeedPRs []int
	DryRun  bool
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		GithubToken:  os.Getenv("GITHUB_TOKEN"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		NATSURL:      getEnv("REVIEWBOT_NATS_URL", nats.DefaultURL),
		ListenAddr:   getEnv("REVIEWBOT_LISTEN", "127.0.0.1:8080"),
		PolicyFile:   os.Getenv("REVIEWBOT_POLICY"),
		PollInterval: 60 * time.Second,
	}

	if v := os.Getenv("REVIEWBOT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid REVIEWBOT_POLL_INTERVAL: %q", v)
		}
		cfg.PollInterval = d
	}

	// The submission endpoint accepts unauthenticated posts, so it must
	// never be reachable from outside the machine.
	host := cfg.ListenAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	switch host {
	case "127.0.0.1", "localhost", "::1", "[::1]":
	default:
		return Config{}, fmt.Errorf("REVIEWBOT_LISTEN must bind loopback, got %q", cfg.ListenAddr)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
