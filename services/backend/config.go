package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// IdleCutoff is how long a worker waits between queue messages before
	// asking to be deprovisioned. The clock is not paused during builds;
	// it measures the interval between received messages.
	IdleCutoff = 15 * time.Minute

	// PollWait bounds one long-poll of the queue.
	PollWait = 20 * time.Second

	// BuildTimeout is the budget handed to the build tool, and
	// SilentTimeout its no-output budget. ReviewTimeout adds grace before
	// this process force-terminates the tool.
	BuildTimeout  = 2 * time.Hour
	SilentTimeout = 2 * time.Hour
	ReviewTimeout = BuildTimeout + 10*time.Minute
)

// Config holds the worker process configuration.
type Config struct {
	// System is the build architecture this worker serves, e.g.
	// "x86_64-linux". It selects the queue and the scaling group.
	System string

	DatabaseURL string
	NATSURL     string
	Bucket      string
	CacheDir    string
	PolicyFile  string

	GithubToken string

	SeedPRs []int
	DryRun  bool
}

// Load reads configuration from the environment. The build system
// defaults to the host architecture.
func Load() (Config, error) {
	cfg := Config{
		System:      os.Getenv("REVIEWBOT_SYSTEM"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		NATSURL:     getEnv("REVIEWBOT_NATS_URL", nats.DefaultURL),
		Bucket:      getEnv("REVIEWBOT_BUCKET", "nixpkgs-review-bot"),
		PolicyFile:  os.Getenv("REVIEWBOT_POLICY"),
		GithubToken: os.Getenv("GITHUB_TOKEN"),
	}

	if cfg.System == "" {
		system, err := hostSystem()
		if err != nil {
			return Config{}, err
		}
		cfg.System = system
	}

	if dir := os.Getenv("REVIEWBOT_CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.CacheDir = filepath.Join(home, ".cache", "nixpkgs-review")
	}

	return cfg, nil
}

func hostSystem() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64-linux", nil
	case "arm64":
		return "aarch64-linux", nil
	default:
		return "", fmt.Errorf("unsupported build architecture %q, set REVIEWBOT_SYSTEM", runtime.GOARCH)
	}
}

// Machine returns the bare machine name ("x86_64") of the configured
// system, as used in artifact paths and finished rows.
func (c Config) Machine() string {
	if idx := strings.IndexByte(c.System, '-'); idx > 0 {
		return c.System[:idx]
	}
	return c.System
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
