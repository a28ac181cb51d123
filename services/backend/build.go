package backend

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"reviewbot/pkg/queue"
	"reviewbot/pkg/telemetry"
)

// sentinelTimeout is the exit code recorded when the supervisor had to
// force-terminate the build tool. It is a normal unsuccessful outcome,
// not an error.
const sentinelTimeout = -1

const ofborgGistBase = "https://gist.githubusercontent.com/GrahamcOfBorg"

// Builder runs one build job end to end: stale-state purge, supervised
// build tool execution, artifact upload, and result persistence.
type Builder struct {
	cfg      Config
	uploader *Uploader
	finished *FinishedStore
	logger   *log.Logger
}

// NewBuilder wires a builder.
func NewBuilder(cfg Config, uploader *Uploader, finished *FinishedStore, logger *log.Logger) *Builder {
	return &Builder{cfg: cfg, uploader: uploader, finished: finished, logger: logger}
}

// Run executes one job. Jobs are never retried: every failure mode
// degrades to logs, a crashed row, or a timeout sentinel, so losing a
// job stays cheaper than running it twice.
func (b *Builder) Run(ctx context.Context, msg queue.Message) error {
	pr := msg.PR
	clog := telemetry.PRLogger(b.logger, pr)
	clog.Printf("starting build")
	metricBuildsStarted.Inc()

	b.purgeStale(pr, clog)

	extraEnv := []string{
		fmt.Sprintf("NIXPKGS_REVIEW_PR=%d", pr),
	}
	if msg.OfborgURL != nil {
		if raw, err := gistRawURL(*msg.OfborgURL); err == nil {
			extraEnv = append(extraEnv, "NIXPKGS_REVIEW_OFBORG_GIST_URL="+raw)
		} else {
			clog.Printf("error: bad evaluation url: %v", err)
		}
	}
	if b.cfg.DryRun {
		extraEnv = append(extraEnv, "REVIEWBOT_DRY_RUN=1")
	}

	// The start marker anchors the journald window the publish gate
	// scans for OOM events.
	if err := emitStartMarker(ctx, pr); err != nil {
		clog.Printf("error: journald start marker failed: %v", err)
	}

	start := time.Now()
	extraEnv = append(extraEnv, fmt.Sprintf("NIXPKGS_REVIEW_START_TIME=%d", start.Unix()))

	cmd, err := b.reviewCommand(pr, clog)
	if err != nil {
		clog.Printf("error: %v", err)
		return err
	}
	cmd.Env = append(os.Environ(), extraEnv...)

	code, err := b.supervise(ctx, cmd, ReviewTimeout, clog)
	if err != nil {
		// Interrupted mid-build; cleanup already ran, propagate.
		return err
	}
	clog.Printf("build tool exited with code %d", code)
	if code == sentinelTimeout {
		metricBuildTimeouts.Inc()
	}

	// Large transient state goes first so the disk-usage gate on a later
	// job reflects the store, not our worktree.
	jobDir := filepath.Join(b.cfg.CacheDir, fmt.Sprintf("pr-%d", pr))
	if err := os.RemoveAll(filepath.Join(jobDir, "nixpkgs")); err != nil {
		clog.Printf("error: remove worktree dir: %v", err)
	}

	// Both sinks run unconditionally and independently of each other and
	// of the exit code.
	b.uploader.UploadReport(ctx, pr, jobDir)

	report, err := LoadReport(filepath.Join(jobDir, "report.json"))
	if err != nil {
		clog.Printf("error: report file missing or unreadable: %v", err)
		report = nil
	}
	if err := b.finished.InsertFinished(ctx, clog, pr, time.Since(start), report); err != nil {
		clog.Printf("error: %v", err)
	}

	return nil
}

// reviewCommand assembles the build tool invocation with its own
// sub-budgets. The post-build hook is this same binary.
func (b *Builder) reviewCommand(pr int, clog *log.Logger) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}

	args := []string{
		"pr",
		strconv.Itoa(pr),
		"--post-logs",
		"--build-args",
		fmt.Sprintf("--timeout %d --max-silent-time %d",
			int(BuildTimeout.Seconds()), int(SilentTimeout.Seconds())),
		"--run",
		exe + " post-hook",
	}

	if b.cfg.GithubToken == "" {
		clog.Printf("error: no GITHUB_TOKEN, proceeding without --post-logs")
		filtered := args[:0]
		for _, a := range args {
			if a != "--post-logs" {
				filtered = append(filtered, a)
			}
		}
		args = filtered
	}

	cmd := exec.Command("nixpkgs-review", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// supervise runs the command under an absolute deadline using an active
// poll loop rather than a blocking wait, so an interrupt delivered during
// supervision can prune stale worktree state before it propagates.
// Deadline expiry force-terminates the process group and yields the
// timeout sentinel.
func (b *Builder) supervise(ctx context.Context, cmd *exec.Cmd, timeout time.Duration, clog *log.Logger) (int, error) {
	configureProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start build tool: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			return exitCode(cmd, waitErr), nil

		case <-ctx.Done():
			b.pruneWorktrees(clog)
			terminateProcessGroup(cmd)
			<-done
			return 0, ctx.Err()

		case <-ticker.C:
			if time.Now().After(deadline) {
				clog.Printf("error: build timed out")
				terminateProcessGroup(cmd)
				<-done
				return sentinelTimeout, nil
			}
		}
	}
}

func (b *Builder) pruneWorktrees(clog *log.Logger) {
	out, err := exec.Command("git", "worktree", "prune").CombinedOutput()
	if err != nil {
		clog.Printf("error: git worktree prune: %v: %s", err, out)
	}
}

func (b *Builder) purgeStale(pr int, clog *log.Logger) {
	pattern := filepath.Join(b.cfg.CacheDir, fmt.Sprintf("pr-%d*", pr))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		clog.Printf("error: glob %s: %v", pattern, err)
		return
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err != nil {
			clog.Printf("error: remove %s: %v", dir, err)
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return sentinelTimeout
	}
	return 0
}

func gistRawURL(target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("evaluation url has no path: %q", target)
	}
	return ofborgGistBase + parsed.Path + "/raw/", nil
}
