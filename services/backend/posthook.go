package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"reviewbot/pkg/github"
	"reviewbot/pkg/telemetry"
)

// failureDisclaimer is appended to the rendered report whenever any
// package failed.
const failureDisclaimer = "\nNote that build failures [may predate](https://github.com/nix-community/hydra-check) " +
	"this PR, and could be nondeterministic or hardware dependent.\n" +
	"Please exercise your independent judgement.\n"

// Locker serializes the external publish call per pull request.
// *db.PublishLock satisfies it.
type Locker interface {
	Acquire(ctx context.Context, pr int) (func(), error)
}

// HammerRunner runs the static-analysis check over the changed
// attributes and returns its opaque report, or nil when it has nothing
// to say.
type HammerRunner interface {
	Run(ctx context.Context, attrs []string) (report *string, suggestions int, err error)
}

// ExecHammer shells out to the nixpkgs-hammer binary. Absent binary or a
// failed run both degrade to no report.
type ExecHammer struct {
	Logger *log.Logger
}

// Run implements HammerRunner.
func (h ExecHammer) Run(ctx context.Context, attrs []string) (*string, int, error) {
	if len(attrs) == 0 {
		return nil, 0, nil
	}
	if _, err := exec.LookPath("nixpkgs-hammer"); err != nil {
		return nil, 0, nil
	}

	out, err := exec.CommandContext(ctx, "nixpkgs-hammer", attrs...).Output()
	if err != nil {
		return nil, 0, fmt.Errorf("nixpkgs-hammer: %w", err)
	}

	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil, 0, nil
	}
	report := "\n" + text + "\n"
	return &report, strings.Count(text, "warning:"), nil
}

// PostHook is the step the build tool invokes in its shell after a
// build, with report.json, report.md, and changed-attrs.json in the
// working directory. It enriches the report, runs the publish gate, and
// posts the result when allowed.
type PostHook struct {
	gh     *github.Client
	gate   *Gate
	lock   Locker
	hammer HammerRunner
	logger *log.Logger
}

// NewPostHook wires the hook.
func NewPostHook(gh *github.Client, gate *Gate, lock Locker, hammer HammerRunner, logger *log.Logger) *PostHook {
	return &PostHook{gh: gh, gate: gate, lock: lock, hammer: hammer, logger: logger}
}

// Run executes the hook in dir.
func (h *PostHook) Run(ctx context.Context, dir string) error {
	pr, err := strconv.Atoi(os.Getenv("PR"))
	if err != nil {
		return fmt.Errorf("PR environment variable missing or not an integer")
	}
	clog := telemetry.PRLogger(h.logger, pr)

	reportPath := filepath.Join(dir, "report.json")
	report, err := LoadReport(reportPath)
	if err != nil {
		return err
	}
	report.PR = pr

	// Hammer suggestions are only worth posting for attributes defined
	// in files this pull request actually touched.
	attrs, err := h.modifiedAttrs(ctx, pr, dir)
	if err != nil {
		clog.Printf("error: determine modified attrs: %v", err)
	}

	if h.hammer != nil {
		hammerReport, suggestions, err := h.hammer.Run(ctx, attrs)
		if err != nil {
			clog.Printf("error: %v", err)
		} else {
			report.HammerReport = hammerReport
			report.NumSuggestions = suggestions
			if hammerReport != nil {
				if err := appendFile(filepath.Join(dir, "report.md"), *hammerReport); err != nil {
					clog.Printf("error: append hammer report: %v", err)
				}
			}
		}
	}

	if len(report.Failed) > 0 {
		if err := appendFile(filepath.Join(dir, "report.md"), failureDisclaimer); err != nil {
			clog.Printf("error: append disclaimer: %v", err)
		}
	}

	startTime := time.Time{}
	if v := os.Getenv("NIXPKGS_REVIEW_START_TIME"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			startTime = time.Unix(secs, 0)
		}
	}

	reason, err := h.gate.Decide(ctx, report, startTime)
	if err != nil {
		return fmt.Errorf("publish gate: %w", err)
	}

	if reason == BlockNone {
		if err := h.publish(ctx, pr, clog); err != nil {
			return err
		}
		report.Uploaded = true
	} else {
		metricPublishBlocked.WithLabelValues(string(reason)).Inc()
		report.Uploaded = false
		report.BlockedReason = string(reason)
	}

	return report.Save(reportPath)
}

// publish posts the result while holding the per-PR distributed lock, so
// concurrent workers for different architectures serialize their posts.
func (h *PostHook) publish(ctx context.Context, pr int, clog *log.Logger) error {
	release, err := h.lock.Acquire(ctx, pr)
	if err != nil {
		return fmt.Errorf("acquire publish lock: %w", err)
	}
	defer release()

	cmd := exec.CommandContext(ctx, "nixpkgs-review", "post-result", "--prefer-edit")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	clog.Printf("posted result")

	// Give the API a moment to register the comment before the lock is
	// released and another publisher looks for it.
	time.Sleep(2 * time.Second)
	return nil
}

// modifiedAttrs intersects the changed attributes reported by the build
// tool with the files the pull request touches.
func (h *PostHook) modifiedAttrs(ctx context.Context, pr int, dir string) ([]string, error) {
	diffURL := fmt.Sprintf("https://github.com/%s/pull/%d.diff", h.gh.Repo(), pr)
	diff, err := h.gh.GetText(ctx, diffURL)
	if err != nil {
		return nil, err
	}
	modifiedFiles := parseDiffFiles(diff)

	data, err := os.ReadFile(filepath.Join(dir, "changed-attrs.json"))
	if err != nil {
		return nil, err
	}

	var changed map[string]struct {
		Position *string `json:"position"`
	}
	if err := json.Unmarshal(data, &changed); err != nil {
		return nil, fmt.Errorf("parse changed-attrs.json: %w", err)
	}

	var attrs []string
	for name, attr := range changed {
		if attr.Position == nil {
			continue
		}
		file := *attr.Position
		if idx := strings.IndexByte(file, ':'); idx >= 0 {
			file = file[:idx]
		}
		// Positions are absolute paths into the checked-out worktree;
		// the diff names files relative to the repo root.
		if idx := strings.Index(file, "nixpkgs/"); idx >= 0 {
			file = file[idx+len("nixpkgs/"):]
		}
		if _, ok := modifiedFiles[file]; ok {
			attrs = append(attrs, name)
		}
	}
	return attrs, nil
}

// parseDiffFiles extracts the touched file set from a unified diff.
func parseDiffFiles(diff string) map[string]struct{} {
	files := map[string]struct{}{}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- a/"):
			files[strings.TrimPrefix(line, "--- a/")] = struct{}{}
		case strings.HasPrefix(line, "+++ b/"):
			files[strings.TrimPrefix(line, "+++ b/")] = struct{}{}
		}
	}
	return files
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return err
	}
	return nil
}
