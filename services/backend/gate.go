package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
)

const (
	oomNotifyUnit = "oom-enospc-notify.service"
	earlyoomUnit  = "earlyoom.service"

	// diskFullFraction is the /nix usage above which failures are
	// attributed to the machine rather than the change.
	diskFullFraction = 0.95

	nixStorePath = "/nix"
)

// reviewSignature is the marker every published review carries. Its
// presence in an existing comment means somebody already reviewed this
// pull request the same way.
func reviewSignature(system string) string {
	return fmt.Sprintf("run on %s [1](https://github.com/Mic92/nixpkgs-review)", system)
}

// GithubAPI is the slice of the GitHub client the gate needs.
type GithubAPI interface {
	PullRequest(ctx context.Context, number int) (*github.PullRequest, error)
	IssueComments(ctx context.Context, number int) ([]github.Comment, error)
}

// Gate decides whether a finished build's result may be published.
type Gate struct {
	journal Journal
	gh      GithubAPI
	policy  policy.Policy
	logger  *log.Logger

	system string
	dryRun bool

	// diskUsage is swappable for tests; defaults to statfs on /nix.
	diskUsage func(path string) (float64, error)
}

// NewGate builds a gate for the given system identity.
func NewGate(journal Journal, gh GithubAPI, pol policy.Policy, logger *log.Logger, system string, dryRun bool) *Gate {
	return &Gate{
		journal:   journal,
		gh:        gh,
		policy:    pol,
		logger:    logger,
		system:    system,
		dryRun:    dryRun,
		diskUsage: statfsUsage,
	}
}

// Decide evaluates the predicate chain in fixed order and returns the
// first matching block reason, or BlockNone. startTime is the build start
// used to window the system log scans. The result is a return value only;
// the caller records it on the report.
//
// The machine-health and emptiness checks always apply. The
// noise-avoidance checks are skipped entirely when a prior comment by the
// bot exists, because editing a comment does not notify anyone.
func (g *Gate) Decide(ctx context.Context, r *Report, startTime time.Time) (BlockReason, error) {
	// With no start time the scan window would cover all of history, and
	// a stale OOM entry from an earlier job would block this one.
	if startTime.IsZero() {
		g.logger.Printf("error: build start time unknown, skipping system log checks")
	} else {
		if blocked, err := g.oomOrEnospc(ctx, startTime); err != nil {
			g.logger.Printf("error: oom journal scan failed: %v", err)
		} else if blocked {
			g.logger.Printf("error: upload blocked, OOM or ENOSPC during build")
			return BlockOOMEnospc, nil
		}

		if blocked, err := g.earlyOOM(ctx, startTime); err != nil {
			g.logger.Printf("error: earlyoom journal scan failed: %v", err)
		} else if blocked {
			g.logger.Printf("error: upload blocked, early OOM killer fired")
			return BlockEarlyOOM, nil
		}
	}

	if len(r.Failed) > 0 {
		frac, err := g.diskUsage(nixStorePath)
		if err != nil {
			g.logger.Printf("error: disk usage check failed: %v", err)
		} else if frac > diskFullFraction {
			g.logger.Printf("error: upload blocked, disk is full")
			return BlockDiskFull, nil
		}
	}

	if len(r.Built)+len(r.Failed) == 0 {
		g.logger.Printf("error: upload blocked, no packages built")
		return BlockNoPackagesBuilt, nil
	}

	if len(r.TimedOut) > 0 {
		g.logger.Printf("error: upload blocked, build timeout")
		return BlockBuildTimeout, nil
	}

	comments, err := g.gh.IssueComments(ctx, r.PR)
	if err != nil {
		return BlockNone, fmt.Errorf("fetch comments: %w", err)
	}

	isEdit := false
	for _, c := range comments {
		if c.User.Login == g.policy.BotLogin {
			isEdit = true
			break
		}
	}

	if !isEdit {
		// First post: these checks exist to avoid notification noise.
		// Editing a prior comment triggers no notification, so they are
		// skipped on the edit path.
		if len(r.Built) == 1 && len(r.Failed) == 0 && r.HammerReport == nil {
			g.logger.Printf("error: upload blocked, single clean package")
			return BlockSingleCleanPackage, nil
		}

		pr, err := g.gh.PullRequest(ctx, r.PR)
		if err != nil {
			return BlockNone, fmt.Errorf("fetch pull request: %w", err)
		}

		if g.policy.OptedOut(pr.User.Login) && len(r.Failed) == 0 {
			g.logger.Printf("error: upload blocked, author opted out and no failures")
			return BlockAuthorOptedOutClean, nil
		}

		if pr.State == "closed" {
			g.logger.Printf("error: upload blocked, pull request closed or merged")
			return BlockPRClosed, nil
		}

		if g.previousReviewExists(pr, comments) && len(r.Failed) == 0 && r.HammerReport == nil {
			g.logger.Printf("error: upload blocked, equivalent review already posted")
			return BlockPreviousReview, nil
		}
	}

	if g.dryRun {
		g.logger.Printf("error: upload blocked, dry run")
		return BlockDryRun, nil
	}

	g.logger.Printf("upload not blocked for any reason")
	return BlockNone, nil
}

func (g *Gate) previousReviewExists(pr *github.PullRequest, comments []github.Comment) bool {
	needle := reviewSignature(g.system)
	if strings.Contains(pr.Body, needle) {
		return true
	}
	for _, c := range comments {
		if strings.Contains(c.Body, needle) {
			return true
		}
	}
	return false
}

func (g *Gate) oomOrEnospc(ctx context.Context, since time.Time) (bool, error) {
	entries, err := g.journal.Since(ctx, oomNotifyUnit, since)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		var msg struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal([]byte(entry.Message), &msg); err != nil {
			continue
		}
		if msg.Event == "OOM Kill" || msg.Event == "ENOSPC" {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) earlyOOM(ctx context.Context, since time.Time) (bool, error) {
	entries, err := g.journal.Since(ctx, earlyoomUnit, since)
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		if strings.Contains(entry.Message, "sending SIGTERM to process") ||
			strings.Contains(entry.Message, "sending SIGKILL to process") {
			return true, nil
		}
	}
	return false, nil
}

func statfsUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs %s: zero total size", path)
	}
	free := st.Bfree * uint64(st.Bsize)
	return float64(total-free) / float64(total), nil
}
