package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
)

type fakeJournal struct {
	byUnit map[string][]JournalEntry
}

func (f fakeJournal) Since(ctx context.Context, unit string, since time.Time) ([]JournalEntry, error) {
	return f.byUnit[unit], nil
}

type fakeGithub struct {
	pr       *github.PullRequest
	comments []github.Comment
	prErr    error
}

func (f fakeGithub) PullRequest(ctx context.Context, number int) (*github.PullRequest, error) {
	if f.prErr != nil {
		return nil, f.prErr
	}
	return f.pr, nil
}

func (f fakeGithub) IssueComments(ctx context.Context, number int) ([]github.Comment, error) {
	return f.comments, nil
}

func testGate(j Journal, gh GithubAPI, dryRun bool) *Gate {
	g := NewGate(j, gh, policy.Default(), log.New(io.Discard, "", 0), "x86_64-linux", dryRun)
	g.diskUsage = func(string) (float64, error) { return 0.5, nil }
	return g
}

func openPR(author string) *github.PullRequest {
	return &github.PullRequest{Number: 42, State: "open", User: github.User{Login: author}}
}

func TestGateDecideOrder(t *testing.T) {
	hammer := "some suggestion"
	optedOut := policy.Default().OptOutUsers[0]

	tests := []struct {
		name     string
		report   Report
		journal  map[string][]JournalEntry
		pr       *github.PullRequest
		comments []github.Comment
		disk     float64
		want     BlockReason
	}{
		{
			name:   "oom outranks everything",
			report: Report{PR: 42},
			journal: map[string][]JournalEntry{
				oomNotifyUnit: {{Message: `{"event": "OOM Kill"}`}},
			},
			pr:   openPR("alice"),
			want: BlockOOMEnospc,
		},
		{
			name:   "enospc shares the oom reason",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			journal: map[string][]JournalEntry{
				oomNotifyUnit: {{Message: `{"event": "ENOSPC"}`}},
			},
			pr:   openPR("alice"),
			want: BlockOOMEnospc,
		},
		{
			name:   "earlyoom sigterm",
			report: Report{PR: 42, Built: []string{"a"}},
			journal: map[string][]JournalEntry{
				earlyoomUnit: {{Message: "earlyoom: sending SIGTERM to process 123"}},
			},
			pr:   openPR("alice"),
			want: BlockEarlyOOM,
		},
		{
			name:   "disk full only matters with failures",
			report: Report{PR: 42, Built: []string{"a"}, Failed: []string{"b"}},
			pr:     openPR("alice"),
			disk:   0.97,
			want:   BlockDiskFull,
		},
		{
			name:   "full disk without failures is ignored",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr:     openPR("alice"),
			disk:   0.97,
			want:   BlockNone,
		},
		{
			name:   "nothing built nothing failed",
			report: Report{PR: 42, Skipped: []string{"a"}},
			pr:     openPR("alice"),
			want:   BlockNoPackagesBuilt,
		},
		{
			name:   "timeout blocks before the noise checks",
			report: Report{PR: 42, Built: []string{"a"}, TimedOut: []string{"b"}},
			pr:     openPR(optedOut),
			want:   BlockBuildTimeout,
		},
		{
			name:   "single clean package",
			report: Report{PR: 42, Built: []string{"a"}},
			pr:     openPR("alice"),
			want:   BlockSingleCleanPackage,
		},
		{
			name:   "single clean package outranks the opt-out list",
			report: Report{PR: 42, Built: []string{"a"}},
			pr:     openPR(optedOut),
			want:   BlockSingleCleanPackage,
		},
		{
			name:   "hammer findings rescue a single clean package",
			report: Report{PR: 42, Built: []string{"a"}, HammerReport: &hammer, NumSuggestions: 1},
			pr:     openPR("alice"),
			want:   BlockNone,
		},
		{
			name:   "opted-out author with no failures",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr:     openPR(optedOut),
			want:   BlockAuthorOptedOutClean,
		},
		{
			name:   "opted-out author still hears about failures",
			report: Report{PR: 42, Built: []string{"a"}, Failed: []string{"b"}},
			pr:     openPR(optedOut),
			want:   BlockNone,
		},
		{
			name:   "closed pull request",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr:     &github.PullRequest{Number: 42, State: "closed", User: github.User{Login: "alice"}},
			want:   BlockPRClosed,
		},
		{
			name:   "previous clean review in a comment",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr:     openPR("alice"),
			comments: []github.Comment{
				{Body: "Result of nixpkgs-review " + reviewSignature("x86_64-linux"), User: github.User{Login: "somebody"}},
			},
			want: BlockPreviousReview,
		},
		{
			name:   "previous review in the PR body",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr: &github.PullRequest{
				Number: 42, State: "open",
				Body: "see " + reviewSignature("x86_64-linux"),
				User: github.User{Login: "alice"},
			},
			want: BlockPreviousReview,
		},
		{
			name:   "previous review does not suppress failures",
			report: Report{PR: 42, Built: []string{"a"}, Failed: []string{"b"}},
			pr:     openPR("alice"),
			comments: []github.Comment{
				{Body: reviewSignature("x86_64-linux"), User: github.User{Login: "somebody"}},
			},
			want: BlockNone,
		},
		{
			name:   "clean multi-package build publishes",
			report: Report{PR: 42, Built: []string{"a", "b"}},
			pr:     openPR("alice"),
			want:   BlockNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGate(fakeJournal{byUnit: tt.journal}, fakeGithub{pr: tt.pr, comments: tt.comments}, false)
			if tt.disk != 0 {
				g.diskUsage = func(string) (float64, error) { return tt.disk, nil }
			}

			got, err := g.Decide(context.Background(), &tt.report, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGateEditPathSkipsNoiseChecks(t *testing.T) {
	// A prior comment by the bot means we edit in place, so the checks
	// that only exist to avoid notification noise must not apply.
	optedOut := policy.Default().OptOutUsers[0]
	gh := fakeGithub{
		pr: openPR(optedOut),
		comments: []github.Comment{
			{Body: "earlier result " + reviewSignature("x86_64-linux"), User: github.User{Login: policy.Default().BotLogin}},
		},
	}

	// Single clean package by an opted-out author with a previous
	// review: three skipped reasons at once.
	r := Report{PR: 42, Built: []string{"a"}}
	g := testGate(fakeJournal{}, gh, false)

	got, err := g.Decide(context.Background(), &r, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got != BlockNone {
		t.Errorf("Decide = %s, want %s", got, BlockNone)
	}
}

func TestGateEditPathDoesNotFetchPR(t *testing.T) {
	gh := fakeGithub{
		prErr: fmt.Errorf("should not be called"),
		comments: []github.Comment{
			{Body: "old result", User: github.User{Login: policy.Default().BotLogin}},
		},
	}

	g := testGate(fakeJournal{}, gh, false)
	got, err := g.Decide(context.Background(), &Report{PR: 42, Built: []string{"a", "b"}}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got != BlockNone {
		t.Errorf("Decide = %s, want %s", got, BlockNone)
	}
}

func TestGateDryRunBlocksLast(t *testing.T) {
	g := testGate(fakeJournal{}, fakeGithub{pr: openPR("alice")}, true)
	got, err := g.Decide(context.Background(), &Report{PR: 42, Built: []string{"a", "b"}}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got != BlockDryRun {
		t.Errorf("Decide = %s, want %s", got, BlockDryRun)
	}
}

func TestGateSkipsJournalWithoutStartTime(t *testing.T) {
	// A stale OOM record from an earlier job must not block a build
	// whose start time never made it into the environment.
	journal := fakeJournal{byUnit: map[string][]JournalEntry{
		oomNotifyUnit: {{Message: `{"event": "OOM Kill"}`}},
		earlyoomUnit:  {{Message: "earlyoom: sending SIGKILL to process 99"}},
	}}

	g := testGate(journal, fakeGithub{pr: openPR("alice")}, false)
	got, err := g.Decide(context.Background(), &Report{PR: 42, Built: []string{"a", "b"}}, time.Time{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got != BlockNone {
		t.Errorf("Decide = %s, want %s", got, BlockNone)
	}
}

func TestGateJournalErrorIsNotFatal(t *testing.T) {
	g := testGate(brokenJournal{}, fakeGithub{pr: openPR("alice")}, false)
	got, err := g.Decide(context.Background(), &Report{PR: 42, Built: []string{"a", "b"}}, time.Now())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got != BlockNone {
		t.Errorf("Decide = %s, want %s", got, BlockNone)
	}
}

type brokenJournal struct{}

func (brokenJournal) Since(ctx context.Context, unit string, since time.Time) ([]JournalEntry, error) {
	return nil, fmt.Errorf("journalctl missing")
}
