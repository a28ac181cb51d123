package frontend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
	"reviewbot/pkg/telemetry"
)

const (
	// The evaluator posts exactly this status description on success.
	ofborgSuccessDescription = "^.^!"
	ofborgFailureDescription = "This PR does not cleanly list package outputs after merging."

	ofborgGistBase = "https://gist.githubusercontent.com/GrahamcOfBorg"

	resolveDeadline = 6 * time.Hour
)

// Evaluation is the affected-package listing produced by the third-party
// evaluator for one pull request.
type Evaluation struct {
	URL               string
	PackagesPerSystem map[string][]string
}

// Counts returns the per-system package counts for the dispatch record.
func (e *Evaluation) Counts() map[string]int {
	counts := make(map[string]int, len(e.PackagesPerSystem))
	for system, attrs := range e.PackagesPerSystem {
		counts[system] = len(attrs)
	}
	return counts
}

// Resolver polls a pull request until the evaluator has classified it.
type Resolver struct {
	gh     *github.Client
	policy policy.Policy
	logger *log.Logger

	// Interval between polls; deadline bounds the whole resolution. Both
	// are fields so tests can shrink them.
	Interval time.Duration
	Deadline time.Duration
}

// NewResolver returns a resolver with production timing.
func NewResolver(gh *github.Client, pol policy.Policy, logger *log.Logger) *Resolver {
	return &Resolver{
		gh:       gh,
		policy:   pol,
		logger:   logger,
		Interval: 60 * time.Second,
		Deadline: resolveDeadline,
	}
}

// Resolve blocks until the evaluator reaches a verdict for the event's
// pull request, the deadline passes, or ctx is cancelled. A nil
// Evaluation with a nil error means the pull request produced nothing to
// build (evaluator failure, empty listing, or timeout).
func (r *Resolver) Resolve(ctx context.Context, event github.Event) (*Evaluation, error) {
	if r == nil || r.gh == nil {
		return nil, errors.New("nil resolver")
	}
	if event.Payload.PullRequest == nil {
		return nil, errors.New("event has no pull request payload")
	}

	clog := telemetry.PRLogger(r.logger, event.Payload.Number)
	prURL := event.Payload.PullRequest.Links.Self.Href
	start := time.Now()

	for {
		pr, err := r.gh.PullRequestAt(ctx, prURL)

		// The deadline is checked once per iteration, right after the
		// fetch, so overrun can exceed it by up to one interval.
		if time.Since(start) > r.Deadline {
			clog.Printf("error: evaluator timed out after %s", r.Deadline)
			metricResolutions.WithLabelValues("timeout").Inc()
			return nil, nil
		}

		switch {
		case err != nil:
			clog.Printf("error: pull request fetch failed: %v", err)
			if !r.sleep(ctx) {
				return nil, ctx.Err()
			}
			continue
		case pr.Draft:
			clog.Printf("sleeping on draft pull request")
			if !r.sleep(ctx) {
				return nil, ctx.Err()
			}
			continue
		case pr.StatusesURL == "":
			clog.Printf("error: malformed pull request response, no statuses url")
			if !r.sleep(ctx) {
				return nil, ctx.Err()
			}
			continue
		}

		statuses, err := r.gh.Statuses(ctx, pr.StatusesURL)
		if err != nil {
			clog.Printf("error: status fetch failed: %v", err)
			if !r.sleep(ctx) {
				return nil, ctx.Err()
			}
			continue
		}

		eval, done, err := r.scanStatuses(ctx, clog, statuses)
		if err != nil {
			return nil, err
		}
		if done {
			return eval, nil
		}

		clog.Printf("waiting for evaluator, sleeping %s", r.Interval)
		if !r.sleep(ctx) {
			return nil, ctx.Err()
		}
	}
}

// scanStatuses looks for the evaluator's verdict in a status list. done
// is false while the evaluator has not reported yet.
func (r *Resolver) scanStatuses(ctx context.Context, clog *log.Logger, statuses []github.Status) (*Evaluation, bool, error) {
	for _, status := range statuses {
		if status.Description == ofborgSuccessDescription && status.State == "success" {
			if status.TargetURL == "" {
				clog.Printf("evaluator reports no packages")
				metricResolutions.WithLabelValues("empty").Inc()
				return nil, true, nil
			}

			packages, err := r.fetchPackageListing(ctx, status.TargetURL)
			if err != nil {
				clog.Printf("error: package listing fetch failed: %v", err)
				return nil, false, nil
			}

			clog.Printf("evaluator success")
			metricResolutions.WithLabelValues("success").Inc()
			return &Evaluation{URL: status.TargetURL, PackagesPerSystem: packages}, true, nil
		}

		if status.Description == ofborgFailureDescription && status.State == "failure" {
			clog.Printf("evaluator failure")
			metricResolutions.WithLabelValues("failure").Inc()
			return nil, true, nil
		}
	}
	return nil, false, nil
}

// fetchPackageListing downloads the evaluator's line-oriented artifact
// ("system attribute" per line) and groups attributes per system,
// dropping noise attributes.
func (r *Resolver) fetchPackageListing(ctx context.Context, target string) (map[string][]string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if parsed.Path == "" {
		return nil, fmt.Errorf("evaluation artifact url has no path: %q", target)
	}

	text, err := r.gh.GetText(ctx, ofborgGistBase+parsed.Path+"/raw/")
	if err != nil {
		return nil, err
	}
	return parsePackageListing(text, r.policy), nil
}

// parsePackageListing groups a "system attribute" per-line artifact into
// sorted, deduplicated per-system attribute lists, dropping noise
// attributes and malformed lines.
func parsePackageListing(text string, pol policy.Policy) map[string][]string {
	sets := map[string]map[string]struct{}{}
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		system, attr := fields[0], fields[1]
		if pol.NoiseAttr(attr) {
			continue
		}
		if sets[system] == nil {
			sets[system] = map[string]struct{}{}
		}
		sets[system][attr] = struct{}{}
	}

	packages := make(map[string][]string, len(sets))
	for system, attrs := range sets {
		list := make([]string, 0, len(attrs))
		for attr := range attrs {
			list = append(list, attr)
		}
		sort.Strings(list)
		packages[system] = list
	}
	return packages
}

func (r *Resolver) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.Interval):
		return true
	}
}
