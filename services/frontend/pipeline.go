package frontend

import (
	"context"
	"errors"
	"log"

	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
	"reviewbot/pkg/telemetry"
)

// Pipeline ties discovery, resolution, and dispatch together. Two event
// sources (the feed watcher and the local submission server) merge into
// one stream; each opened pull request gets an independent resolution
// goroutine so a six-hour evaluation never blocks discovery, and
// completed resolutions are dispatched in completion order.
type Pipeline struct {
	gh         *github.Client
	policy     policy.Policy
	watcher    *Watcher
	resolver   *Resolver
	dispatcher *Dispatcher
	logger     *log.Logger

	seedPRs     []int
	submissions <-chan int
}

// NewPipeline wires the pipeline. submissions receives pull request
// numbers from the local endpoint; seedPRs are injected once on startup.
func NewPipeline(
	gh *github.Client,
	pol policy.Policy,
	watcher *Watcher,
	resolver *Resolver,
	dispatcher *Dispatcher,
	logger *log.Logger,
	seedPRs []int,
	submissions <-chan int,
) *Pipeline {
	return &Pipeline{
		gh:          gh,
		policy:      pol,
		watcher:     watcher,
		resolver:    resolver,
		dispatcher:  dispatcher,
		logger:      logger,
		seedPRs:     seedPRs,
		submissions: submissions,
	}
}

type resolution struct {
	pr   int
	eval *Evaluation
}

// Run drives the pipeline until ctx is cancelled or the watcher hits a
// fatal authentication error. In-flight resolutions are abandoned on
// shutdown; an undispatched pull request must be re-submitted.
func (p *Pipeline) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("nil pipeline")
	}

	events := make(chan github.Event, 16)
	results := make(chan resolution, 16)
	errCh := make(chan error, 1)

	go func() {
		if err := p.watcher.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	go p.submissionLoop(ctx, events)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-results:
				clog := telemetry.PRLogger(p.logger, res.pr)
				if res.eval == nil {
					clog.Printf("evaluator failed or no packages, not dispatching")
					continue
				}
				clog.Printf("new buildable pull request")
				if err := p.dispatcher.Dispatch(ctx, res.pr, res.eval); err != nil {
					clog.Printf("error: dispatch failed: %v", err)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case event := <-events:
			if !p.eventIsPullRequestOpened(event) {
				continue
			}
			go func(event github.Event) {
				eval, err := p.resolver.Resolve(ctx, event)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						telemetry.PRLogger(p.logger, event.Payload.Number).Printf("error: resolution failed: %v", err)
					}
					return
				}
				select {
				case results <- resolution{pr: event.Payload.Number, eval: eval}:
				case <-ctx.Done():
				}
			}(event)
		}
	}
}

// submissionLoop converts seeded and locally submitted pull request
// numbers into synthetic opened events on the shared stream.
func (p *Pipeline) submissionLoop(ctx context.Context, events chan<- github.Event) {
	emit := func(pr int) {
		event, err := p.eventForPR(ctx, pr)
		if err != nil {
			telemetry.PRLogger(p.logger, pr).Printf("error: submission lookup failed: %v", err)
			return
		}
		select {
		case events <- *event:
		case <-ctx.Done():
		}
	}

	for _, pr := range p.seedPRs {
		emit(pr)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case pr := <-p.submissions:
			emit(pr)
		}
	}
}

func (p *Pipeline) eventForPR(ctx context.Context, pr int) (*github.Event, error) {
	pull, err := p.gh.PullRequest(ctx, pr)
	if err != nil {
		return nil, err
	}
	return &github.Event{
		Type: "PullRequestEvent",
		Payload: github.EventPayload{
			Action:      "opened",
			Number:      pr,
			PullRequest: pull,
		},
	}, nil
}

func (p *Pipeline) eventIsPullRequestOpened(e github.Event) bool {
	if e.Type != "PullRequestEvent" || e.Payload.Action != "opened" {
		return false
	}

	base := "ERROR"
	if e.Payload.PullRequest != nil {
		base = e.Payload.PullRequest.Base.Label
	}
	skipped := p.policy.SkipBase(base)

	telemetry.PRLogger(p.logger, e.Payload.Number).Printf("new pull request opened, base=%s skipped=%t", base, skipped)
	return !skipped
}
