package frontend

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"reviewbot/pkg/github"
)

// Watcher incrementally polls the repository event feed and emits only
// events not seen on the previous page. The change token and the last
// observed window are state owned by the Watcher, nothing global.
type Watcher struct {
	gh       *github.Client
	logger   *log.Logger
	interval time.Duration

	etag string
	// prev holds the ids of the last successfully fetched page. Events
	// that age out of the upstream horizon are forgotten with it.
	prev map[string]struct{}
}

// NewWatcher returns a watcher polling with the given default interval.
// The server-suggested interval takes precedence when present.
func NewWatcher(gh *github.Client, logger *log.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Watcher{gh: gh, logger: logger, interval: interval}
}

// Run polls until ctx is cancelled. It returns an error only on a
// 401-class response, which the caller treats as fatal; every other
// failure mode just skips a round.
func (w *Watcher) Run(ctx context.Context, out chan<- github.Event) error {
	if w == nil || w.gh == nil {
		return errors.New("nil watcher")
	}

	for {
		wait := w.interval

		page, err := w.gh.Events(ctx, w.etag)
		switch {
		case errors.Is(err, github.ErrUnauthorized):
			w.logger.Printf("error: event feed authentication failed: %v", err)
			return err
		case err != nil:
			// Transport-level failure; same treatment as a bad status.
			w.logger.Printf("error: event feed poll failed: %v", err)
		default:
			if page.Etag != "" {
				w.etag = page.Etag
			}
			if page.PollInterval > 0 {
				wait = page.PollInterval
			}

			if page.Status == http.StatusOK {
				w.emitNew(ctx, page.Events, out)
			} else {
				w.logger.Printf("event feed returned status %d, retrying", page.Status)
			}
		}

		metricEventPolls.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) emitNew(ctx context.Context, events []github.Event, out chan<- github.Event) {
	current := make(map[string]struct{}, len(events))
	yielded := 0

	for _, e := range events {
		if _, ok := current[e.ID]; ok {
			continue
		}
		current[e.ID] = struct{}{}

		// The very first page only primes the window.
		if w.prev == nil {
			continue
		}
		if _, seen := w.prev[e.ID]; seen {
			continue
		}

		metricEventsObserved.Inc()
		yielded++
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}

	w.prev = current
	w.logger.Printf("event feed page: %d events, %d new", len(events), yielded)
}
