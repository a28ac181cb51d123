package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os/exec"
	"time"

	"reviewbot/pkg/queue"
)

// Delivery is one received job message as the worker sees it.
// *queue.Delivery satisfies it.
type Delivery interface {
	Body() []byte
	Delete() error
}

// Fetcher is the queue side the worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, maxWait time.Duration) (Delivery, error)
}

// queueFetcher adapts *queue.Receiver to Fetcher, keeping the empty-poll
// case a nil interface rather than a typed nil pointer.
type queueFetcher struct {
	r *queue.Receiver
}

// NewQueueFetcher wraps a receiver for the worker loop.
func NewQueueFetcher(r *queue.Receiver) Fetcher {
	return queueFetcher{r: r}
}

func (f queueFetcher) Fetch(ctx context.Context, maxWait time.Duration) (Delivery, error) {
	d, err := f.r.Fetch(ctx, maxWait)
	if err != nil || d == nil {
		return nil, err
	}
	return d, nil
}

// JobRunner executes one build job. *Builder satisfies it.
type JobRunner interface {
	Run(ctx context.Context, msg queue.Message) error
}

// Worker is the per-machine job loop: long-poll the architecture's
// queue, run one build at a time, and ask to be deprovisioned once the
// interval between messages exceeds the idle cutoff.
type Worker struct {
	fetcher Fetcher
	runner  JobRunner
	scaler  Scaler
	logger  *log.Logger

	idleCutoff time.Duration
	pollWait   time.Duration
	dryRun     bool

	// collectGarbage is swappable for tests; defaults to
	// nix-collect-garbage.
	collectGarbage func(ctx context.Context) error
}

// NewWorker wires a worker with production timing.
func NewWorker(fetcher Fetcher, runner JobRunner, scaler Scaler, logger *log.Logger, dryRun bool) *Worker {
	return &Worker{
		fetcher:        fetcher,
		runner:         runner,
		scaler:         scaler,
		logger:         logger,
		idleCutoff:     IdleCutoff,
		pollWait:       PollWait,
		dryRun:         dryRun,
		collectGarbage: runNixCollectGarbage,
	}
}

// Run loops until ctx is cancelled. It never exits on idleness: the
// deprovision request races against the pool being regrown elsewhere,
// and dying mid-poll is handled by the orchestration layer anyway.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.fetcher == nil || w.runner == nil {
		return errors.New("nil worker")
	}

	lastMessageAt := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivery, err := w.fetcher.Fetch(ctx, w.pollWait)
		if err != nil {
			w.logger.Printf("error: queue poll failed: %v", err)
			// A dead broker fails instantly; pace the retries so the
			// loop does not spin.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.pollWait):
			}
			continue
		}

		if delivery == nil {
			w.logger.Printf("polled queue, no messages")
			if time.Since(lastMessageAt) > w.idleCutoff {
				w.deprovision(ctx)
				// Keep looping: the termination may race with the pool
				// being regrown, and a late message is still ours to run.
			}
			continue
		}

		lastMessageAt = time.Now()
		metricMessagesReceived.Inc()

		// Delete before any processing. If the build times out, crashes,
		// or this host is killed, the message must not return to the
		// queue: one lost job is cheaper than a duplicate review.
		if err := delivery.Delete(); err != nil {
			w.logger.Printf("error: message delete failed: %v", err)
		}

		var msg queue.Message
		if err := json.Unmarshal(delivery.Body(), &msg); err != nil {
			w.logger.Printf("error: malformed queue message dropped: %v", err)
			continue
		}

		w.logger.Printf("pr=%d processing message", msg.PR)
		if err := w.runner.Run(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logger.Printf("pr=%d error: job failed: %v", msg.PR, err)
		}

		if !w.dryRun && w.collectGarbage != nil {
			if err := w.collectGarbage(ctx); err != nil {
				w.logger.Printf("error: garbage collection failed: %v", err)
			}
		}
	}
}

func (w *Worker) deprovision(ctx context.Context) {
	if w.scaler == nil || w.dryRun {
		w.logger.Printf("idle past cutoff, no scaler configured")
		return
	}

	w.logger.Printf("idle past cutoff, requesting deprovision")
	metricDeprovisions.Inc()
	if err := w.scaler.Deprovision(ctx); err != nil {
		w.logger.Printf("error: deprovision request failed: %v", err)
	}
}

func runNixCollectGarbage(ctx context.Context) error {
	return exec.CommandContext(ctx, "nix-collect-garbage", "-d").Run()
}
