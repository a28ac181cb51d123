package frontend

import (
	"context"
	"errors"
	"log"
	"sort"

	"reviewbot/pkg/queue"
	"reviewbot/pkg/telemetry"
)

// Sender is the queue side the dispatcher needs. *queue.Client satisfies
// it; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, system string, msg queue.Message) error
}

// Dispatcher fans a resolved evaluation out to the per-architecture build
// queues and persists a dispatch record.
type Dispatcher struct {
	sender  Sender
	store   *DispatchStore
	logger  *log.Logger
	systems []string
}

// NewDispatcher builds a dispatcher over the known build systems. A nil
// sender means dry-run: records are still written, nothing is sent.
func NewDispatcher(sender Sender, store *DispatchStore, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		store:   store,
		logger:  logger,
		systems: BuildSystems,
	}
}

// Dispatch writes the dispatch record and sends one queue message per
// architecture with at least one affected package. Send failures are
// logged and never block the remaining architectures.
func (d *Dispatcher) Dispatch(ctx context.Context, pr int, eval *Evaluation) error {
	if d == nil {
		return errors.New("nil dispatcher")
	}
	if eval == nil {
		return errors.New("nil evaluation")
	}

	clog := telemetry.PRLogger(d.logger, pr)

	if err := d.store.InsertDispatched(ctx, pr, eval.URL, eval.Counts()); err != nil {
		clog.Printf("error: %v", err)
	}

	if d.sender == nil {
		clog.Printf("dry run, skipping queue submission")
		return nil
	}

	systems := append([]string(nil), d.systems...)
	sort.Strings(systems)

	for _, system := range systems {
		if len(eval.PackagesPerSystem[system]) == 0 {
			clog.Printf("no packages for %s, skipping", system)
			continue
		}

		url := eval.URL
		msg := queue.Message{PR: pr, OfborgURL: &url}
		if err := d.sender.Send(ctx, system, msg); err != nil {
			clog.Printf("error: queue send to %s failed: %v", system, err)
			metricDispatchErrors.WithLabelValues(system).Inc()
			continue
		}
		metricDispatches.WithLabelValues(system).Inc()
		clog.Printf("dispatched to %s", system)
	}
	return nil
}
