package frontend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_event_polls_total",
		Help: "Completed polls of the upstream event feed.",
	})
	metricEventsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_events_observed_total",
		Help: "New events yielded by the event watcher.",
	})
	metricSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_local_submissions_total",
		Help: "Pull requests accepted over the local submission endpoint.",
	})
	metricResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewbot_resolutions_total",
		Help: "Finished evaluation resolutions by outcome.",
	}, []string{"outcome"})
	metricDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewbot_dispatches_total",
		Help: "Queue messages sent, by build system.",
	}, []string{"system"})
	metricDispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewbot_dispatch_errors_total",
		Help: "Queue send failures, by build system.",
	}, []string{"system"})
)
