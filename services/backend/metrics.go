package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_worker_messages_total",
		Help: "Queue messages received by this worker.",
	})
	metricBuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_worker_builds_total",
		Help: "Build jobs started.",
	})
	metricBuildTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_worker_build_timeouts_total",
		Help: "Builds force-terminated by the overall deadline.",
	})
	metricDeprovisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewbot_worker_deprovisions_total",
		Help: "Self-deprovision requests issued after idling past the cutoff.",
	})
	metricPublishBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewbot_publish_blocked_total",
		Help: "Publish decisions that withheld a result, by reason.",
	}, []string{"reason"})
)
