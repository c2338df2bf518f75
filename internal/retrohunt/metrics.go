package retrohunt

import "github.com/prometheus/client_golang/prometheus"

var ReconcilePolls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "retrohunt",
	Subsystem: "reconciler",
	Name:      "polls_total",
	Help:      "Status polls sent to the retrohunt service, by result.",
}, []string{"result"})

var ReconcileFinalizations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "retrohunt",
	Subsystem: "reconciler",
	Name:      "finalizations_total",
	Help:      "Jobs written to the store as finished.",
})

var ReconcilePollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "retrohunt",
	Subsystem: "reconciler",
	Name:      "poll_duration_seconds",
	Buckets:   prometheus.DefBuckets,
})

// Poll results.
const (
	pollRunning  = "running"
	pollFinished = "finished"
	pollError    = "error"
)

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ReconcilePolls, ReconcileFinalizations, ReconcilePollDuration}
}
