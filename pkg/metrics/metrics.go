package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetrying     = "retrying"
	OutcomeDeadLettered = "dead_lettered"
)

// Metrics worker prometheus collectors
type Metrics struct {
	JobsTotal     *prometheus.CounterVec
	DeadLetters   prometheus.Counter
	JobDuration   *prometheus.HistogramVec
	SweptWorkdirs prometheus.Counter
}

// New register collectors on reg, nil 時使用 prometheus.DefaultRegisterer
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "video_jobs_total",
			Help: "Processed video jobs by outcome.",
		}, []string{"outcome"}),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "video_dead_letters_total",
			Help: "Jobs routed to the dead-letter queue.",
		}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "video_job_duration_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"outcome"}),
		SweptWorkdirs: f.NewCounter(prometheus.CounterOpts{
			Name: "video_workspace_swept_total",
			Help: "Orphaned workspace directories removed by the sweeper.",
		}),
	}
}
