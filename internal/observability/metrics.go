package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "rides_created_total", Help: "Total rides requested"})
	ClusterPasses        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "cluster_passes_total", Help: "Completed clustering passes"})
	ClusterPassFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "cluster_pass_failures_total", Help: "Clustering passes aborted by an upstream failure"})
	CandidateSetsWritten = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "candidate_sets_written_total", Help: "Candidate sets replaced by clustering passes"})
	MatchRequestsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "match_requests_total", Help: "Match requests proposed"})
	JourneysStarted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "journeys_started_total", Help: "Journeys where both riders confirmed start"})
	JourneysCompleted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "journeys_completed_total", Help: "Journeys where both riders confirmed end"})
	FeedbackTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "feedback_total", Help: "Feedback submissions applied to a trust state"})
	RidesSwept           = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "rides_swept_total", Help: "Rides removed by the retention sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
