package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Messages created per queue
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_messages_created_total",
			Help: "Total number of messages created",
		},
		[]string{"queue"},
	)

	// Message bodies served per queue
	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_messages_fetched_total",
			Help: "Total number of message bodies fetched",
		},
		[]string{"queue"},
	)

	// Messages acknowledged per queue
	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_messages_acked_total",
			Help: "Total number of messages acknowledged",
		},
		[]string{"queue"},
	)

	// Deleted messages removed by garbage collection
	MessagesPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_messages_purged_total",
			Help: "Total number of deleted messages purged after retention",
		},
		[]string{"queue"},
	)

	// Requests vetoed by the access hook
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fmtp_access_denied_total",
			Help: "Total number of operations rejected by the access hook",
		},
		[]string{"op"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fmtp_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fmtp_sweeper_duration_seconds",
			Help:    "Time taken for a garbage collection sweep over all queues",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fmtp_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
