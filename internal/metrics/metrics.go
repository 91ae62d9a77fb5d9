package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_run_duration_seconds",
			Help:    "Duration of a full mailbox sync run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		},
		[]string{"status"}, // status: connected, error, skipped
	)

	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_ingested_total",
			Help: "Total number of messages ingested from remote mailboxes",
		},
		[]string{"outcome"}, // outcome: stored, duplicate, parse_error
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_send_duration_seconds",
			Help:    "Duration of outbound relay submission in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~50s
		},
		[]string{"status"}, // status: accepted, rejected
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_conversations_created_total",
			Help: "Total number of new conversations created by the threading engine",
		},
	)
)

// RecordSyncRun records the outcome and duration of one sync run.
func RecordSyncRun(status string, duration time.Duration) {
	SyncRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncrementMessagesIngested increments the ingestion counter for an outcome.
func IncrementMessagesIngested(outcome string) {
	MessagesIngested.WithLabelValues(outcome).Inc()
}

// RecordSend records the outcome and duration of one outbound submission.
func RecordSend(status string, duration time.Duration) {
	SendDuration.WithLabelValues(status).Observe(duration.Seconds())
}
