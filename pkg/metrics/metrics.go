package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent records send_message outcomes (delivered|queued|timeout).
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_messages_sent_total",
			Help: "Total number of send attempts by outcome",
		},
		[]string{"outcome"},
	)

	// MessageAcks counts application-level acknowledgments, split by whether
	// a pending ack was still live when the ack arrived.
	MessageAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_message_acks_total",
			Help: "Total number of message acknowledgments received",
		},
		[]string{"kind"},
	)

	// OnlineSessions tracks currently registered user sessions.
	OnlineSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_online_sessions",
			Help: "Number of registered user sessions",
		},
	)

	// MailboxEntries tracks messages held across all mailboxes. The log is
	// append-only, so this only ever grows within one process lifetime.
	MailboxEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatlink_mailbox_entries",
			Help: "Total messages held across all mailboxes",
		},
	)

	// APILatency observes HTTP request latency by method, route and status.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatlink_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SignalFrames counts relayed call-signaling frames by type.
	SignalFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatlink_signal_frames_total",
			Help: "Total relayed signaling frames",
		},
		[]string{"event"},
	)
)
