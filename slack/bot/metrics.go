package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_slack_events_received_total",
		Help: "Slack events received, by inner event type.",
	}, []string{"event_type"})

	eventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copilot_slack_events_duplicate_total",
		Help: "Slack events skipped as duplicates.",
	})

	messagesIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_slack_messages_ignored_total",
		Help: "Slack messages ignored, by reason.",
	}, []string{"reason"})

	repliesPostedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_slack_replies_posted_total",
		Help: "Replies posted back to Slack, by kind.",
	}, []string{"kind"})
)
