// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesFetched counts messages downloaded per mailbox.
	MessagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_inbound_messages_fetched_total",
		Help: "Messages downloaded from the support mailbox",
	}, []string{"account"})

	// MessagesProcessed counts inbound messages by outcome
	// (new_ticket, follow_up, duplicate, filtered, error).
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_inbound_messages_processed_total",
		Help: "Inbound messages by processing outcome",
	}, []string{"action"})

	// Classifications counts analyses by source (ai or heuristic) and category.
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_classifications_total",
		Help: "Message classifications by source and category",
	}, []string{"source", "category"})

	// TicketTransitions counts ticket status changes.
	TicketTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_ticket_transitions_total",
		Help: "Ticket status transitions",
	}, []string{"from", "to"})

	// QueueSends counts outbound send attempts by result (sent, retry, failed, unrecorded).
	QueueSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_queue_sends_total",
		Help: "Outbound queue send attempts by result",
	}, []string{"result"})

	// QueueDepth reports queue rows per status as of the last status read.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shopdesk_queue_depth",
		Help: "Outbound queue rows per status",
	}, []string{"status"})

	// TaskDuration observes scheduled task runtimes.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shopdesk_task_duration_seconds",
		Help:    "Scheduled task duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"task", "status"})

	// HTTPRequests counts ops API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopdesk_http_requests_total",
		Help: "Ops API requests",
	}, []string{"method", "route", "status_code"})
)

// ObserveTask records one task run.
func ObserveTask(name string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	TaskDuration.WithLabelValues(name, status).Observe(time.Since(started).Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
