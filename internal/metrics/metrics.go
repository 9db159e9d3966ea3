package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bountyline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	// Lifecycle metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_tasks_created_total",
			Help: "Total tasks posted",
		},
		[]string{"category"},
	)

	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bountyline_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_task_transitions_total",
			Help: "Task status transitions by target status",
		},
		[]string{"to"},
	)

	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_task_transition_rejections_total",
			Help: "Rejected lifecycle operations by reason",
		},
		[]string{"operation", "reason"},
	)

	// Settlement metrics
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_settlements_total",
			Help: "Completed settlements by mode",
		},
		[]string{"mode"}, // "live" or "simulated"
	)

	FacilitatorProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_facilitator_probes_total",
			Help: "Facilitator reachability probes by outcome",
		},
		[]string{"outcome"},
	)

	FacilitatorProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bountyline_facilitator_probe_duration_seconds",
			Help:    "Facilitator reachability probe latency",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	// Journal metrics
	JournalWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bountyline_journal_write_failures_total",
			Help: "Event journal appends that failed",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bountyline_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
)
