package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_readings_ingested_total",
		Help: "Telemetry readings persisted by the ingestion gateway.",
	})

	ReadingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_readings_rejected_total",
		Help: "Telemetry readings that were not accepted, by reason.",
	}, []string{"reason"})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_alerts_raised_total",
		Help: "Threshold alerts raised, by alert type.",
	}, []string{"type"})

	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_commands_enqueued_total",
		Help: "Actuation commands appended to the command queue, by command type.",
	}, []string{"type"})

	CommandsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_commands_delivered_total",
		Help: "Commands moved from PENDING to SENT by a device poll.",
	})

	CommandAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_command_acks_total",
		Help: "Device acknowledgements of delivered commands, by outcome.",
	}, []string{"outcome"})

	ConnectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farmbridge_connection_transitions_total",
		Help: "Messaging session status transitions, by resulting status.",
	}, []string{"status"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_events_dropped_total",
		Help: "Events not handed to a remote sender because its queue was full.",
	})

	TimeSeriesWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farmbridge_timeseries_write_failures_total",
		Help: "Failed asynchronous writes to the time-series store.",
	})
)
