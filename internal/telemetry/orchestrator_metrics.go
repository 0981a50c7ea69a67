package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// OrchestratorMetrics holds all the metric instruments for the transaction orchestrator.
type OrchestratorMetrics struct {
	TransactionsCounter        metric.Int64Counter
	ParticipantCallsCounter    metric.Int64Counter
	DeadlocksCounter           metric.Int64Counter
	RollbacksCounter           metric.Int64Counter
	EventsCounter              metric.Int64Counter
	PhaseLatencyHistogram      metric.Int64Histogram
	HeldResourcesUpDownCounter metric.Int64UpDownCounter
}

// NewOrchestratorMetrics creates and registers all the metrics for the orchestrator.
func NewOrchestratorMetrics(meter metric.Meter) (*OrchestratorMetrics, error) {
	transactionsCounter, err := meter.Int64Counter(
		"gojotxn.transactions.finished_total",
		metric.WithDescription("Total number of transactions that reached a terminal phase, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	participantCallsCounter, err := meter.Int64Counter(
		"gojotxn.participant.calls_total",
		metric.WithDescription("Total number of participant entry point calls, by kind and outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocksCounter, err := meter.Int64Counter(
		"gojotxn.deadlocks.detected_total",
		metric.WithDescription("Total number of wait cycles detected."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbacksCounter, err := meter.Int64Counter(
		"gojotxn.rollbacks.operations_total",
		metric.WithDescription("Total number of compensating calls, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	eventsCounter, err := meter.Int64Counter(
		"gojotxn.events.published_total",
		metric.WithDescription("Total number of events published, by kind."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	phaseLatencyHistogram, err := meter.Int64Histogram(
		"gojotxn.phase.duration",
		metric.WithDescription("The latency of prepare, commit and rollback phases."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	heldResourcesUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotxn.locks.held",
		metric.WithDescription("Number of resources currently held in the lock table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &OrchestratorMetrics{
		TransactionsCounter:        transactionsCounter,
		ParticipantCallsCounter:    participantCallsCounter,
		DeadlocksCounter:           deadlocksCounter,
		RollbacksCounter:           rollbacksCounter,
		EventsCounter:              eventsCounter,
		PhaseLatencyHistogram:      phaseLatencyHistogram,
		HeldResourcesUpDownCounter: heldResourcesUpDownCounter,
	}, nil
}

// NewNoopOrchestratorMetrics returns instruments that record nothing.
func NewNoopOrchestratorMetrics() *OrchestratorMetrics {
	m, _ := NewOrchestratorMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
