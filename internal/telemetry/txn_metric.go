package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TransactionMetrics holds the metric instruments the coordinator feeds as
// transactions start and reach a terminal state.
type TransactionMetrics struct {
	StartedCounter        metric.Int64Counter
	CompletedCounter      metric.Int64Counter
	DurationHistogram     metric.Int64Histogram
	ActiveUpDownCounter   metric.Int64UpDownCounter
	BatchOpsDrainedCount  metric.Int64Counter
	NestedResolvedCounter metric.Int64Counter
}

// NewTransactionMetrics creates and registers all transaction instruments.
func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	startedCounter, err := meter.Int64Counter(
		"atomkv.txn.started_total",
		metric.WithDescription("Total number of transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	completedCounter, err := meter.Int64Counter(
		"atomkv.txn.completed_total",
		metric.WithDescription("Total number of transactions reaching a terminal state."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	durationHistogram, err := meter.Int64Histogram(
		"atomkv.txn.duration",
		metric.WithDescription("Wall-clock duration of transactions."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeUpDownCounter, err := meter.Int64UpDownCounter(
		"atomkv.txn.active",
		metric.WithDescription("Number of in-flight transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	batchOpsDrainedCounter, err := meter.Int64Counter(
		"atomkv.txn.batch_ops_drained_total",
		metric.WithDescription("Queued batch operations applied at execution time."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nestedResolvedCounter, err := meter.Int64Counter(
		"atomkv.txn.nested_resolved_total",
		metric.WithDescription("Nested transactions resolved, explicitly or at parent close."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TransactionMetrics{
		StartedCounter:        startedCounter,
		CompletedCounter:      completedCounter,
		DurationHistogram:     durationHistogram,
		ActiveUpDownCounter:   activeUpDownCounter,
		BatchOpsDrainedCount:  batchOpsDrainedCounter,
		NestedResolvedCounter: nestedResolvedCounter,
	}, nil
}
