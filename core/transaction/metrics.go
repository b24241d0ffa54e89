package transaction

import (
	"sync"
	"time"
)

// TransactionMetrics is a rolling aggregate over every logged transaction.
// It is a pure function of the transaction log, maintained incrementally
// for O(1) updates.
type TransactionMetrics struct {
	TotalTransactions      uint64  `json:"total_transactions"`
	ReadTransactions       uint64  `json:"read_transactions"`
	WriteTransactions      uint64  `json:"write_transactions"`
	SuccessfulTransactions uint64  `json:"successful_transactions"`
	FailedTransactions     uint64  `json:"failed_transactions"`
	AvgDurationMs          float64 `json:"avg_duration_ms"`
}

// metricsAggregator owns the live aggregate. Callers only ever see copies.
type metricsAggregator struct {
	mu            sync.Mutex
	agg           TransactionMetrics
	totalDuration time.Duration
}

func newMetricsAggregator() *metricsAggregator {
	return &metricsAggregator{}
}

// record folds one finalized log entry into the aggregate.
func (m *metricsAggregator) record(e TransactionLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agg.TotalTransactions++
	if e.TransactionType == TxnTypeRead.String() {
		m.agg.ReadTransactions++
	} else {
		m.agg.WriteTransactions++
	}
	if e.Status == StatusCommitted {
		m.agg.SuccessfulTransactions++
	} else {
		m.agg.FailedTransactions++
	}
	m.totalDuration += e.Duration
	m.agg.AvgDurationMs = float64(m.totalDuration.Milliseconds()) / float64(m.agg.TotalTransactions)
}

// snapshot returns a copy of the current aggregate.
func (m *metricsAggregator) snapshot() TransactionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agg
}
