package transaction

// IsolationLevel selects the read transaction's view of committed state.
// Write transactions always run against the single physical write handle
// and are unaffected.
type IsolationLevel int

const (
	// IsolationSnapshot pins a point-in-time view for the whole read
	// transaction.
	IsolationSnapshot IsolationLevel = iota
	// IsolationReadCommitted refreshes the view before each access, so the
	// transaction observes writes committed after it began.
	IsolationReadCommitted
)

// TransactionOptions configures one logical transaction.
type TransactionOptions struct {
	// EnableNested allows work closures to open savepoints via
	// BeginNestedTransaction.
	EnableNested bool
	// EnableBatching lets a pre-registered queue of operations run under the
	// same physical transaction as the work closure.
	EnableBatching bool
	// MaxBatchSize caps the queue; AddBatchOperation beyond it fails with
	// ErrBatchLimitExceeded rather than silently truncating.
	MaxBatchSize int
	// EnableLogging appends a TransactionLogEntry at the terminal state and
	// feeds the metrics aggregator.
	EnableLogging bool
	// EnableRecovery archives the drained batch queue so a failed attempt
	// can be replayed via RecoverTransaction.
	EnableRecovery bool
	// TimeoutMs bounds the work closure's execution window. Zero means no
	// timeout. The commit step itself is never interrupted.
	TimeoutMs int64
	// Isolation applies to read transactions only.
	Isolation IsolationLevel
}

// DefaultOptions returns the options used by ExecuteWriteTransaction.
func DefaultOptions() TransactionOptions {
	return TransactionOptions{
		EnableNested:  true,
		EnableLogging: true,
		MaxBatchSize:  100,
	}
}
