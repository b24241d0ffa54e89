package transaction

import (
	"errors"
	"fmt"
)

// The coordination layer reports failures through a closed set of errors.
// Errors returned by a caller's work closure are never translated; they
// propagate verbatim after the physical transaction has been rolled back.
var (
	// ErrTimeout is returned when a write transaction's work exceeds the
	// configured TimeoutMs. Nothing is committed.
	ErrTimeout = errors.New("transaction timed out")

	// ErrBatchLimitExceeded is returned by AddBatchOperation when the queue
	// is already at MaxBatchSize. The operation is not enqueued.
	ErrBatchLimitExceeded = errors.New("batch operation limit exceeded")

	// ErrBatchingDisabled is returned by AddBatchOperation when the target
	// transaction was started without EnableBatching.
	ErrBatchingDisabled = errors.New("batching is disabled for this transaction")

	// ErrNoActiveWriteTransaction is returned by BeginNestedTransaction when
	// no write transaction is currently executing.
	ErrNoActiveWriteTransaction = errors.New("no active write transaction")

	// ErrUnknownNestedTransaction is returned when a nested transaction id
	// does not exist or was already resolved.
	ErrUnknownNestedTransaction = errors.New("unknown nested transaction")

	// ErrTransactionNotFound is returned by RecoverTransaction when the id
	// has no batch or log history to recover from.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// StoreError wraps a failure from the underlying store engine so callers
// can distinguish engine faults from coordination errors.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}
