// Package transaction implements the coordination layer above the
// single-writer embedded store: read/write transaction execution, nested
// savepoints, batched mutations, timeouts, caller-initiated recovery, and
// an append-only audit log with rolling metrics.
package transaction

import "time"

// TransactionState tracks a logical transaction through its lifecycle.
type TransactionState int

const (
	TxnStatePending    TransactionState = iota // Registered, no store handle opened yet
	TxnStateRunning                            // Physical transaction open, work executing
	TxnStateCommitted                          // Terminal: committed to the store
	TxnStateRolledBack                         // Terminal: rolled back, no writes visible
	TxnStateTimedOut                           // Terminal: aborted by the timeout watchdog
	TxnStateRecovering                         // Side branch: batch restored, awaiting re-execution
)

// TransactionType distinguishes read from write transactions in the log.
type TransactionType int

const (
	TxnTypeRead TransactionType = iota
	TxnTypeWrite
)

func (t TransactionType) String() string {
	if t == TxnTypeRead {
		return "READ"
	}
	return "WRITE"
}

// Transaction is the in-memory record of one logical transaction. It is
// owned by the Coordinator for its lifetime and dropped once a terminal
// state has been reached and logged; only its batch queue survives, for
// recovery.
type Transaction struct {
	ID        string
	Type      TransactionType
	State     TransactionState
	Options   TransactionOptions
	StartedAt time.Time
}
