package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransactionStatus is the terminal outcome recorded in the log.
type TransactionStatus int

const (
	StatusCommitted TransactionStatus = iota
	StatusRolledBack
	StatusTimedOut
	// StatusFailed marks a transaction whose commit step itself failed in
	// the store engine.
	StatusFailed
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return "FAILED"
	}
}

// MarshalJSON writes the status as its symbolic name.
func (s TransactionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON reverses MarshalJSON.
func (s *TransactionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "COMMITTED":
		*s = StatusCommitted
	case "ROLLED_BACK":
		*s = StatusRolledBack
	case "TIMED_OUT":
		*s = StatusTimedOut
	case "FAILED":
		*s = StatusFailed
	default:
		return fmt.Errorf("unknown transaction status %q", name)
	}
	return nil
}

// TransactionLogEntry is one finalized lifecycle record. Entries are
// created when a transaction reaches a terminal state and never revised.
type TransactionLogEntry struct {
	TransactionID   string            `json:"transaction_id"`
	TransactionType string            `json:"transaction_type"`
	Status          TransactionStatus `json:"status"`
	TablesAccessed  []string          `json:"tables_accessed,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`
}

// transactionLog is the append-only audit log. Entries always live in
// memory; when a path is configured each entry is additionally appended to
// a JSON-lines file as it is finalized.
type transactionLog struct {
	mu      sync.Mutex
	entries []TransactionLogEntry
	file    *os.File
	enc     *json.Encoder
	logger  *zap.Logger
}

func newTransactionLog(path string, logger *zap.Logger) (*transactionLog, error) {
	tl := &transactionLog{logger: logger.Named("txn_log")}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open transaction log file %s: %w", path, err)
		}
		tl.file = f
		tl.enc = json.NewEncoder(f)
		tl.logger.Info("Transaction log persistence enabled", zap.String("path", path))
	}
	return tl, nil
}

// append records a finalized entry. Persistence failures are logged but do
// not fail the transaction; the in-memory log is the source of truth for
// metrics.
func (l *transactionLog) append(e TransactionLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if l.enc != nil {
		if err := l.enc.Encode(e); err != nil {
			l.logger.Error("Failed to persist transaction log entry",
				zap.String("transactionID", e.TransactionID), zap.Error(err))
		}
	}
}

// snapshot returns a copy of all entries, oldest to newest.
func (l *transactionLog) snapshot() []TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransactionLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *transactionLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close transaction log file: %w", err)
		}
		l.file = nil
		l.enc = nil
	}
	return nil
}
