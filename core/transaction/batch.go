package transaction

import (
	"sync"

	"go.uber.org/zap"
)

// BatchOpKind tags the variant of a BatchOperation.
type BatchOpKind int

const (
	BatchInsert BatchOpKind = iota
	BatchUpdate
	BatchDelete
)

func (k BatchOpKind) String() string {
	switch k {
	case BatchInsert:
		return "INSERT"
	case BatchUpdate:
		return "UPDATE"
	default:
		return "DELETE"
	}
}

// BatchOperation is one queued mutation. Value is ignored for BatchDelete.
type BatchOperation struct {
	Kind  BatchOpKind
	Table string
	Key   []byte
	Value []byte
}

// pendingBatch is the queue accumulated for one pre-registered transaction.
type pendingBatch struct {
	opts TransactionOptions
	ops  []BatchOperation
}

// batchQueue holds the per-transaction FIFO queues. Enqueuing is
// side-effect-free; nothing touches the store until the owning transaction
// executes and drains its queue under the physical write handle.
type batchQueue struct {
	mu          sync.Mutex
	pending     map[string]*pendingBatch
	order       []string // registration order of unexecuted batches
	lastStarted string
	// archive keeps drained queues for transactions that opted into
	// recovery, so a failed attempt can be replayed.
	archive map[string]*pendingBatch
	logger  *zap.Logger
}

func newBatchQueue(logger *zap.Logger) *batchQueue {
	return &batchQueue{
		pending: make(map[string]*pendingBatch),
		archive: make(map[string]*pendingBatch),
		logger:  logger.Named("batch_queue"),
	}
}

// register records a new transaction id with its options.
func (q *batchQueue) register(id string, opts TransactionOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = &pendingBatch{opts: opts}
	q.order = append(q.order, id)
	q.lastStarted = id
}

// add appends op to the most recently started transaction's queue.
func (q *batchQueue) add(op BatchOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	pb, ok := q.pending[q.lastStarted]
	if !ok {
		return ErrTransactionNotFound
	}
	if !pb.opts.EnableBatching {
		return ErrBatchingDisabled
	}
	if pb.opts.MaxBatchSize > 0 && len(pb.ops) >= pb.opts.MaxBatchSize {
		q.logger.Warn("Batch limit exceeded",
			zap.String("transactionID", q.lastStarted),
			zap.Int("maxBatchSize", pb.opts.MaxBatchSize),
		)
		return ErrBatchLimitExceeded
	}
	pb.ops = append(pb.ops, op)
	return nil
}

// drainNext removes and returns the oldest registered batch with queued
// operations. ok is false when nothing is pending.
func (q *batchQueue) drainNext() (id string, ops []BatchOperation, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.order {
		pb, exists := q.pending[cand]
		if !exists {
			continue
		}
		q.order = append(q.order[:i], q.order[i+1:]...)
		delete(q.pending, cand)
		if pb.opts.EnableRecovery {
			q.archive[cand] = &pendingBatch{opts: pb.opts, ops: pb.ops}
		}
		return cand, pb.ops, true
	}
	return "", nil, false
}

// recover moves an archived batch back into the pending set so the next
// batched execution replays it under the same id.
func (q *batchQueue) recover(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	pb, ok := q.archive[id]
	if !ok {
		return ErrTransactionNotFound
	}
	delete(q.archive, id)
	q.pending[id] = pb
	q.order = append(q.order, id)
	q.lastStarted = id
	q.logger.Info("Batch restored for recovery",
		zap.String("transactionID", id),
		zap.Int("operations", len(pb.ops)),
	)
	return nil
}

// discardArchive drops the archived batch for a committed transaction; a
// successful attempt must not be replayable.
func (q *batchQueue) discardArchive(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.archive, id)
}
