package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mitul-kalra/atomkv/core/storage"
	internaltelemetry "github.com/mitul-kalra/atomkv/internal/telemetry"
)

// Config configures a Coordinator.
type Config struct {
	// LogPath, when set, persists finalized transaction log entries to a
	// JSON-lines file in addition to the in-memory log.
	LogPath string
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
	// Meter, when set, registers transaction metric instruments.
	Meter metric.Meter
	// Tracer, when set, wraps each transaction in a span.
	Tracer trace.Tracer
}

// Coordinator orchestrates all transaction execution against the store.
// The store permits at most one live write transaction, so write requests
// are serialized through an internal semaphore; concurrent callers suspend
// until the prior write resolves. Read transactions run fully concurrently
// on store snapshots.
type Coordinator struct {
	eng     *storage.Engine
	logger  *zap.Logger
	txlog   *transactionLog
	metrics *metricsAggregator
	batches *batchQueue

	instruments *internaltelemetry.TransactionMetrics
	tracer      trace.Tracer

	// writeSem is the single write-transaction slot.
	writeSem chan struct{}

	// active is the nested tracker of the currently executing write
	// transaction, nil outside ExecuteWriteTransaction*.
	activeMu sync.Mutex
	active   *nestedTracker

	// registry tracks pre-registered and recovering transactions.
	regMu    sync.Mutex
	registry map[string]*Transaction

	loggingEnabled atomic.Bool
}

// NewCoordinator builds a Coordinator over eng.
func NewCoordinator(eng *storage.Engine, cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("coordinator")

	txlog, err := newTransactionLog(cfg.LogPath, logger)
	if err != nil {
		return nil, err
	}

	var instruments *internaltelemetry.TransactionMetrics
	if cfg.Meter != nil {
		instruments, err = internaltelemetry.NewTransactionMetrics(cfg.Meter)
		if err != nil {
			return nil, err
		}
	}

	return &Coordinator{
		eng:         eng,
		logger:      logger,
		txlog:       txlog,
		metrics:     newMetricsAggregator(),
		batches:     newBatchQueue(logger),
		instruments: instruments,
		tracer:      cfg.Tracer,
		writeSem:    make(chan struct{}, 1),
		registry:    make(map[string]*Transaction),
	}, nil
}

// Close releases coordinator-owned resources. In-flight transactions must
// have resolved.
func (c *Coordinator) Close() error {
	return c.txlog.close()
}

// ExecuteReadTransaction runs fn against a snapshot read handle and returns
// fn's error unchanged. Readers never block writers and never observe
// uncommitted writes.
func (c *Coordinator) ExecuteReadTransaction(ctx context.Context, fn func(*storage.ReadTxn) error) error {
	return c.ExecuteReadTransactionWithOptions(ctx, fn, DefaultOptions())
}

// ExecuteReadTransactionWithOptions is ExecuteReadTransaction with explicit
// options; only Isolation and EnableLogging apply to reads.
func (c *Coordinator) ExecuteReadTransactionWithOptions(ctx context.Context, fn func(*storage.ReadTxn) error, opts TransactionOptions) error {
	txn := &Transaction{
		ID:        uuid.NewString(),
		Type:      TxnTypeRead,
		State:     TxnStateRunning,
		Options:   opts,
		StartedAt: time.Now(),
	}
	ctx, span := c.startSpan(ctx, "atomkv.read_txn", txn.ID)
	defer span.End()
	c.markStarted(ctx)

	var rt *storage.ReadTxn
	var err error
	if opts.Isolation == IsolationReadCommitted {
		rt, err = c.eng.BeginReadCommitted()
	} else {
		rt, err = c.eng.BeginRead()
	}
	if err != nil {
		c.finalize(ctx, txn, StatusFailed, nil, time.Since(txn.StartedAt))
		return newStoreError("begin read transaction", err)
	}
	defer rt.Close()

	workErr := fn(rt)
	status := StatusCommitted
	if workErr != nil {
		status = StatusFailed
	}
	c.finalize(ctx, txn, status, rt.AccessedTables(), time.Since(txn.StartedAt))
	return workErr
}

// ExecuteWriteTransaction runs fn as a write transaction with the default
// options.
func (c *Coordinator) ExecuteWriteTransaction(ctx context.Context, fn func(*storage.WriteTxn) error) error {
	return c.ExecuteWriteTransactionWithOptions(ctx, fn, DefaultOptions())
}

// ExecuteWriteTransactionWithOptions runs fn under the single physical
// write transaction. When batching is enabled and a pre-registered queue is
// pending, the queued operations are applied first, in FIFO order, under
// the same physical transaction, so a failure anywhere aborts the batch and
// fn together. Errors from fn abort the transaction and propagate verbatim.
func (c *Coordinator) ExecuteWriteTransactionWithOptions(ctx context.Context, fn func(*storage.WriteTxn) error, opts TransactionOptions) error {
	txn := &Transaction{
		ID:        uuid.NewString(),
		Type:      TxnTypeWrite,
		State:     TxnStatePending,
		Options:   opts,
		StartedAt: time.Now(),
	}

	// A pending pre-registered batch adopts its transaction id, so log
	// history and recovery line up with the id StartTransaction returned.
	var batchOps []BatchOperation
	if opts.EnableBatching {
		if id, ops, ok := c.batches.drainNext(); ok {
			txn.ID = id
			batchOps = ops
			c.setRegistryState(id, TxnStateRunning)
		}
	}

	ctx, span := c.startSpan(ctx, "atomkv.write_txn", txn.ID)
	defer span.End()
	c.markStarted(ctx)

	// Single write slot: suspend until the prior write transaction resolves.
	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		c.finalize(ctx, txn, StatusRolledBack, nil, time.Since(txn.StartedAt))
		return ctx.Err()
	}

	wtx, err := c.eng.BeginWrite()
	if err != nil {
		<-c.writeSem
		c.finalize(ctx, txn, StatusFailed, nil, time.Since(txn.StartedAt))
		return newStoreError("begin write transaction", err)
	}
	txn.State = TxnStateRunning

	if err := c.applyBatch(ctx, wtx, batchOps); err != nil {
		wtx.Rollback()
		<-c.writeSem
		c.finalize(ctx, txn, StatusRolledBack, wtx.AccessedTables(), time.Since(txn.StartedAt))
		return err
	}

	tracker := newNestedTracker(txn.ID, wtx, c.logger)
	if opts.EnableNested {
		c.setActive(tracker)
	}

	workErr, abandoned := c.runWork(ctx, wtx, fn, opts.TimeoutMs)

	if opts.EnableNested {
		c.setActive(nil)
	}

	if abandoned {
		// The work closure is still running; the physical transaction is
		// discarded and the write slot released once it returns. Nothing it
		// buffered can ever commit.
		status := StatusTimedOut
		if !errors.Is(workErr, ErrTimeout) {
			status = StatusRolledBack
		}
		c.finalize(ctx, txn, status, wtx.AccessedTables(), time.Since(txn.StartedAt))
		return workErr
	}

	implicit := tracker.closeAll()
	if c.instruments != nil && len(implicit) > 0 {
		c.instruments.NestedResolvedCounter.Add(ctx, int64(len(implicit)))
	}

	if workErr != nil {
		wtx.Rollback()
		<-c.writeSem
		c.finalize(ctx, txn, StatusRolledBack, wtx.AccessedTables(), time.Since(txn.StartedAt))
		return workErr
	}

	if err := wtx.Commit(); err != nil {
		<-c.writeSem
		c.finalize(ctx, txn, StatusFailed, wtx.AccessedTables(), time.Since(txn.StartedAt))
		return newStoreError("commit write transaction", err)
	}
	<-c.writeSem

	c.batches.discardArchive(txn.ID)
	c.dropRegistry(txn.ID)
	c.finalize(ctx, txn, StatusCommitted, wtx.AccessedTables(), time.Since(txn.StartedAt))
	return nil
}

// StartTransaction pre-registers a transaction id and options for batched
// execution. No store handle is opened; the id exists only so batch
// operations can accumulate against it.
func (c *Coordinator) StartTransaction(opts TransactionOptions) string {
	id := uuid.NewString()
	c.batches.register(id, opts)
	c.regMu.Lock()
	c.registry[id] = &Transaction{
		ID:        id,
		Type:      TxnTypeWrite,
		State:     TxnStatePending,
		Options:   opts,
		StartedAt: time.Now(),
	}
	c.regMu.Unlock()
	c.logger.Debug("Transaction pre-registered", zap.String("transactionID", id))
	return id
}

// AddBatchOperation appends op to the queue of the most recently started
// transaction.
func (c *Coordinator) AddBatchOperation(op BatchOperation) error {
	return c.batches.add(op)
}

// BeginNestedTransaction opens a savepoint inside the currently executing
// write transaction.
func (c *Coordinator) BeginNestedTransaction() (string, error) {
	c.activeMu.Lock()
	tracker := c.active
	c.activeMu.Unlock()
	if tracker == nil {
		return "", ErrNoActiveWriteTransaction
	}
	return tracker.begin()
}

// CommitNestedTransaction merges the savepoint's buffered mutations into
// the parent's visible scope. Subsequent reads within the same physical
// transaction observe them.
func (c *Coordinator) CommitNestedTransaction(id string) error {
	c.activeMu.Lock()
	tracker := c.active
	c.activeMu.Unlock()
	if tracker == nil {
		return ErrUnknownNestedTransaction
	}
	if err := tracker.commit(id); err != nil {
		return err
	}
	c.countNestedResolved()
	return nil
}

// RollbackNestedTransaction discards the savepoint's mutations, restoring
// the parent's state to what it was when the savepoint began.
func (c *Coordinator) RollbackNestedTransaction(id string) error {
	c.activeMu.Lock()
	tracker := c.active
	c.activeMu.Unlock()
	if tracker == nil {
		return ErrUnknownNestedTransaction
	}
	if err := tracker.rollback(id); err != nil {
		return err
	}
	c.countNestedResolved()
	return nil
}

// RecoverTransaction restores the archived batch queue of a transaction
// whose prior attempt failed or rolled back, returning it to Pending. The
// next batched execution replays it under the same id. This is explicit
// application-level retry; the coordinator never retries on its own.
func (c *Coordinator) RecoverTransaction(id string) error {
	c.setRegistryState(id, TxnStateRecovering)
	if err := c.batches.recover(id); err != nil {
		return err
	}
	c.setRegistryState(id, TxnStatePending)
	c.logger.Info("Transaction recovered for re-execution", zap.String("transactionID", id))
	return nil
}

// TransactionMetricsSnapshot returns the rolling aggregate, or nil if
// logging was never enabled for any transaction.
func (c *Coordinator) TransactionMetricsSnapshot() *TransactionMetrics {
	if !c.loggingEnabled.Load() {
		return nil
	}
	m := c.metrics.snapshot()
	return &m
}

// TransactionLogEntries returns a copy of the log, oldest to newest, or nil
// if logging was never enabled.
func (c *Coordinator) TransactionLogEntries() []TransactionLogEntry {
	if !c.loggingEnabled.Load() {
		return nil
	}
	return c.txlog.snapshot()
}

// applyBatch replays queued operations in FIFO order under wtx.
func (c *Coordinator) applyBatch(ctx context.Context, wtx *storage.WriteTxn, ops []BatchOperation) error {
	for _, op := range ops {
		tbl := wtx.OpenTable(op.Table)
		var err error
		switch op.Kind {
		case BatchDelete:
			err = tbl.Remove(op.Key)
		default: // BatchInsert and BatchUpdate are both upserts at this layer
			err = tbl.Insert(op.Key, op.Value)
		}
		if err != nil {
			return newStoreError("apply batch operation", err)
		}
	}
	if c.instruments != nil && len(ops) > 0 {
		c.instruments.BatchOpsDrainedCount.Add(ctx, int64(len(ops)))
	}
	return nil
}

// runWork executes fn, racing it against the configured timeout. When the
// timer wins, abandoned is true: the caller must not touch wtx again, and
// runWork discards it and releases the write slot once fn returns.
func (c *Coordinator) runWork(ctx context.Context, wtx *storage.WriteTxn, fn func(*storage.WriteTxn) error, timeoutMs int64) (err error, abandoned bool) {
	if timeoutMs <= 0 {
		return fn(wtx), false
	}

	done := make(chan error, 1)
	go func() { done <- fn(wtx) }()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case workErr := <-done:
		return workErr, false
	case <-timer.C:
		c.logger.Warn("Write transaction timed out", zap.Int64("timeoutMs", timeoutMs))
		c.abandon(wtx, done)
		return ErrTimeout, true
	case <-ctx.Done():
		c.abandon(wtx, done)
		return ctx.Err(), true
	}
}

// abandon waits out a still-running work closure in the background, then
// discards the physical transaction and frees the write slot.
func (c *Coordinator) abandon(wtx *storage.WriteTxn, done <-chan error) {
	go func() {
		<-done
		wtx.Rollback()
		<-c.writeSem
	}()
}

// finalize appends the log entry and updates metrics for a terminal state.
func (c *Coordinator) finalize(ctx context.Context, txn *Transaction, status TransactionStatus, tables []string, duration time.Duration) {
	switch status {
	case StatusCommitted:
		txn.State = TxnStateCommitted
	case StatusTimedOut:
		txn.State = TxnStateTimedOut
	default:
		txn.State = TxnStateRolledBack
	}

	if c.instruments != nil {
		c.instruments.CompletedCounter.Add(ctx, 1)
		c.instruments.DurationHistogram.Record(ctx, duration.Milliseconds())
		c.instruments.ActiveUpDownCounter.Add(ctx, -1)
	}

	if !txn.Options.EnableLogging {
		return
	}
	c.loggingEnabled.Store(true)

	entry := TransactionLogEntry{
		TransactionID:   txn.ID,
		TransactionType: txn.Type.String(),
		Status:          status,
		TablesAccessed:  tables,
		StartedAt:       txn.StartedAt,
		Duration:        duration,
	}
	c.txlog.append(entry)
	c.metrics.record(entry)

	c.logger.Info("Transaction finalized",
		zap.String("transactionID", txn.ID),
		zap.String("type", entry.TransactionType),
		zap.String("status", status.String()),
		zap.Duration("duration", duration),
	)
}

func (c *Coordinator) markStarted(ctx context.Context) {
	if c.instruments != nil {
		c.instruments.StartedCounter.Add(ctx, 1)
		c.instruments.ActiveUpDownCounter.Add(ctx, 1)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name, txnID string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("txn.id", txnID)))
}

func (c *Coordinator) setActive(tracker *nestedTracker) {
	c.activeMu.Lock()
	c.active = tracker
	c.activeMu.Unlock()
}

func (c *Coordinator) setRegistryState(id string, state TransactionState) {
	c.regMu.Lock()
	if t, ok := c.registry[id]; ok {
		t.State = state
	}
	c.regMu.Unlock()
}

func (c *Coordinator) dropRegistry(id string) {
	c.regMu.Lock()
	delete(c.registry, id)
	c.regMu.Unlock()
}

func (c *Coordinator) countNestedResolved() {
	if c.instruments != nil {
		c.instruments.NestedResolvedCounter.Add(context.Background(), 1)
	}
}
