package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mitul-kalra/atomkv/core/storage"
)

// setupCoordinator creates a coordinator over an in-memory store.
func setupCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	eng, err := storage.Open(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	c, err := NewCoordinator(eng, Config{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// readValue runs a read transaction and returns the value under table/key.
func readValue(t *testing.T, c *Coordinator, table, key string) ([]byte, bool) {
	t.Helper()
	var val []byte
	var found bool
	err := c.ExecuteReadTransaction(context.Background(), func(tx *storage.ReadTxn) error {
		var err error
		val, found, err = tx.OpenTable(table).Get([]byte(key))
		return err
	})
	require.NoError(t, err)
	return val, found
}

// TestWriteThenRead covers the basic scenario: insert k1=v1 in a write
// transaction, commit, and observe it from a subsequent read transaction.
func TestWriteThenRead(t *testing.T) {
	c := setupCoordinator(t)

	err := c.ExecuteWriteTransaction(context.Background(), func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("k1"), []byte("v1"))
	})
	require.NoError(t, err)

	val, found := readValue(t, c, "kv", "k1")
	require.True(t, found)
	require.Equal(t, []byte("v1"), val)
}

// TestWorkErrorRollsBack verifies atomicity: when the work closure returns
// an error, none of its writes are observable afterwards and the error
// reaches the caller unchanged.
func TestWorkErrorRollsBack(t *testing.T) {
	c := setupCoordinator(t)
	boom := errors.New("boom")

	err := c.ExecuteWriteTransaction(context.Background(), func(tx *storage.WriteTxn) error {
		if err := tx.OpenTable("kv").Insert([]byte("k1"), []byte("v1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, found := readValue(t, c, "kv", "k1")
	require.False(t, found)

	entries := c.TransactionLogEntries()
	require.Len(t, entries, 2) // the failed write plus the verification read
	require.Equal(t, StatusRolledBack, entries[0].Status)
}

// TestTimeoutAbortsTransaction verifies timeout safety: a work closure that
// outlives TimeoutMs yields ErrTimeout, zero observable writes, and exactly
// one log entry with status TIMED_OUT.
func TestTimeoutAbortsTransaction(t *testing.T) {
	c := setupCoordinator(t)

	opts := DefaultOptions()
	opts.TimeoutMs = 50
	err := c.ExecuteWriteTransactionWithOptions(context.Background(), func(tx *storage.WriteTxn) error {
		if err := tx.OpenTable("kv").Insert([]byte("slow"), []byte("v")); err != nil {
			return err
		}
		time.Sleep(300 * time.Millisecond)
		return nil
	}, opts)
	require.ErrorIs(t, err, ErrTimeout)

	var timedOut int
	for _, e := range c.TransactionLogEntries() {
		if e.Status == StatusTimedOut {
			timedOut++
		}
	}
	require.Equal(t, 1, timedOut)

	_, found := readValue(t, c, "kv", "slow")
	require.False(t, found)

	// The write slot is released once the abandoned closure returns, so a
	// later write transaction must succeed.
	require.Eventually(t, func() bool {
		err := c.ExecuteWriteTransaction(context.Background(), func(tx *storage.WriteTxn) error {
			return tx.OpenTable("kv").Insert([]byte("after"), []byte("v"))
		})
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
}

// TestConcurrentWritersSerialize verifies that concurrent write
// transactions all commit; the coordinator serializes them internally.
func TestConcurrentWritersSerialize(t *testing.T) {
	c := setupCoordinator(t)

	keys := []string{"a", "b", "c", "d", "e"}
	errs := make(chan error, len(keys))
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			errs <- c.ExecuteWriteTransaction(context.Background(), func(tx *storage.WriteTxn) error {
				return tx.OpenTable("kv").Insert([]byte(key), []byte("v"))
			})
		}(k)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, k := range keys {
		_, found := readValue(t, c, "kv", k)
		require.True(t, found)
	}
}

// TestReadTransactionErrorPropagates verifies read errors reach the caller
// verbatim and are logged as failures.
func TestReadTransactionErrorPropagates(t *testing.T) {
	c := setupCoordinator(t)
	boom := errors.New("read boom")

	err := c.ExecuteReadTransaction(context.Background(), func(tx *storage.ReadTxn) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries := c.TransactionLogEntries()
	require.Len(t, entries, 1)
	require.Equal(t, TxnTypeRead.String(), entries[0].TransactionType)
	require.Equal(t, StatusFailed, entries[0].Status)
}

// TestMetricsIdentity verifies successful + failed == total across a mix
// of outcomes, and that the partition by transaction type is correct.
func TestMetricsIdentity(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("k"), []byte("v"))
	}))
	require.Error(t, c.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
		return errors.New("fail")
	}))
	require.NoError(t, c.ExecuteReadTransaction(ctx, func(tx *storage.ReadTxn) error {
		return nil
	}))

	m := c.TransactionMetricsSnapshot()
	require.NotNil(t, m)
	require.Equal(t, uint64(3), m.TotalTransactions)
	require.Equal(t, uint64(1), m.ReadTransactions)
	require.Equal(t, uint64(2), m.WriteTransactions)
	require.Equal(t, m.TotalTransactions, m.SuccessfulTransactions+m.FailedTransactions)

	// The aggregate must match a recomputation from the log.
	var successful, failed uint64
	for _, e := range c.TransactionLogEntries() {
		if e.Status == StatusCommitted {
			successful++
		} else {
			failed++
		}
	}
	require.Equal(t, successful, m.SuccessfulTransactions)
	require.Equal(t, failed, m.FailedTransactions)
}

// TestMetricsNilWithoutLogging verifies the metrics and log accessors
// return nothing until logging has been enabled for at least one
// transaction.
func TestMetricsNilWithoutLogging(t *testing.T) {
	c := setupCoordinator(t)

	opts := DefaultOptions()
	opts.EnableLogging = false
	require.NoError(t, c.ExecuteWriteTransactionWithOptions(context.Background(), func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("k"), []byte("v"))
	}, opts))

	require.Nil(t, c.TransactionMetricsSnapshot())
	require.Nil(t, c.TransactionLogEntries())
}

// TestIsolationReadCommitted verifies the read-committed isolation option
// observes commits that land after the read transaction began.
func TestIsolationReadCommitted(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	readErr := make(chan error, 1)
	var got []byte

	go func() {
		opts := DefaultOptions()
		opts.Isolation = IsolationReadCommitted
		readErr <- c.ExecuteReadTransactionWithOptions(ctx, func(tx *storage.ReadTxn) error {
			close(started)
			<-release
			val, _, err := tx.OpenTable("kv").Get([]byte("late"))
			got = val
			return err
		}, opts)
	}()

	<-started
	require.NoError(t, c.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("late"), []byte("v"))
	}))
	close(release)
	require.NoError(t, <-readErr)

	require.Equal(t, []byte("v"), got)
}
