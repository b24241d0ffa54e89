package transaction

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mitul-kalra/atomkv/core/storage"
)

// TestLogEntriesOrderedOldestToNewest verifies one finalized entry per
// transaction, in completion order.
func TestLogEntriesOrderedOldestToNewest(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
			return tx.OpenTable("kv").Insert([]byte{byte(i)}, []byte("v"))
		}))
	}

	entries := c.TransactionLogEntries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, StatusCommitted, e.Status)
		require.Equal(t, TxnTypeWrite.String(), e.TransactionType)
		require.Contains(t, e.TablesAccessed, "kv")
		if i > 0 {
			require.False(t, e.StartedAt.Before(entries[i-1].StartedAt))
		}
	}
}

// TestLogSnapshotIsACopy verifies mutating a returned slice does not affect
// the coordinator's log.
func TestLogSnapshotIsACopy(t *testing.T) {
	c := setupCoordinator(t)

	require.NoError(t, c.ExecuteWriteTransaction(context.Background(), func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("k"), []byte("v"))
	}))

	first := c.TransactionLogEntries()
	first[0].TransactionID = "tampered"

	second := c.TransactionLogEntries()
	require.NotEqual(t, "tampered", second[0].TransactionID)
}

// TestLogPersistenceWritesJSONLines verifies that with a configured log
// path every finalized entry is appended to the file as one JSON document
// per line.
func TestLogPersistenceWritesJSONLines(t *testing.T) {
	eng, err := storage.Open(storage.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "txn.log")
	c, err := NewCoordinator(eng, Config{LogPath: logPath, Logger: logger})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.ExecuteWriteTransaction(ctx, func(tx *storage.WriteTxn) error {
		return tx.OpenTable("kv").Insert([]byte("k"), []byte("v"))
	}))
	require.NoError(t, c.ExecuteReadTransaction(ctx, func(tx *storage.ReadTxn) error {
		return nil
	}))
	require.NoError(t, c.Close())

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry TransactionLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		require.NotEmpty(t, entry.TransactionID)
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 2, lines)
}
