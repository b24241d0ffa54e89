package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// setupEngine creates an in-memory engine for isolated testing.
func setupEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

// TestWriteCommitReadBack verifies the basic write-commit-read cycle: a
// value committed through a write transaction is visible to a snapshot
// read opened afterwards.
func TestWriteCommitReadBack(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.OpenTable("users").Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, wtx.Commit())

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	val, found, err := rt.OpenTable("users").Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), val)
}

// TestRollbackDiscardsWrites verifies that a rolled-back write transaction
// leaves no trace in the store.
func TestRollbackDiscardsWrites(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.OpenTable("users").Insert([]byte("k1"), []byte("v1")))
	wtx.Rollback()

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	_, found, err := rt.OpenTable("users").Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestWriteTxnReadsOwnBuffer verifies that reads inside a write transaction
// observe buffered, uncommitted writes and tombstones.
func TestWriteTxnReadsOwnBuffer(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	tbl := wtx.OpenTable("users")

	require.NoError(t, tbl.Insert([]byte("k1"), []byte("v1")))
	val, found, err := tbl.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), val)

	require.NoError(t, tbl.Remove([]byte("k1")))
	_, found, err = tbl.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, found)

	wtx.Rollback()
}

// TestFrameCommitMergesIntoParent verifies that committing a savepoint
// frame makes its writes visible to the enclosing scope and, after the
// transaction commits, to the store.
func TestFrameCommitMergesIntoParent(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	tbl := wtx.OpenTable("users")
	require.NoError(t, tbl.Insert([]byte("p"), []byte("1")))

	frame, err := wtx.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, tbl.Insert([]byte("n"), []byte("1")))
	require.NoError(t, wtx.CommitFrame(frame))

	// Both keys visible inside the transaction after the merge.
	_, found, err := tbl.Get([]byte("n"))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, wtx.Commit())

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()
	_, found, err = rt.OpenTable("users").Get([]byte("n"))
	require.NoError(t, err)
	require.True(t, found)
}

// TestFrameRollbackIsInvisible verifies that rolling back a frame discards
// its writes while the parent's writes survive the commit.
func TestFrameRollbackIsInvisible(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	tbl := wtx.OpenTable("users")
	require.NoError(t, tbl.Insert([]byte("p"), []byte("1")))

	frame, err := wtx.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, tbl.Insert([]byte("n"), []byte("1")))
	require.NoError(t, wtx.RollbackFrame(frame))

	// The frame's write is gone already inside the transaction.
	_, found, err := tbl.Get([]byte("n"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, wtx.Commit())

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()
	_, found, err = rt.OpenTable("users").Get([]byte("p"))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = rt.OpenTable("users").Get([]byte("n"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestResolvingFrameTwiceFails verifies that a frame cannot be committed or
// rolled back after it has been resolved.
func TestResolvingFrameTwiceFails(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	frame, err := wtx.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, wtx.CommitFrame(frame))
	require.Error(t, wtx.CommitFrame(frame))
	require.Error(t, wtx.RollbackFrame(frame))
	wtx.Rollback()
}

// TestTablesAreIsolated verifies that the same key in different tables maps
// to independent entries.
func TestTablesAreIsolated(t *testing.T) {
	eng := setupEngine(t)

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.OpenTable("a").Insert([]byte("k"), []byte("va")))
	require.NoError(t, wtx.OpenTable("b").Insert([]byte("k"), []byte("vb")))
	require.NoError(t, wtx.Commit())

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()

	val, _, err := rt.OpenTable("a").Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("va"), val)
	val, _, err = rt.OpenTable("b").Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("vb"), val)
}

// TestSnapshotReadIgnoresLaterCommits verifies snapshot isolation: a read
// transaction opened before a commit does not observe it, while a
// read-committed transaction does.
func TestSnapshotReadIgnoresLaterCommits(t *testing.T) {
	eng := setupEngine(t)

	snap, err := eng.BeginRead()
	require.NoError(t, err)
	defer snap.Close()
	rc, err := eng.BeginReadCommitted()
	require.NoError(t, err)
	defer rc.Close()

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.OpenTable("users").Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, wtx.Commit())

	_, found, err := snap.OpenTable("users").Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, found, "snapshot read must pin its view at open time")

	_, found, err = rc.OpenTable("users").Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, found, "read-committed must observe the latest commit")
}

// TestEncryptedValuesRoundTrip verifies encryption at rest is transparent
// to readers holding the key.
func TestEncryptedValuesRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef") // AES-256
	eng, err := Open(Options{InMemory: true, EncryptionKey: key})
	require.NoError(t, err)
	defer eng.Close()

	wtx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.OpenTable("secrets").Insert([]byte("k"), []byte("classified")))
	require.NoError(t, wtx.Commit())

	rt, err := eng.BeginRead()
	require.NoError(t, err)
	defer rt.Close()
	val, found, err := rt.OpenTable("secrets").Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("classified"), val)
}

// TestBadEncryptionKeyRejected verifies key length validation.
func TestBadEncryptionKeyRejected(t *testing.T) {
	_, err := Open(Options{InMemory: true, EncryptionKey: []byte("short")})
	require.Error(t, err)
}
