// Package storage wraps an embedded BadgerDB instance behind the narrow
// store-adapter surface the transaction layer consumes: an engine that can
// be opened and closed, snapshot read handles, a single buffered write
// handle, and tables addressed by name.
//
// Tables are mapped onto Badger's flat keyspace with a NUL-delimited name
// prefix, so table names must not contain a NUL byte.
package storage

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	// Dir is the directory Badger stores its data in. Ignored when InMemory
	// is set.
	Dir string
	// InMemory runs the store without touching disk. Used by tests and
	// ephemeral workloads.
	InMemory bool
	// EncryptionKey, when non-empty, enables AES-GCM encryption of values at
	// rest. Must be 16, 24 or 32 bytes.
	EncryptionKey []byte
	// Logger receives engine lifecycle events. Defaults to zap.NewNop().
	Logger *zap.Logger
}

// Engine owns the underlying Badger database. It hands out read and write
// transaction handles but performs no coordination itself; callers are
// expected to serialize writers.
type Engine struct {
	db     *badger.DB
	codec  *valueCodec
	logger *zap.Logger
}

// Open opens (or creates) the store at opts.Dir.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", opts.Dir, err)
	}

	var codec *valueCodec
	if len(opts.EncryptionKey) > 0 {
		codec, err = newValueCodec(opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Named("storage").Info("Store opened",
		zap.String("dir", opts.Dir),
		zap.Bool("inMemory", opts.InMemory),
		zap.Bool("encrypted", codec != nil),
	)

	return &Engine{
		db:     db,
		codec:  codec,
		logger: logger.Named("storage"),
	}, nil
}

// Close flushes and closes the underlying store. Any live transaction
// handles become invalid.
func (e *Engine) Close() error {
	e.logger.Info("Store closing")
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger store: %w", err)
	}
	return nil
}

// BeginRead opens a snapshot read transaction. The snapshot observes the
// latest committed state at open time and is unaffected by concurrent
// writers.
func (e *Engine) BeginRead() (*ReadTxn, error) {
	return &ReadTxn{eng: e, txn: e.db.NewTransaction(false)}, nil
}

// BeginReadCommitted opens a read transaction that refreshes its view on
// every table access, observing the most recently committed state rather
// than a single point-in-time snapshot.
func (e *Engine) BeginReadCommitted() (*ReadTxn, error) {
	return &ReadTxn{eng: e, txn: e.db.NewTransaction(false), readCommitted: true}, nil
}

// BeginWrite opens the physical write transaction. Mutations are buffered
// in an overlay and applied to Badger only at Commit, which is what makes
// savepoint frames cheap to discard.
func (e *Engine) BeginWrite() (*WriteTxn, error) {
	return &WriteTxn{
		eng:    e,
		txn:    e.db.NewTransaction(true),
		base:   newOverlay(),
		tables: make(map[string]struct{}),
	}, nil
}

// encodeKey scopes key into table's prefix range.
func encodeKey(table string, key []byte) []byte {
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0x00)
	return append(out, key...)
}
