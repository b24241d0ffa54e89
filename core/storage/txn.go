package storage

import (
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// mutation is a single buffered write. A tombstone marks a deletion.
type mutation struct {
	value     []byte
	tombstone bool
}

// overlay is an uncommitted set of mutations keyed by encoded store key.
// Later writes to the same key replace earlier ones, so the map alone
// captures the net effect of any FIFO sequence of operations.
type overlay struct {
	entries map[string]mutation
}

func newOverlay() *overlay {
	return &overlay{entries: make(map[string]mutation)}
}

// mergeInto folds this overlay's mutations into dst, newest-wins.
func (o *overlay) mergeInto(dst *overlay) {
	for k, m := range o.entries {
		dst.entries[k] = m
	}
}

// Frame is a savepoint scope inside one write transaction. All writes issued
// while a frame is the innermost open frame land in its overlay; committing
// the frame folds the overlay into the enclosing scope, rolling it back
// discards the overlay without touching anything outside it.
type Frame struct {
	ov       *overlay
	resolved bool
}

// ReadTxn is a read-only transaction handle. With readCommitted set the
// underlying Badger view is renewed before every lookup instead of pinning
// a single snapshot.
type ReadTxn struct {
	eng           *Engine
	txn           *badger.Txn
	readCommitted bool
	tables        map[string]struct{}
	mu            sync.Mutex
}

// OpenTable returns a read-only accessor for the named table.
func (t *ReadTxn) OpenTable(name string) *ReadTable {
	t.mu.Lock()
	if t.tables == nil {
		t.tables = make(map[string]struct{})
	}
	t.tables[name] = struct{}{}
	t.mu.Unlock()
	return &ReadTable{txn: t, name: name}
}

// AccessedTables lists the tables opened during this transaction.
func (t *ReadTxn) AccessedTables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tables))
	for name := range t.tables {
		out = append(out, name)
	}
	return out
}

// Close releases the read snapshot. Safe to call more than once.
func (t *ReadTxn) Close() {
	if t.txn != nil {
		t.txn.Discard()
		t.txn = nil
	}
}

func (t *ReadTxn) get(table string, key []byte) ([]byte, bool, error) {
	if t.readCommitted {
		// Drop the pinned snapshot and observe the latest committed state.
		t.txn.Discard()
		t.txn = t.eng.db.NewTransaction(false)
	}
	item, err := t.txn.Get(encodeKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key from table %q: %w", table, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to copy value from table %q: %w", table, err)
	}
	val, err := t.eng.decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// WriteTxn is the single physical write transaction. Writes are buffered in
// overlays (the base overlay plus any open savepoint frames) and only
// applied to Badger when Commit is called, so a rollback at any level never
// leaks into the store.
type WriteTxn struct {
	eng    *Engine
	txn    *badger.Txn
	base   *overlay
	frames []*Frame // open savepoint frames, oldest first
	tables map[string]struct{}
	mu     sync.Mutex
	done   bool
}

// OpenTable returns a writable accessor for the named table.
func (t *WriteTxn) OpenTable(name string) *Table {
	t.mu.Lock()
	t.tables[name] = struct{}{}
	t.mu.Unlock()
	return &Table{txn: t, name: name}
}

// AccessedTables lists the tables opened during this transaction.
func (t *WriteTxn) AccessedTables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tables))
	for name := range t.tables {
		out = append(out, name)
	}
	return out
}

// BeginFrame pushes a new savepoint frame. Subsequent writes land in it
// until it is resolved or a younger frame is opened.
func (t *WriteTxn) BeginFrame() (*Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("write transaction already resolved")
	}
	f := &Frame{ov: newOverlay()}
	t.frames = append(t.frames, f)
	return f, nil
}

// CommitFrame folds f's mutations into the enclosing scope: the next older
// open frame, or the transaction's base buffer if f is the oldest.
func (t *WriteTxn) CommitFrame(f *Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.frameIndex(f)
	if err != nil {
		return err
	}
	if idx == 0 {
		f.ov.mergeInto(t.base)
	} else {
		f.ov.mergeInto(t.frames[idx-1].ov)
	}
	t.removeFrame(idx)
	return nil
}

// RollbackFrame discards f's mutations. State outside the frame, including
// sibling frames already merged, is untouched.
func (t *WriteTxn) RollbackFrame(f *Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.frameIndex(f)
	if err != nil {
		return err
	}
	t.removeFrame(idx)
	return nil
}

// OpenFrames reports how many savepoint frames are still unresolved.
func (t *WriteTxn) OpenFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *WriteTxn) frameIndex(f *Frame) (int, error) {
	if f == nil || f.resolved {
		return 0, fmt.Errorf("savepoint frame already resolved")
	}
	for i, cand := range t.frames {
		if cand == f {
			return i, nil
		}
	}
	return 0, fmt.Errorf("savepoint frame does not belong to this transaction")
}

func (t *WriteTxn) removeFrame(idx int) {
	t.frames[idx].resolved = true
	t.frames = append(t.frames[:idx], t.frames[idx+1:]...)
}

// put records a write into the innermost open frame, or the base buffer
// when no frame is open.
func (t *WriteTxn) put(table string, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("write transaction already resolved")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	t.target().entries[string(encodeKey(table, key))] = mutation{value: cp}
	return nil
}

// del records a tombstone, routed like put.
func (t *WriteTxn) del(table string, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("write transaction already resolved")
	}
	t.target().entries[string(encodeKey(table, key))] = mutation{tombstone: true}
	return nil
}

func (t *WriteTxn) target() *overlay {
	if n := len(t.frames); n > 0 {
		return t.frames[n-1].ov
	}
	return t.base
}

// get resolves a read through the open frames (newest first), then the base
// buffer, then the store itself.
func (t *WriteTxn) get(table string, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	ek := string(encodeKey(table, key))
	for i := len(t.frames) - 1; i >= 0; i-- {
		if m, ok := t.frames[i].ov.entries[ek]; ok {
			t.mu.Unlock()
			return m.value, !m.tombstone, nil
		}
	}
	if m, ok := t.base.entries[ek]; ok {
		t.mu.Unlock()
		return m.value, !m.tombstone, nil
	}
	t.mu.Unlock()

	item, err := t.txn.Get([]byte(ek))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key from table %q: %w", table, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to copy value from table %q: %w", table, err)
	}
	val, err := t.eng.decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Commit applies the base buffer to Badger and commits the physical
// transaction. Still-open frames are discarded: their writes were never
// merged into the base buffer, so they do not reach the store.
func (t *WriteTxn) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("write transaction already resolved")
	}
	t.done = true
	t.frames = nil
	entries := t.base.entries
	t.mu.Unlock()

	for k, m := range entries {
		if m.tombstone {
			if err := t.txn.Delete([]byte(k)); err != nil {
				t.txn.Discard()
				return fmt.Errorf("failed to apply buffered delete: %w", err)
			}
			continue
		}
		enc, err := t.eng.encodeValue(m.value)
		if err != nil {
			t.txn.Discard()
			return err
		}
		if err := t.txn.Set([]byte(k), enc); err != nil {
			t.txn.Discard()
			return fmt.Errorf("failed to apply buffered write: %w", err)
		}
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	return nil
}

// Rollback discards every buffered mutation and the physical transaction.
// Safe to call after Commit; it then does nothing.
func (t *WriteTxn) Rollback() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.frames = nil
	t.mu.Unlock()
	t.txn.Discard()
}
