package storage

// ReadTable is a table accessor bound to a read transaction.
type ReadTable struct {
	txn  *ReadTxn
	name string
}

// Get returns the value stored under key, or ok=false when absent.
func (t *ReadTable) Get(key []byte) ([]byte, bool, error) {
	return t.txn.get(t.name, key)
}

// Table is a table accessor bound to a write transaction. Reads observe the
// transaction's own buffered writes before committed store state.
type Table struct {
	txn  *WriteTxn
	name string
}

// Get returns the value visible to this transaction under key.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	return t.txn.get(t.name, key)
}

// Insert writes key=value. An existing value is replaced.
func (t *Table) Insert(key, value []byte) error {
	return t.txn.put(t.name, key, value)
}

// Remove deletes key. Removing an absent key is not an error.
func (t *Table) Remove(key []byte) error {
	return t.txn.del(t.name, key)
}
