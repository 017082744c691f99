package storage

// PrefixDB wraps a DB and prepends a fixed prefix to all keys.
// The ledger uses one PrefixDB per currency namespace inside a single
// underlying database.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB creates a new PrefixDB wrapping inner with the given prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixDB{inner: inner, prefix: p}
}

// Prefix returns a copy of the namespace prefix.
func (p *PrefixDB) Prefix() []byte {
	return append([]byte(nil), p.prefix...)
}

// prefixed returns key with the prefix prepended.
func (p *PrefixDB) prefixed(key []byte) []byte {
	return prefixKey(p.prefix, key)
}

func prefixKey(prefix, key []byte) []byte {
	out := make([]byte, len(prefix)+len(key))
	copy(out, prefix)
	copy(out[len(prefix):], key)
	return out
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(p.prefixed(key))
}

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(p.prefixed(key), value)
}

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(p.prefixed(key))
}

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(p.prefixed(key))
}

// ForEach iterates over all keys with the given prefix (within the PrefixDB namespace).
// The callback receives keys with the PrefixDB prefix stripped, so callers see only
// their logical keyspace.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return forEachStripped(p.inner, p.prefix, prefix, fn)
}

// Update runs fn in a transaction of the inner DB scoped to this namespace.
func (p *PrefixDB) Update(fn func(txn Txn) error) error {
	return p.inner.Update(func(txn Txn) error {
		return fn(&prefixTxn{inner: txn, prefix: p.prefix})
	})
}

// Scoped returns a Txn that addresses this namespace through an already
// open transaction of the inner DB. It lets one transaction span several
// namespaces.
func (p *PrefixDB) Scoped(txn Txn) Txn {
	return &prefixTxn{inner: txn, prefix: p.prefix}
}

// DeleteAll removes all keys under this PrefixDB's namespace from the inner DB.
func (p *PrefixDB) DeleteAll() error {
	return p.inner.Update(func(txn Txn) error {
		// Collect all keys first to avoid modifying during iteration.
		var keys [][]byte
		err := txn.ForEach(p.prefix, func(key, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close is a no-op; the outer DB manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

type prefixTxn struct {
	inner  Txn
	prefix []byte
}

func (t *prefixTxn) Get(key []byte) ([]byte, error) {
	return t.inner.Get(prefixKey(t.prefix, key))
}

func (t *prefixTxn) Has(key []byte) (bool, error) {
	return t.inner.Has(prefixKey(t.prefix, key))
}

func (t *prefixTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return forEachStripped(t.inner, t.prefix, prefix, fn)
}

func (t *prefixTxn) Put(key, value []byte) error {
	return t.inner.Put(prefixKey(t.prefix, key), value)
}

func (t *prefixTxn) Delete(key []byte) error {
	return t.inner.Delete(prefixKey(t.prefix, key))
}

func forEachStripped(r Reader, ns, prefix []byte, fn func(key, value []byte) error) error {
	return r.ForEach(prefixKey(ns, prefix), func(key, value []byte) error {
		// Strip the namespace so the caller sees only its logical key.
		return fn(key[len(ns):], value)
	})
}
