// Package storage provides database abstractions.
package storage

import "errors"

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned by Update when a concurrent transaction
	// committed a write to a key this transaction read or wrote.
	ErrConflict = errors.New("transaction conflict")
)

// Reader is the read side of a DB or transaction.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
}

// DB is the interface for key-value storage.
type DB interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
	// Update runs fn inside a read-write transaction. Writes made through
	// the Txn become visible atomically when fn returns nil and are
	// discarded otherwise. It returns ErrConflict (wrapped) when another
	// writer won a race on the same keys.
	Update(fn func(txn Txn) error) error
	Close() error
}

// Txn is a read-write view used inside DB.Update.
type Txn interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// UpdateRetry runs db.Update and retries up to attempts times while it
// fails with ErrConflict. fn must be safe to run more than once.
func UpdateRetry(db DB, attempts int, fn func(txn Txn) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = db.Update(fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
