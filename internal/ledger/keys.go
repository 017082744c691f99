package ledger

import (
	"fmt"

	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
)

// PutMasterKey stores a newly provisioned master key. Names are unique per
// currency and records are never overwritten.
func (l *Ledger) PutMasterKey(mk *MasterKey) error {
	if err := validName("master key", mk.Name); err != nil {
		return err
	}
	if mk.CreatedAt.IsZero() {
		mk.CreatedAt = l.now()
	}
	return l.update(mk.Currency, func(tx, _ storage.Txn) error {
		k := key(prefixMasterKey, mk.Name)
		ok, err := tx.Has(k)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrMasterKeyExists, mk.Name)
		}
		return putJSON(tx, k, mk)
	})
}

// MasterKey returns the master key called name.
func (l *Ledger) MasterKey(c types.Currency, name string) (*MasterKey, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var mk MasterKey
	if err := getJSON(ns, key(prefixMasterKey, name), &mk); err != nil {
		return nil, fmt.Errorf("master key %s/%s: %w", c, name, err)
	}
	return &mk, nil
}

// MasterKeys lists the master keys of c.
func (l *Ledger) MasterKeys(c types.Currency) ([]*MasterKey, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var out []*MasterKey
	err = forEachJSON(ns, prefixMasterKey, func(mk *MasterKey) error {
		out = append(out, mk)
		return nil
	})
	return out, err
}

// PutInstance creates or replaces a chain instance.
func (l *Ledger) PutInstance(ci *ChainInstance) error {
	if err := validName("instance", ci.Name); err != nil {
		return err
	}
	if ci.CreatedAt.IsZero() {
		ci.CreatedAt = l.now()
	}
	return l.update(ci.Currency, func(tx, _ storage.Txn) error {
		return putJSON(tx, key(prefixInstance, ci.Name), ci)
	})
}

// Instance returns the chain instance called name.
func (l *Ledger) Instance(c types.Currency, name string) (*ChainInstance, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var ci ChainInstance
	if err := getJSON(ns, key(prefixInstance, name), &ci); err != nil {
		return nil, fmt.Errorf("instance %s/%s: %w", c, name, err)
	}
	return &ci, nil
}
