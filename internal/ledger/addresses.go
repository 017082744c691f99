package ledger

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

// InsertAddress records a newly derived address. It fails with
// ErrAddressExists when (masterkey, path, index) or the address string is
// already taken; of two concurrent inserts for the same coordinates exactly
// one succeeds.
func (l *Ledger) InsertAddress(a *Address) error {
	if err := validName("master key", a.MasterKey); err != nil {
		return err
	}
	if a.Address == "" {
		return fmt.Errorf("address is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.now()
	}
	return l.update(a.Currency, func(tx, _ storage.Txn) error {
		idx := addrIndexKey(a.MasterKey, a.Path, a.Index)
		for _, k := range [][]byte{idx, key(prefixAddress, a.Address)} {
			ok, err := tx.Has(k)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: %s %s/%d (%s)", ErrAddressExists, a.MasterKey, a.Path, a.Index, a.Address)
			}
		}
		if err := tx.Put(idx, []byte(a.Address)); err != nil {
			return err
		}
		return putJSON(tx, key(prefixAddress, a.Address), a)
	})
}

// Address returns the record of addr.
func (l *Ledger) Address(c types.Currency, addr string) (*Address, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var a Address
	if err := getJSON(ns, key(prefixAddress, addr), &a); err != nil {
		return nil, fmt.Errorf("address %s: %w", addr, err)
	}
	return &a, nil
}

// HasAddress reports whether addr is managed by the ledger.
func (l *Ledger) HasAddress(c types.Currency, addr string) (bool, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return false, err
	}
	return ns.Has(key(prefixAddress, addr))
}

// AddressAt returns the address issued at the given coordinates.
func (l *Ledger) AddressAt(c types.Currency, masterKey, path string, index uint32) (*Address, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	addr, err := ns.Get(addrIndexKey(masterKey, path, index))
	if err != nil {
		return nil, fmt.Errorf("address %s %s/%d: %w", masterKey, path, index, err)
	}
	return l.Address(c, string(addr))
}

// AddressFilter narrows Addresses. Zero values match everything.
type AddressFilter struct {
	MasterKey string
	Populated *bool
	// Positive keeps only addresses with a cached amount above zero.
	Positive bool
}

func (f AddressFilter) match(a *Address) bool {
	if f.MasterKey != "" && a.MasterKey != f.MasterKey {
		return false
	}
	if f.Populated != nil && a.Populated != *f.Populated {
		return false
	}
	if f.Positive && !a.Amount.IsPositive() {
		return false
	}
	return true
}

// Addresses lists the addresses of c matching f, ordered by master key and
// derivation index.
func (l *Ledger) Addresses(c types.Currency, f AddressFilter) ([]*Address, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var out []*Address
	err = forEachJSON(ns, prefixAddress, func(a *Address) error {
		if f.match(a) {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MasterKey != out[j].MasterKey {
			return out[i].MasterKey < out[j].MasterKey
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// MaxIndex returns the highest issued index on (masterKey, path), or
// found=false when none has been issued.
func (l *Ledger) MaxIndex(c types.Currency, masterKey, path string) (index uint32, found bool, err error) {
	ns, err := l.namespace(c)
	if err != nil {
		return 0, false, err
	}
	prefix := addrIndexPrefix(masterKey, path)
	// Keys of longer paths share this prefix; only exact-length keys belong here.
	err = ns.ForEach(prefix, func(k, _ []byte) error {
		if len(k) != len(prefix)+4 {
			return nil
		}
		i := binary.BigEndian.Uint32(k[len(prefix):])
		if !found || i > index {
			index, found = i, true
		}
		return nil
	})
	return index, found, err
}

// SetPopulated marks addresses as registered with the chain node.
func (l *Ledger) SetPopulated(c types.Currency, addresses []string) error {
	return l.update(c, func(tx, _ storage.Txn) error {
		for _, addr := range addresses {
			if err := modifyAddress(tx, addr, func(a *Address) error {
				a.Populated = true
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetAmounts overwrites cached balances in one transaction.
func (l *Ledger) SetAmounts(c types.Currency, amounts map[string]decimal.Decimal) error {
	return l.update(c, func(tx, _ storage.Txn) error {
		for addr, amount := range amounts {
			amount := amount
			if err := modifyAddress(tx, addr, func(a *Address) error {
				a.Amount = amount
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func modifyAddress(tx storage.Txn, addr string, fn func(*Address) error) error {
	k := key(prefixAddress, addr)
	var a Address
	if err := getJSON(tx, k, &a); err != nil {
		return fmt.Errorf("address %s: %w", addr, err)
	}
	if err := fn(&a); err != nil {
		return err
	}
	return putJSON(tx, k, &a)
}

// credit adds delta (which may be negative) to the cached amount of addr.
// Balances never go below zero.
func credit(tx storage.Txn, addr string, delta decimal.Decimal) error {
	return modifyAddress(tx, addr, func(a *Address) error {
		a.Amount = a.Amount.Add(delta)
		if a.Amount.IsNegative() {
			a.Amount = decimal.Zero
		}
		return nil
	})
}
