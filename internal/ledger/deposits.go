package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
)

// InsertDeposit records a newly observed deposit as PENDING. The id is
// derived from (address, txid), so re-observing the same transfer returns
// inserted=false and leaves the stored row untouched.
func (l *Ledger) InsertDeposit(d *Deposit) (inserted bool, err error) {
	d.ID = types.DepositID(d.Address, d.TxID)
	now := l.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = types.DepositPending
	}
	err = l.update(d.Currency, func(tx, _ storage.Txn) error {
		k := key(prefixDeposit, d.ID.String())
		ok, err := tx.Has(k)
		if err != nil {
			return err
		}
		if ok {
			inserted = false
			return nil
		}
		inserted = true
		return putJSON(tx, k, d)
	})
	return inserted, err
}

// Deposit returns the deposit with id.
func (l *Ledger) Deposit(c types.Currency, id uuid.UUID) (*Deposit, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var d Deposit
	if err := getJSON(ns, key(prefixDeposit, id.String()), &d); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", id, err)
	}
	return &d, nil
}

// DepositFilter narrows Deposits. Zero values match everything.
type DepositFilter struct {
	Status  types.DepositStatus
	Unacked bool
}

// Deposits lists the deposits of c, oldest first.
func (l *Ledger) Deposits(c types.Currency, f DepositFilter) ([]*Deposit, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var out []*Deposit
	err = forEachJSON(ns, prefixDeposit, func(d *Deposit) error {
		if (f.Status == "" || d.Status == f.Status) && (!f.Unacked || !d.Acknowledged) {
			out = append(out, d)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (l *Ledger) transitionDeposit(c types.Currency, id uuid.UUID, next types.DepositStatus, onMove func(tx storage.Txn, d *Deposit) error) (bool, error) {
	var moved bool
	err := l.update(c, func(tx, _ storage.Txn) error {
		k := key(prefixDeposit, id.String())
		var d Deposit
		if err := getJSON(tx, k, &d); err != nil {
			return fmt.Errorf("deposit %s: %w", id, err)
		}
		if d.Status == next {
			moved = false
			return nil
		}
		if !d.Status.CanTransition(next) {
			return fmt.Errorf("%w: deposit %s %s -> %s", ErrInvalidTransition, id, d.Status, next)
		}
		d.Status = next
		d.Acknowledged = false
		d.UpdatedAt = l.now()
		if onMove != nil {
			if err := onMove(tx, &d); err != nil {
				return err
			}
		}
		moved = true
		return putJSON(tx, k, &d)
	})
	return moved, err
}

// CompleteDeposit moves a PENDING deposit to COMPLETED and credits its
// amount to the address in the same transaction. A deposit is credited at
// most once: completing it again returns false.
func (l *Ledger) CompleteDeposit(c types.Currency, id uuid.UUID) (bool, error) {
	return l.transitionDeposit(c, id, types.DepositCompleted, func(tx storage.Txn, d *Deposit) error {
		return credit(tx, d.Address, d.Amount)
	})
}

// CancelDeposit moves a PENDING deposit to CANCELLED.
func (l *Ledger) CancelDeposit(c types.Currency, id uuid.UUID) (bool, error) {
	return l.transitionDeposit(c, id, types.DepositCancelled, nil)
}

// AcknowledgeDeposit records a delivered notification. It is skipped and
// returns false when the status changed since it was sent.
func (l *Ledger) AcknowledgeDeposit(c types.Currency, id uuid.UUID, status types.DepositStatus) (bool, error) {
	var acked bool
	err := l.update(c, func(tx, _ storage.Txn) error {
		k := key(prefixDeposit, id.String())
		var d Deposit
		if err := getJSON(tx, k, &d); err != nil {
			return fmt.Errorf("deposit %s: %w", id, err)
		}
		if d.Status != status {
			acked = false
			return nil
		}
		d.Acknowledged = true
		d.UpdatedAt = l.now()
		acked = true
		return putJSON(tx, k, &d)
	})
	return acked, err
}
