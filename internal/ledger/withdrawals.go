package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

// InsertWithdrawal stores the placeholder row of a new withdrawal. u_txids
// are unique across currencies; a second insert of the same id fails with
// ErrDuplicateWithdrawal.
func (l *Ledger) InsertWithdrawal(w *Withdrawal) error {
	if w.ID == uuid.Nil {
		return fmt.Errorf("withdrawal id is required")
	}
	now := l.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	ns, err := l.namespace(w.Currency)
	if err != nil {
		return err
	}
	return storage.UpdateRetry(l.db, updateAttempts, func(txn storage.Txn) error {
		k := key(prefixWithdrawal, w.ID.String())
		for _, c := range types.Currencies {
			ok, err := l.ns[c].Scoped(txn).Has(k)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: %s", ErrDuplicateWithdrawal, w.ID)
			}
		}
		return putJSON(ns.Scoped(txn), k, w)
	})
}

// Withdrawal looks up a withdrawal by u_txid in every currency.
func (l *Ledger) Withdrawal(id uuid.UUID) (*Withdrawal, error) {
	for _, c := range types.Currencies {
		var w Withdrawal
		err := getJSON(l.ns[c], key(prefixWithdrawal, id.String()), &w)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &w, nil
	}
	return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
}

// WithdrawalFilter narrows Withdrawals. Zero values match everything.
type WithdrawalFilter struct {
	Status  types.WithdrawalStatus
	Unacked bool
}

// Withdrawals lists the withdrawals of c, oldest first.
func (l *Ledger) Withdrawals(c types.Currency, f WithdrawalFilter) ([]*Withdrawal, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return nil, err
	}
	var out []*Withdrawal
	err = forEachJSON(ns, prefixWithdrawal, func(w *Withdrawal) error {
		if (f.Status == "" || w.Status == f.Status) && (!f.Unacked || !w.Acknowledged) {
			out = append(out, w)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// UpdateWithdrawal applies fn to the stored withdrawal and writes it back.
// A status change made by fn must be a valid lifecycle transition.
func (l *Ledger) UpdateWithdrawal(c types.Currency, id uuid.UUID, fn func(*Withdrawal) error) (*Withdrawal, error) {
	var out *Withdrawal
	err := l.update(c, func(tx, _ storage.Txn) error {
		w, err := l.modifyWithdrawal(tx, id, fn)
		out = w
		return err
	})
	return out, err
}

func (l *Ledger) modifyWithdrawal(tx storage.Txn, id uuid.UUID, fn func(*Withdrawal) error) (*Withdrawal, error) {
	k := key(prefixWithdrawal, id.String())
	var w Withdrawal
	if err := getJSON(tx, k, &w); err != nil {
		return nil, fmt.Errorf("withdrawal %s: %w", id, err)
	}
	before := w.Status
	if err := fn(&w); err != nil {
		return nil, err
	}
	if w.Status != before {
		if !before.CanTransition(w.Status) {
			return nil, fmt.Errorf("%w: withdrawal %s %s -> %s", ErrInvalidTransition, id, before, w.Status)
		}
		w.Acknowledged = false
	}
	w.UpdatedAt = l.now()
	if err := putJSON(tx, k, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// RecordBroadcast marks a UTXO withdrawal PENDING after its transaction
// was accepted by the node. In one transaction it stores the txid, zeroes
// the cached balances of the spent sources and, when the transaction has a
// change output, logs it.
func (l *Ledger) RecordBroadcast(c types.Currency, id uuid.UUID, txid string, sources []string, change *ChangeLog) (*Withdrawal, error) {
	var out *Withdrawal
	err := l.update(c, func(tx, chg storage.Txn) error {
		w, err := l.modifyWithdrawal(tx, id, func(w *Withdrawal) error {
			w.Status = types.WithdrawalPending
			w.TxIDs = []string{txid}
			w.Sources = sources
			return nil
		})
		if err != nil {
			return err
		}
		for _, src := range sources {
			if err := modifyAddress(tx, src, func(a *Address) error {
				a.Amount = decimal.Zero
				return nil
			}); err != nil {
				return err
			}
		}
		if change != nil {
			change.TxID = txid
			change.Currency = c
			change.Withdrawal = id
			if err := putChangeLog(chg, change, l.now()); err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	return out, err
}

// CompleteWithdrawal moves a PENDING withdrawal to COMPLETED and credits
// changeAmount to its change address. It returns false without changes
// when the withdrawal was already completed.
func (l *Ledger) CompleteWithdrawal(c types.Currency, id uuid.UUID, changeAmount decimal.Decimal) (bool, error) {
	var done bool
	err := l.update(c, func(tx, _ storage.Txn) error {
		var w Withdrawal
		if err := getJSON(tx, key(prefixWithdrawal, id.String()), &w); err != nil {
			return fmt.Errorf("withdrawal %s: %w", id, err)
		}
		if w.Status == types.WithdrawalCompleted {
			done = false
			return nil
		}
		if _, err := l.modifyWithdrawal(tx, id, func(w *Withdrawal) error {
			w.Status = types.WithdrawalCompleted
			return nil
		}); err != nil {
			return err
		}
		if w.ChangeAddress != "" && changeAmount.IsPositive() {
			if err := credit(tx, w.ChangeAddress, changeAmount); err != nil {
				return err
			}
		}
		done = true
		return nil
	})
	return done, err
}

// AddLeg appends a broadcast native transaction to an account-model
// withdrawal and marks it PENDING.
func (l *Ledger) AddLeg(c types.Currency, id uuid.UUID, leg Leg) (*Withdrawal, error) {
	return l.UpdateWithdrawal(c, id, func(w *Withdrawal) error {
		for _, existing := range w.Legs {
			if existing.TxID == leg.TxID {
				return fmt.Errorf("leg %s already recorded", leg.TxID)
			}
		}
		w.Legs = append(w.Legs, leg)
		w.TxIDs = append(w.TxIDs, leg.TxID)
		if w.Status == types.WithdrawalFailed {
			w.Status = types.WithdrawalPending
		}
		return nil
	})
}

// ConfirmLeg settles one leg of an account-model withdrawal: it debits the
// leg's amount plus fee from the source address (only the fee when the
// transaction reverted). When every leg is settled the withdrawal becomes
// COMPLETED, or CANCELLED if any leg reverted. Settling an already settled
// leg is a no-op.
func (l *Ledger) ConfirmLeg(c types.Currency, id uuid.UUID, txid string, fee decimal.Decimal, reverted bool) (*Withdrawal, error) {
	var out *Withdrawal
	err := l.update(c, func(tx, _ storage.Txn) error {
		var debit *Leg
		w, err := l.modifyWithdrawal(tx, id, func(w *Withdrawal) error {
			if w.Status != types.WithdrawalPending {
				return fmt.Errorf("%w: withdrawal %s is %s", ErrInvalidTransition, id, w.Status)
			}
			for i := range w.Legs {
				leg := &w.Legs[i]
				if leg.TxID != txid {
					continue
				}
				if leg.Confirmed {
					return nil
				}
				leg.Confirmed = true
				leg.Reverted = reverted
				leg.Fee = fee
				cp := *leg
				debit = &cp
			}
			if debit == nil && !containsLeg(w.Legs, txid) {
				return fmt.Errorf("withdrawal %s has no leg %s", id, txid)
			}
			if w.Settled() {
				w.Status = types.WithdrawalCompleted
				for _, leg := range w.Legs {
					if leg.Reverted {
						w.Status = types.WithdrawalCancelled
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if debit != nil {
			amount := debit.Fee
			if !debit.Reverted {
				amount = amount.Add(debit.Amount)
			}
			if err := credit(tx, debit.Source, amount.Neg()); err != nil {
				return err
			}
		}
		out = w
		return nil
	})
	return out, err
}

func containsLeg(legs []Leg, txid string) bool {
	for _, l := range legs {
		if l.TxID == txid {
			return true
		}
	}
	return false
}

// Reserved sums, per source address, what unconfirmed legs of PENDING
// withdrawals can still debit.
func (l *Ledger) Reserved(c types.Currency) (map[string]decimal.Decimal, error) {
	pending, err := l.Withdrawals(c, WithdrawalFilter{Status: types.WithdrawalPending})
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal)
	for _, w := range pending {
		for _, leg := range w.Legs {
			if r := leg.Reserved(); r.IsPositive() {
				out[leg.Source] = out[leg.Source].Add(r)
			}
		}
	}
	return out, nil
}

// AcknowledgeWithdrawal records a delivered notification. It is skipped
// and returns false when the status changed since it was sent.
func (l *Ledger) AcknowledgeWithdrawal(c types.Currency, id uuid.UUID, status types.WithdrawalStatus) (bool, error) {
	var acked bool
	err := l.update(c, func(tx, _ storage.Txn) error {
		k := key(prefixWithdrawal, id.String())
		var w Withdrawal
		if err := getJSON(tx, k, &w); err != nil {
			return fmt.Errorf("withdrawal %s: %w", id, err)
		}
		if w.Status != status {
			acked = false
			return nil
		}
		w.Acknowledged = true
		w.UpdatedAt = l.now()
		acked = true
		return putJSON(tx, k, &w)
	})
	return acked, err
}
