package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
)

// PutChangeLog records a change output outside of RecordBroadcast.
func (l *Ledger) PutChangeLog(cl *ChangeLog) error {
	return l.update(cl.Currency, func(_, chg storage.Txn) error {
		return putChangeLog(chg, cl, l.now())
	})
}

func putChangeLog(chg storage.Txn, cl *ChangeLog, now time.Time) error {
	if cl.TxID == "" {
		return fmt.Errorf("change log txid is required")
	}
	k := []byte(cl.TxID)
	ok, err := chg.Has(k)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrChangeLogExists, cl.TxID)
	}
	if cl.CreatedAt.IsZero() {
		cl.CreatedAt = now
	}
	return putJSON(chg, k, cl)
}

// ChangeLog returns the change entry of txid.
func (l *Ledger) ChangeLog(txid string) (*ChangeLog, error) {
	var cl ChangeLog
	if err := getJSON(l.change, []byte(txid), &cl); err != nil {
		return nil, fmt.Errorf("change log %s: %w", txid, err)
	}
	return &cl, nil
}

// IsChange reports whether txid produced a change output of ours.
func (l *Ledger) IsChange(txid string) (bool, error) {
	return l.change.Has([]byte(txid))
}

// Watermark returns the scan watermark of (instance, conf).
func (l *Ledger) Watermark(c types.Currency, instance string, conf int64) (Watermark, bool, error) {
	ns, err := l.namespace(c)
	if err != nil {
		return Watermark{}, false, err
	}
	var wm Watermark
	err = getJSON(ns, watermarkKey(instance, conf), &wm)
	if errors.Is(err, storage.ErrNotFound) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	return wm, true, nil
}

// AdvanceWatermark stores wm unless the stored watermark already points at
// the same block or at a higher one. It reports whether wm was stored.
func (l *Ledger) AdvanceWatermark(c types.Currency, wm Watermark) (bool, error) {
	if err := validName("instance", wm.Instance); err != nil {
		return false, err
	}
	var advanced bool
	err := l.update(c, func(tx, _ storage.Txn) error {
		k := watermarkKey(wm.Instance, wm.Confirmations)
		var cur Watermark
		err := getJSON(tx, k, &cur)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		case cur.BlockHash == wm.BlockHash || wm.Height < cur.Height:
			advanced = false
			return nil
		}
		wm.UpdatedAt = l.now()
		advanced = true
		return putJSON(tx, k, &wm)
	})
	return advanced, err
}

// RewindWatermark stores wm even below the current watermark. It is used
// when the chain no longer holds the stored block.
func (l *Ledger) RewindWatermark(c types.Currency, wm Watermark) error {
	if err := validName("instance", wm.Instance); err != nil {
		return err
	}
	return l.update(c, func(tx, _ storage.Txn) error {
		wm.UpdatedAt = l.now()
		return putJSON(tx, watermarkKey(wm.Instance, wm.Confirmations), &wm)
	})
}
