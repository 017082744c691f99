// Package ledger persists the processor's logical data model: master keys,
// chain instances, addresses, deposits, withdrawals, the change log and
// scan watermarks.
//
// Each currency has its own namespace in the underlying database; the
// change log is shared. Every multi-record mutation runs in one storage
// transaction, and uniqueness rules (address coordinates, u_txid) are
// checked inside that transaction so concurrent writers resolve to a
// single winner.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrAddressExists is returned when an address or its derivation
	// coordinates are already issued.
	ErrAddressExists = errors.New("address already exists")

	// ErrDuplicateWithdrawal is returned when a u_txid is already recorded.
	ErrDuplicateWithdrawal = errors.New("withdrawal already exists")

	// ErrMasterKeyExists is returned when a master key name is taken.
	ErrMasterKeyExists = errors.New("master key already exists")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrChangeLogExists is returned when a change txid is already logged.
	ErrChangeLogExists = errors.New("change log entry already exists")
)

// updateAttempts bounds retries of optimistic transactions.
const updateAttempts = 5

// Key prefixes inside a currency namespace.
var (
	prefixMasterKey  = []byte("mk/") // mk/<name> -> MasterKey JSON
	prefixInstance   = []byte("ci/") // ci/<name> -> ChainInstance JSON
	prefixAddress    = []byte("ad/") // ad/<address> -> Address JSON
	prefixAddrIndex  = []byte("ai/") // ai/<masterkey>/<path>/<index BE32> -> address
	prefixWithdrawal = []byte("wd/") // wd/<u_txid> -> Withdrawal JSON
	prefixDeposit    = []byte("dp/") // dp/<id> -> Deposit JSON
	prefixWatermark  = []byte("wm/") // wm/<instance>/<conf BE64> -> Watermark JSON
)

// Shared namespace for the change log: chg/<txid> -> ChangeLog JSON.
var changeNamespace = []byte("chg/")

// Ledger is the processor's persistent state.
type Ledger struct {
	db     storage.DB
	ns     map[types.Currency]*storage.PrefixDB
	change *storage.PrefixDB
	now    func() time.Time
}

// New creates a ledger over db.
func New(db storage.DB) *Ledger {
	l := &Ledger{
		db:     db,
		ns:     make(map[types.Currency]*storage.PrefixDB, len(types.Currencies)),
		change: storage.NewPrefixDB(db, changeNamespace),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, c := range types.Currencies {
		l.ns[c] = storage.NewPrefixDB(db, []byte(c.Namespace()+"/"))
	}
	return l
}

func (l *Ledger) namespace(c types.Currency) (*storage.PrefixDB, error) {
	ns, ok := l.ns[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownCurrency, c)
	}
	return ns, nil
}

// update runs fn with a transaction scoped to c's namespace and to the
// shared change log, retrying on write conflicts.
func (l *Ledger) update(c types.Currency, fn func(tx, chg storage.Txn) error) error {
	ns, err := l.namespace(c)
	if err != nil {
		return err
	}
	return storage.UpdateRetry(l.db, updateAttempts, func(txn storage.Txn) error {
		return fn(ns.Scoped(txn), l.change.Scoped(txn))
	})
}

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte(nil), prefix...)
	return append(k, strings.Join(parts, "/")...)
}

func addrIndexPrefix(masterKey, path string) []byte {
	return key(prefixAddrIndex, masterKey, path, "")
}

func addrIndexKey(masterKey, path string, index uint32) []byte {
	return binary.BigEndian.AppendUint32(addrIndexPrefix(masterKey, path), index)
}

func watermarkKey(instance string, conf int64) []byte {
	return binary.BigEndian.AppendUint64(key(prefixWatermark, instance, ""), uint64(conf))
}

func getJSON(r storage.Reader, k []byte, v interface{}) error {
	data, err := r.Get(k)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %q: %w", k, err)
	}
	return nil
}

func putJSON(w storage.Txn, k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", k, err)
	}
	return w.Put(k, data)
}

// forEachJSON decodes every record under prefix into a fresh T.
func forEachJSON[T any](r storage.Reader, prefix []byte, fn func(*T) error) error {
	return r.ForEach(prefix, func(k, data []byte) error {
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %q: %w", k, err)
		}
		return fn(v)
	})
}

// validName rejects names that would break the key layout.
func validName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%s name %q must not contain '/'", kind, name)
	}
	return nil
}
