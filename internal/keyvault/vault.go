package keyvault

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/olegvg/cryptoms/pkg/crypto"
	"github.com/olegvg/cryptoms/pkg/types"
)

var (
	// ErrLocked is returned when a master key has not been unlocked.
	ErrLocked = errors.New("master key is locked")

	// ErrMismatch is returned when opened key material does not derive the
	// public key recorded for it.
	ErrMismatch = errors.New("key material does not match recorded account key")

	// ErrIntegrity is returned when a stored address differs from the one
	// its derivation coordinates produce.
	ErrIntegrity = errors.New("address does not match its derivation")
)

type unlocked struct {
	rec    Record
	master *HDKey
	seed   []byte
}

// Vault keeps unlocked master keys in memory.
type Vault struct {
	mu   sync.RWMutex
	keys map[string]*unlocked
}

// NewVault returns an empty vault.
func NewVault() *Vault {
	return &Vault{keys: make(map[string]*unlocked)}
}

// Unlock opens rec with passphrase and keeps the seed in memory. The
// opened seed must derive rec.AccountXPub at rec.Path.
func (v *Vault) Unlock(rec *Record, passphrase []byte) error {
	seed, err := Open(&rec.Sealed, passphrase)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", rec.Name, err)
	}
	p, err := ParsePath(rec.Path)
	if err != nil {
		zero(seed)
		return err
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		zero(seed)
		return err
	}
	account, err := master.DerivePath(p)
	if err != nil {
		zero(seed)
		return err
	}
	if account.Neuter().String() != rec.AccountXPub {
		zero(seed)
		return fmt.Errorf("unlock %s: %w", rec.Name, ErrMismatch)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.keys[rec.Name]; ok {
		zero(old.seed)
	}
	v.keys[rec.Name] = &unlocked{rec: *rec, master: master, seed: seed}
	return nil
}

// IsUnlocked reports whether name is held in memory.
func (v *Vault) IsUnlocked(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.keys[name]
	return ok
}

// Record returns the public record of an unlocked key.
func (v *Vault) Record(name string) (Record, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.keys[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	return u.rec, nil
}

// PrivateKey derives the signing key at path/index of master key name.
func (v *Vault) PrivateKey(name, path string, index uint32) (*crypto.PrivateKey, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	u, ok := v.keys[name]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	child, err := u.master.DerivePath(append(p, index))
	if err != nil {
		return nil, err
	}
	return child.PrivateKey()
}

// Address derives the address at path/index of master key name using the
// private key chain. Signers use it to cross-check stored addresses.
func (v *Vault) Address(name, path string, index uint32) (string, error) {
	key, err := v.PrivateKey(name, path, index)
	if err != nil {
		return "", err
	}
	defer key.Zero()

	rec, err := v.Record(name)
	if err != nil {
		return "", err
	}
	return EncodeAddress(rec.Currency, key.PublicKey(), rec.Testnet)
}

// Verify re-derives the address at path/index of name and compares it to
// addr.
func (v *Vault) Verify(name, path string, index uint32, addr string) error {
	derived, err := v.Address(name, path, index)
	if err != nil {
		return err
	}
	rec, err := v.Record(name)
	if err != nil {
		return err
	}
	if rec.Currency == types.ETH {
		addr = strings.ToLower(addr)
	}
	if derived != addr {
		return fmt.Errorf("%w: %s %s/%d derives %s, have %s", ErrIntegrity, name, path, index, derived, addr)
	}
	return nil
}

// Currencies returns the currencies with at least one unlocked key.
func (v *Vault) Currencies() []types.Currency {
	v.mu.RLock()
	defer v.mu.RUnlock()
	seen := make(map[types.Currency]bool)
	var out []types.Currency
	for _, c := range types.Currencies {
		for _, u := range v.keys {
			if u.rec.Currency == c && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Lock discards the in-memory seed of name.
func (v *Vault) Lock(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if u, ok := v.keys[name]; ok {
		zero(u.seed)
		delete(v.keys, name)
	}
}

// Close locks every key.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for name, u := range v.keys {
		zero(u.seed)
		delete(v.keys, name)
	}
}
