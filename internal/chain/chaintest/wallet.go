package chaintest

import (
	"testing"

	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/pkg/types"
)

// Mnemonic is the BIP-39 test vector used by every fixture wallet.
const Mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// Passphrase seals fixture wallets.
var Passphrase = []byte("test-passphrase")

// Wallet is a provisioned and unlocked master key.
type Wallet struct {
	Record *keyvault.Record
	Vault  *keyvault.Vault
}

// NewWallet provisions a master key named name, stores it in l and unlocks
// it in a fresh vault. Bitcoin wallets are on testnet3.
func NewWallet(t testing.TB, l *ledger.Ledger, c types.Currency, name string) *Wallet {
	t.Helper()
	rec, err := keyvault.Provision(name, c, Mnemonic, "", Passphrase, "", true,
		keyvault.Params{Memory: 64, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("Provision(%s) error: %v", name, err)
	}
	if err := l.PutMasterKey(&ledger.MasterKey{Record: *rec}); err != nil {
		t.Fatalf("PutMasterKey(%s) error: %v", name, err)
	}
	v := keyvault.NewVault()
	if err := v.Unlock(rec, Passphrase); err != nil {
		t.Fatalf("Unlock(%s) error: %v", name, err)
	}
	t.Cleanup(v.Close)
	return &Wallet{Record: rec, Vault: v}
}

// Address returns the fixture address at index.
func (w *Wallet) Address(t testing.TB, index uint32) string {
	t.Helper()
	addr, err := w.Record.Address(index)
	if err != nil {
		t.Fatalf("Address(%d) error: %v", index, err)
	}
	return addr
}
