package keyvault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/olegvg/cryptoms/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() Params {
	return Params{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestParsePath(t *testing.T) {
	const h = 0x80000000
	tests := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{"44'/0'/0'/0", Path{h + 44, h, h, 0}, false},
		{"m/44'/60'/0'/0", Path{h + 44, h + 60, h, 0}, false},
		{"44h/1h/2", Path{h + 44, h + 1, 2}, false},
		{"m", Path{}, false},
		{"44'/x", nil, true},
		{"44'//0", nil, true},
		{"2147483648", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePath(%q) should fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q) error: %v", tt.in, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParsePath(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParsePath(%q) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}

	p, _ := ParsePath("m/44h/0h/0h/0")
	if p.String() != PathBTC {
		t.Errorf("String() = %q, want %q", p.String(), PathBTC)
	}
}

// Known BIP-44 vectors for the all-"abandon" mnemonic.
func TestProvision_KnownAddresses(t *testing.T) {
	tests := []struct {
		currency types.Currency
		want     string
	}{
		{types.BTC, "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA"},
		{types.ETH, "0x9858effd232b4033e47d90003d41ec34ecaeda94"},
	}
	for _, tt := range tests {
		t.Run(tt.currency.String(), func(t *testing.T) {
			rec, err := Provision("main", tt.currency, testMnemonic, "", []byte("pw"), "", false, fastParams())
			if err != nil {
				t.Fatalf("Provision() error: %v", err)
			}
			got, err := rec.Address(0)
			if err != nil {
				t.Fatalf("Address(0) error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Address(0) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVault_PrivateMatchesPublicDerivation(t *testing.T) {
	for _, c := range types.Currencies {
		rec, err := Provision("w-"+c.Namespace(), c, testMnemonic, "", []byte("pw"), "", true, fastParams())
		if err != nil {
			t.Fatalf("Provision() error: %v", err)
		}
		v := NewVault()
		if err := v.Unlock(rec, []byte("pw")); err != nil {
			t.Fatalf("Unlock() error: %v", err)
		}
		for i := uint32(0); i < 3; i++ {
			pub, err := rec.Address(i)
			if err != nil {
				t.Fatalf("Address(%d) error: %v", i, err)
			}
			priv, err := v.Address(rec.Name, rec.Path, i)
			if err != nil {
				t.Fatalf("Vault.Address(%d) error: %v", i, err)
			}
			if pub != priv {
				t.Errorf("%s index %d: xpub address %s != private address %s", c, i, pub, priv)
			}
		}
		v.Close()
	}
}

func TestVault_Unlock(t *testing.T) {
	rec, err := Provision("main", types.BTC, testMnemonic, "", []byte("right"), "", false, fastParams())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	v := NewVault()
	if err := v.Unlock(rec, []byte("wrong")); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if v.IsUnlocked("main") {
		t.Fatal("key unlocked after failed attempt")
	}

	other, err := Provision("main", types.BTC, testMnemonic, "", []byte("right"), "44'/0'/1'/0", false, fastParams())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	tampered := *rec
	tampered.AccountXPub = other.AccountXPub
	if err := v.Unlock(&tampered, []byte("right")); !errors.Is(err, ErrMismatch) {
		t.Fatalf("Unlock(tampered) error = %v, want ErrMismatch", err)
	}

	if err := v.Unlock(rec, []byte("right")); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	if _, err := v.PrivateKey("main", rec.Path, 0); err != nil {
		t.Fatalf("PrivateKey() error: %v", err)
	}

	v.Lock("main")
	if _, err := v.PrivateKey("main", rec.Path, 0); !errors.Is(err, ErrLocked) {
		t.Fatalf("PrivateKey() after Lock error = %v, want ErrLocked", err)
	}
}

func TestSealOpen(t *testing.T) {
	secret := []byte("seed material")
	s, err := Seal(secret, []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if len(s.Tag) != 16 || len(s.Nonce) != 24 || len(s.Salt) != SaltSize {
		t.Fatalf("Sealed sizes tag=%d nonce=%d salt=%d", len(s.Tag), len(s.Nonce), len(s.Salt))
	}
	if bytes.Contains(s.Ciphertext, secret) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := Open(s, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Open() = %q, want %q", got, secret)
	}

	s.Tag[0] ^= 0xff
	if _, err := Open(s, []byte("pass")); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Open(tampered tag) error = %v, want ErrWrongPassphrase", err)
	}

	if _, err := Seal(secret, nil, fastParams()); err == nil {
		t.Error("Seal() with empty passphrase should fail")
	}
}

func TestKeyFile_Roundtrip(t *testing.T) {
	rec, err := Provision("cold", types.ETH, testMnemonic, "", []byte("pw"), "", false, fastParams())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cold.key")
	if err := WriteKeyFile(path, rec); err != nil {
		t.Fatalf("WriteKeyFile() error: %v", err)
	}
	if err := WriteKeyFile(path, rec); err == nil {
		t.Fatal("WriteKeyFile() should refuse to overwrite")
	}

	got, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile() error: %v", err)
	}
	if got.AccountXPub != rec.AccountXPub || got.Path != rec.Path || got.Currency != rec.Currency {
		t.Fatalf("ReadKeyFile() = %+v, want %+v", got, rec)
	}

	v := NewVault()
	if err := v.Unlock(got, []byte("pw")); err != nil {
		t.Fatalf("Unlock(read back) error: %v", err)
	}
}

func TestMnemonic(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error: %v", err)
	}
	if !ValidateMnemonic(m) {
		t.Fatal("generated mnemonic is invalid")
	}
	seed, err := SeedFromMnemonic(m, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}
	if len(seed) != SeedSize {
		t.Errorf("seed length = %d, want %d", len(seed), SeedSize)
	}
	if _, err := SeedFromMnemonic("abandon abandon", ""); err == nil {
		t.Error("SeedFromMnemonic() of invalid mnemonic should fail")
	}
}

func TestChildPublicKey_RejectsHardened(t *testing.T) {
	rec, err := Provision("main", types.BTC, testMnemonic, "", []byte("pw"), "", false, fastParams())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if _, err := ChildPublicKey(rec.AccountXPub, 0x80000000); err == nil {
		t.Error("ChildPublicKey() with hardened index should fail")
	}
}

func TestVault_Verify(t *testing.T) {
	rec, err := Provision("eth", types.ETH, testMnemonic, "", []byte("pw"), "", false, fastParams())
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	v := NewVault()
	defer v.Close()
	if err := v.Unlock(rec, []byte("pw")); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}

	// Checksum casing is accepted for ETH.
	if err := v.Verify("eth", rec.Path, 0, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"); err != nil {
		t.Fatalf("Verify(index 0) error: %v", err)
	}
	if err := v.Verify("eth", rec.Path, 1, "0x9858effd232b4033e47d90003d41ec34ecaeda94"); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Verify(index 1) error = %v, want ErrIntegrity", err)
	}
	if err := v.Verify("other", rec.Path, 0, "0x00"); !errors.Is(err, ErrLocked) {
		t.Fatalf("Verify(locked) error = %v, want ErrLocked", err)
	}
}
