package keyvault

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olegvg/cryptoms/pkg/crypto"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/tyler-smith/go-bip32"
)

// Default BIP-44 account paths (external chain) per currency.
const (
	PathBTC = "44'/0'/0'/0"
	PathETH = "44'/60'/0'/0"
)

// DefaultPath returns the BIP-44 external chain path for c.
func DefaultPath(c types.Currency) string {
	if c == types.ETH {
		return PathETH
	}
	return PathBTC
}

// Path is a parsed derivation path.
type Path []uint32

// ParsePath parses "44'/0'/0'/0", with or without a leading "m/".
// Hardened components are marked with ' or h.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m/")
	if s == "" || s == "m" {
		return Path{}, nil
	}
	parts := strings.Split(s, "/")
	out := make(Path, 0, len(parts))
	for _, p := range parts {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n >= uint64(bip32.FirstHardenedChild) {
			return nil, fmt.Errorf("invalid path component %q in %q", p, s)
		}
		idx := uint32(n)
		if hardened {
			idx += bip32.FirstHardenedChild
		}
		out = append(out, idx)
	}
	return out, nil
}

// String formats the path in the same notation ParsePath accepts.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, idx := range p {
		if idx >= bip32.FirstHardenedChild {
			parts[i] = strconv.FormatUint(uint64(idx-bip32.FirstHardenedChild), 10) + "'"
		} else {
			parts[i] = strconv.FormatUint(uint64(idx), 10)
		}
	}
	return strings.Join(parts, "/")
}

// HDKey represents a hierarchical deterministic key (BIP-32).
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master HD key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// ParseExtendedKey decodes a base58 xpub or xprv.
func ParseExtendedKey(s string) (*HDKey, error) {
	k, err := bip32.B58Deserialize(s)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	return &HDKey{key: k}, nil
}

// DeriveChild derives a child key at the given index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along a sequence of indices.
func (k *HDKey) DerivePath(path Path) (*HDKey, error) {
	current := k
	for _, idx := range path {
		child, err := current.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// PrivateKeyBytes returns the raw 32-byte private key, or nil for a
// public-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 Key.Key is 33 bytes with a leading 0x00 for private keys.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	if !k.key.IsPrivate {
		return k.key.Key
	}
	return k.key.PublicKey().Key
}

// PrivateKey returns the signing key, or an error for a public-only key.
func (k *HDKey) PrivateKey() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("cannot sign with a public key")
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// IsPrivate returns true if this key contains a private key.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Neuter returns a public-key-only copy.
func (k *HDKey) Neuter() *HDKey {
	if !k.key.IsPrivate {
		return k
	}
	return &HDKey{key: k.key.PublicKey()}
}

// String returns the base58 extended key serialisation.
func (k *HDKey) String() string {
	return k.key.B58Serialize()
}

// ChildPublicKey derives the compressed public key of the non-hardened
// child index of an account xpub.
func ChildPublicKey(xpub string, index uint32) ([]byte, error) {
	if index >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("index %d is hardened", index)
	}
	account, err := ParseExtendedKey(xpub)
	if err != nil {
		return nil, err
	}
	child, err := account.Neuter().DeriveChild(index)
	if err != nil {
		return nil, err
	}
	return child.PublicKeyBytes(), nil
}
