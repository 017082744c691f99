package keyvault

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/olegvg/cryptoms/pkg/types"
)

// Record is everything persisted about a master key: the sealed seed plus
// the public account key at Path. It never contains plaintext secrets.
type Record struct {
	Name        string         `json:"name"`
	Currency    types.Currency `json:"currency"`
	Path        string         `json:"path"`
	AccountXPub string         `json:"account_xpub"`
	Testnet     bool           `json:"testnet"`
	Sealed      Sealed         `json:"sealed"`
}

// Provision seals the seed of mnemonic under passphrase and records the
// account xpub at path. bip39Pass is the optional BIP-39 passphrase.
func Provision(name string, c types.Currency, mnemonic, bip39Pass string, passphrase []byte, path string, testnet bool, params Params) (*Record, error) {
	if name == "" {
		return nil, fmt.Errorf("master key name is required")
	}
	if path == "" {
		path = DefaultPath(c)
	}
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	seed, err := SeedFromMnemonic(mnemonic, bip39Pass)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	account, err := accountKey(seed, p)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(seed, passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("seal seed: %w", err)
	}
	return &Record{
		Name:        name,
		Currency:    c,
		Path:        p.String(),
		AccountXPub: account.Neuter().String(),
		Testnet:     testnet,
		Sealed:      *sealed,
	}, nil
}

func accountKey(seed []byte, p Path) (*HDKey, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	return master.DerivePath(p)
}

// Address derives the address at index on the record's account path.
func (r *Record) Address(index uint32) (string, error) {
	return DeriveAddress(r.Currency, r.AccountXPub, index, r.Testnet)
}

type sealedJSON struct {
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
	Params     Params `json:"params"`
}

// MarshalJSON encodes the binary fields as hex.
func (s Sealed) MarshalJSON() ([]byte, error) {
	return json.Marshal(sealedJSON{
		Ciphertext: hex.EncodeToString(s.Ciphertext),
		Tag:        hex.EncodeToString(s.Tag),
		Nonce:      hex.EncodeToString(s.Nonce),
		Salt:       hex.EncodeToString(s.Salt),
		Params:     s.Params,
	})
}

// UnmarshalJSON decodes the hex form written by MarshalJSON.
func (s *Sealed) UnmarshalJSON(data []byte) error {
	var j sealedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	var out Sealed
	for _, f := range []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"ciphertext", j.Ciphertext, &out.Ciphertext},
		{"tag", j.Tag, &out.Tag},
		{"nonce", j.Nonce, &out.Nonce},
		{"salt", j.Salt, &out.Salt},
	} {
		b, err := hex.DecodeString(f.src)
		if err != nil {
			return fmt.Errorf("decode %s: %w", f.name, err)
		}
		*f.dst = b
	}
	out.Params = j.Params
	*s = out
	return nil
}
