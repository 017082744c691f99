package keyvault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the Argon2id salt length.
const SaltSize = 32

// ErrWrongPassphrase is returned by Open when authentication fails.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key material")

// Params holds Argon2id parameters.
type Params struct {
	Memory      uint32 `json:"memory"` // in KiB
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams returns recommended Argon2id parameters.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024, // 64 MB
		Iterations:  3,
		Parallelism: 4,
	}
}

// Sealed is secret material encrypted under a passphrase. The
// authentication tag is kept apart from the ciphertext so the record
// matches the (ciphertext, tag, nonce) triple persisted per master key.
type Sealed struct {
	Ciphertext []byte
	Tag        []byte
	Nonce      []byte
	Salt       []byte
	Params     Params
}

func deriveKey(passphrase, salt []byte, params Params) []byte {
	return argon2.IDKey(
		passphrase,
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		chacha20poly1305.KeySize,
	)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Seal encrypts secret under passphrase with Argon2id + XChaCha20-Poly1305.
func Seal(secret, passphrase []byte, params Params) (*Sealed, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt, params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, secret, nil)
	split := len(out) - aead.Overhead()
	return &Sealed{
		Ciphertext: out[:split],
		Tag:        out[split:],
		Nonce:      nonce,
		Salt:       salt,
		Params:     params,
	}, nil
}

// Open decrypts s with passphrase. The caller owns the returned slice and
// should zero it when done.
func Open(s *Sealed, passphrase []byte) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("no sealed material")
	}
	if len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", chacha20poly1305.NonceSizeX, len(s.Nonce))
	}
	if len(s.Tag) != chacha20poly1305.Overhead {
		return nil, fmt.Errorf("tag must be %d bytes, got %d", chacha20poly1305.Overhead, len(s.Tag))
	}

	key := deriveKey(passphrase, s.Salt, s.Params)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	box := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	box = append(box, s.Ciphertext...)
	box = append(box, s.Tag...)
	plaintext, err := aead.Open(nil, s.Nonce, box, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}
