// Package crypto provides the hashing and key primitives shared by the
// key vault and the chain signers.
package crypto

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a BLAKE3-256 digest.
const HashSize = 32

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// CredentialHash returns the hex BLAKE3 keyed digest of an RPC credential.
// Chain instances are stored with this digest so that a changed node
// password is detected without the ledger holding the password itself.
func CredentialHash(instance, user, password string) string {
	h := blake3.New()
	h.Write([]byte(instance))
	h.Write([]byte{0})
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// CredentialMatches reports whether user and password hash to digest.
func CredentialMatches(digest, instance, user, password string) bool {
	want := CredentialHash(instance, user, password)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}
