package types

import "github.com/google/uuid"

// DepositID returns the deterministic id of the deposit of txid to address.
// Re-observing the same (address, txid) pair always yields the same id.
func DepositID(address, txid string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(address+"."+txid))
}

// ParseTxID parses an externally supplied withdrawal id.
func ParseTxID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
