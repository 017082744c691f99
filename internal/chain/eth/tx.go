package eth

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransferGas is the gas limit of a plain value transfer.
const TransferGas = 21000

// TransferFee returns gasPrice * TransferGas.
func TransferFee(gasPrice *big.Int) *big.Int {
	return new(big.Int).Mul(gasPrice, big.NewInt(TransferGas))
}

// NormalizeAddress returns the canonical lower-case form of a hex address.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateAddress checks that s is a 20-byte hex address.
func ValidateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("invalid ethereum address %q", s)
	}
	return nil
}

// NewTransfer builds an unsigned legacy value transfer.
func NewTransfer(nonce uint64, to string, value, gasPrice *big.Int) *types.Transaction {
	recipient := common.HexToAddress(to)
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    new(big.Int).Set(value),
		Gas:      TransferGas,
		GasPrice: new(big.Int).Set(gasPrice),
	})
}

// SignTransfer signs tx with EIP-155 replay protection for chainID.
func SignTransfer(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// Sender recovers the lower-case sender address of a signed transaction.
func Sender(tx *types.Transaction, chainID *big.Int) (string, error) {
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return "", fmt.Errorf("recover sender: %w", err)
	}
	return NormalizeAddress(from.Hex()), nil
}

// EncodeTx returns the hex of the binary transaction encoding.
func EncodeTx(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeTx parses a transaction encoded by EncodeTx.
func DecodeTx(rawHex string) (*types.Transaction, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(rawHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// Confirmations counts the block containing a transaction as the first
// confirmation, as bitcoind does.
func Confirmations(latest, mined uint64) int64 {
	if mined > latest {
		return 0
	}
	return int64(latest-mined) + 1
}

// FindBlockByTime returns the number of the first block whose timestamp is
// at or after ts, or latest+1 when every block is older.
func FindBlockByTime(ctx context.Context, node Node, ts uint64) (uint64, error) {
	latest, err := node.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	lo, hi := uint64(0), latest+1
	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := node.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", mid, err)
		}
		if h.Time < ts {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}
