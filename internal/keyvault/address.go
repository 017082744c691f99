package keyvault

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/olegvg/cryptoms/pkg/types"
)

// BTCAddress returns the P2PKH address of a compressed public key.
func BTCAddress(pub []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), params)
	if err != nil {
		return "", fmt.Errorf("encode p2pkh: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ETHAddress returns the lower-case hex account address of a compressed
// public key. The ledger stores addresses lower-cased so that they compare
// equal to transaction recipients regardless of checksum casing.
func ETHAddress(pub []byte) (string, error) {
	key, err := ethcrypto.DecompressPubkey(pub)
	if err != nil {
		return "", fmt.Errorf("decompress public key: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*key).Hex()), nil
}

// BTCParams returns the chain parameters for the network flag.
func BTCParams(testnet bool) *chaincfg.Params {
	if testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// EncodeAddress returns the currency's address for a compressed public key.
func EncodeAddress(c types.Currency, pub []byte, testnet bool) (string, error) {
	switch c {
	case types.BTC:
		return BTCAddress(pub, BTCParams(testnet))
	case types.ETH:
		return ETHAddress(pub)
	default:
		return "", fmt.Errorf("%w: %q", types.ErrUnknownCurrency, c)
	}
}

// DeriveAddress derives the address of child index under an account xpub.
func DeriveAddress(c types.Currency, xpub string, index uint32, testnet bool) (string, error) {
	pub, err := ChildPublicKey(xpub, index)
	if err != nil {
		return "", err
	}
	return EncodeAddress(c, pub, testnet)
}
