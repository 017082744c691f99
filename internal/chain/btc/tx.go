package btc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olegvg/cryptoms/pkg/crypto"
	"github.com/shopspring/decimal"
)

// DustLimit is the smallest P2PKH output relayed by default policy, in satoshi.
const DustLimit = 546

// Params returns chain parameters by network name.
func Params(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// ValidateAddress checks that addr decodes for params.
func ValidateAddress(addr string, params *chaincfg.Params) error {
	a, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address %q: %w", addr, err)
	}
	if !a.IsForNet(params) {
		return fmt.Errorf("address %q is not for %s", addr, params.Name)
	}
	return nil
}

// TxSize estimates the serialized size of a P2PKH transaction.
func TxSize(inputs, outputs int) int64 {
	return 148*int64(inputs) + 34*int64(outputs) + 10
}

// FeeFor converts a BTC/kvB fee rate into a satoshi fee for size bytes,
// rounding up.
func FeeFor(rate decimal.Decimal, size int64) int64 {
	return rate.Shift(8).Mul(decimal.NewFromInt(size)).Div(decimal.NewFromInt(1000)).Ceil().IntPart()
}

// DecodeTx parses a hex-encoded transaction.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return &tx, nil
}

// EncodeTx serializes tx to hex.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TxID returns the id of a hex-encoded transaction.
func TxID(rawHex string) (string, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// SignInput carries the key and previous output value of one input.
// When Address is set the key must hash to it.
type SignInput struct {
	Key     *crypto.PrivateKey
	Amount  int64 // satoshi
	Address string
}

// SignP2PKH signs every input of rawHex, which must spend P2PKH outputs
// paying the compressed public key of the matching SignInput. Each signed
// input is verified with the script engine before the transaction is
// returned.
func SignP2PKH(rawHex string, inputs []SignInput, params *chaincfg.Params) (string, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return "", err
	}
	if len(inputs) != len(tx.TxIn) {
		return "", fmt.Errorf("have %d keys for %d inputs", len(inputs), len(tx.TxIn))
	}

	scripts := make([][]byte, len(inputs))
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(in.Key.PublicKey()), params)
		if err != nil {
			return "", fmt.Errorf("input %d: %w", i, err)
		}
		if in.Address != "" && addr.EncodeAddress() != in.Address {
			return "", fmt.Errorf("input %d: key does not match address %s", i, in.Address)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", fmt.Errorf("input %d: build script: %w", i, err)
		}
		scripts[i] = script
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Amount, script)
	}

	for i, in := range inputs {
		sigScript, err := txscript.SignatureScript(tx, i, scripts[i], txscript.SigHashAll, in.Key.BTCEC(), true)
		if err != nil {
			return "", fmt.Errorf("input %d: sign: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range inputs {
		vm, err := txscript.NewEngine(scripts[i], tx, i, txscript.StandardVerifyFlags, nil, hashes, in.Amount, fetcher)
		if err != nil {
			return "", fmt.Errorf("input %d: script engine: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return "", fmt.Errorf("input %d: verify: %w", i, err)
		}
	}
	return EncodeTx(tx)
}

// OutputValue returns the total value in satoshi that rawHex pays to
// address, and whether any output pays it.
func OutputValue(rawHex, address string, params *chaincfg.Params) (int64, bool, error) {
	tx, err := DecodeTx(rawHex)
	if err != nil {
		return 0, false, err
	}
	var (
		total int64
		found bool
	)
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		if addrs[0].EncodeAddress() == address {
			total += out.Value
			found = true
		}
	}
	return total, found, nil
}
