package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/keyvault"
	klog "github.com/olegvg/cryptoms/internal/log"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/rs/zerolog"
)

// Local signs with keys held by a vault.
type Local struct {
	vault  *keyvault.Vault
	logger zerolog.Logger
}

// NewLocal creates a signer over vault.
func NewLocal(vault *keyvault.Vault) *Local {
	return &Local{vault: vault, logger: klog.Signer}
}

// Ping succeeds when at least one master key is unlocked.
func (l *Local) Ping(_ context.Context) error {
	if len(l.vault.Currencies()) == 0 {
		return keyvault.ErrLocked
	}
	return nil
}

// SignBitcoin signs a P2PKH spend. Every input address is re-derived from
// its coordinates before any key is used.
func (l *Local) SignBitcoin(_ context.Context, req *BitcoinRequest) (string, error) {
	if len(req.Inputs) == 0 {
		return "", fmt.Errorf("%w: no inputs", ErrRejected)
	}
	var testnet *bool
	inputs := make([]btc.SignInput, 0, len(req.Inputs))
	defer func() {
		for _, in := range inputs {
			in.Key.Zero()
		}
	}()
	for i, in := range req.Inputs {
		rec, err := l.vault.Record(in.MasterKey)
		if err != nil {
			return "", err
		}
		if rec.Currency != types.BTC {
			return "", fmt.Errorf("%w: input %d: master key %s is %s", ErrRejected, i, in.MasterKey, rec.Currency)
		}
		if testnet != nil && *testnet != rec.Testnet {
			return "", fmt.Errorf("%w: inputs span networks", ErrRejected)
		}
		testnet = &rec.Testnet
		if err := l.vault.Verify(in.MasterKey, in.Path, in.Index, in.Address); err != nil {
			return "", fmt.Errorf("input %d: %w", i, err)
		}
		key, err := l.vault.PrivateKey(in.MasterKey, in.Path, in.Index)
		if err != nil {
			return "", err
		}
		inputs = append(inputs, btc.SignInput{Key: key, Amount: in.Amount, Address: in.Address})
	}

	signed, err := btc.SignP2PKH(req.RawTx, inputs, keyvault.BTCParams(*testnet))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	txid, _ := btc.TxID(signed)
	l.logger.Info().Str("txid", txid).Int("inputs", len(inputs)).Msg("Signed bitcoin transaction")
	return signed, nil
}

// SignEthereum signs a plain value transfer from req.Address.
func (l *Local) SignEthereum(_ context.Context, req *EthereumRequest) (string, error) {
	rec, err := l.vault.Record(req.MasterKey)
	if err != nil {
		return "", err
	}
	if rec.Currency != types.ETH {
		return "", fmt.Errorf("%w: master key %s is %s", ErrRejected, req.MasterKey, rec.Currency)
	}
	chainID, ok := new(big.Int).SetString(req.ChainID, 10)
	if !ok || chainID.Sign() <= 0 {
		return "", fmt.Errorf("%w: invalid chain id %q", ErrRejected, req.ChainID)
	}
	tx, err := eth.DecodeTx(req.RawTx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if tx.To() == nil || len(tx.Data()) != 0 || tx.Gas() != eth.TransferGas {
		return "", fmt.Errorf("%w: only plain value transfers are signed", ErrRejected)
	}
	if err := l.vault.Verify(req.MasterKey, req.Path, req.Index, req.Address); err != nil {
		return "", err
	}

	key, err := l.vault.PrivateKey(req.MasterKey, req.Path, req.Index)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	signed, err := eth.SignTransfer(tx, chainID, key.ToECDSA())
	if err != nil {
		return "", err
	}
	l.logger.Info().Str("from", req.Address).Str("to", tx.To().Hex()).Uint64("nonce", tx.Nonce()).Msg("Signed ethereum transaction")
	return eth.EncodeTx(signed)
}
