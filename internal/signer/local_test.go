package signer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/chain/eth"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestVault(t *testing.T) (*keyvault.Vault, map[types.Currency]*keyvault.Record) {
	t.Helper()
	v := keyvault.NewVault()
	t.Cleanup(v.Close)
	recs := make(map[types.Currency]*keyvault.Record)
	for _, c := range types.Currencies {
		rec, err := keyvault.Provision("main-"+c.Namespace(), c, testMnemonic, "", []byte("pw"), "", true,
			keyvault.Params{Memory: 64, Iterations: 1, Parallelism: 1})
		if err != nil {
			t.Fatalf("Provision(%s) error: %v", c, err)
		}
		if err := v.Unlock(rec, []byte("pw")); err != nil {
			t.Fatalf("Unlock(%s) error: %v", c, err)
		}
		recs[c] = rec
	}
	return v, recs
}

func mustAddress(t *testing.T, rec *keyvault.Record, index uint32) string {
	t.Helper()
	addr, err := rec.Address(index)
	if err != nil {
		t.Fatalf("Address(%d) error: %v", index, err)
	}
	return addr
}

// unsignedBTC spends n dummy outpoints into one output paying to.
func unsignedBTC(t *testing.T, n int, to string) string {
	t.Helper()
	tx := wire.NewMsgTx(2)
	for i := 0; i < n; i++ {
		h := chainhash.DoubleHashH([]byte{byte(i)})
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h, 0), nil, nil))
	}
	addr, err := btcutil.DecodeAddress(to, keyvault.BTCParams(true))
	if err != nil {
		t.Fatalf("DecodeAddress() error: %v", err)
	}
	script, _ := txscript.PayToAddrScript(addr)
	tx.AddTxOut(wire.NewTxOut(10_000, script))
	raw, err := btc.EncodeTx(tx)
	if err != nil {
		t.Fatalf("EncodeTx() error: %v", err)
	}
	return raw
}

func TestLocal_SignBitcoin(t *testing.T) {
	v, recs := newTestVault(t)
	rec := recs[types.BTC]
	s := NewLocal(v)

	raw := unsignedBTC(t, 2, mustAddress(t, rec, 5))
	signed, err := s.SignBitcoin(context.Background(), &BitcoinRequest{
		RawTx: raw,
		Inputs: []BitcoinInput{
			{KeyRef: KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 0}, Address: mustAddress(t, rec, 0), Amount: 6_000},
			{KeyRef: KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 1}, Address: mustAddress(t, rec, 1), Amount: 7_000},
		},
	})
	if err != nil {
		t.Fatalf("SignBitcoin() error: %v", err)
	}
	tx, err := btc.DecodeTx(signed)
	if err != nil {
		t.Fatalf("DecodeTx() error: %v", err)
	}
	for i, in := range tx.TxIn {
		if len(in.SignatureScript) == 0 {
			t.Errorf("input %d not signed", i)
		}
	}
}

func TestLocal_SignBitcoin_Refusals(t *testing.T) {
	v, recs := newTestVault(t)
	rec := recs[types.BTC]
	s := NewLocal(v)
	raw := unsignedBTC(t, 1, mustAddress(t, rec, 5))

	tests := []struct {
		name  string
		input BitcoinInput
		want  error
	}{
		{
			name:  "address of another index",
			input: BitcoinInput{KeyRef: KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 0}, Address: mustAddress(t, rec, 1), Amount: 1},
			want:  keyvault.ErrIntegrity,
		},
		{
			name:  "locked master key",
			input: BitcoinInput{KeyRef: KeyRef{MasterKey: "cold", Path: rec.Path, Index: 0}, Address: mustAddress(t, rec, 0), Amount: 1},
			want:  keyvault.ErrLocked,
		},
		{
			name:  "wrong currency",
			input: BitcoinInput{KeyRef: KeyRef{MasterKey: recs[types.ETH].Name, Path: rec.Path, Index: 0}, Address: mustAddress(t, rec, 0), Amount: 1},
			want:  ErrRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SignBitcoin(context.Background(), &BitcoinRequest{RawTx: raw, Inputs: []BitcoinInput{tt.input}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("SignBitcoin() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := s.SignBitcoin(context.Background(), &BitcoinRequest{RawTx: raw}); !errors.Is(err, ErrRejected) {
		t.Fatalf("SignBitcoin(no inputs) error = %v, want ErrRejected", err)
	}
}

func TestLocal_SignEthereum(t *testing.T) {
	v, recs := newTestVault(t)
	rec := recs[types.ETH]
	s := NewLocal(v)
	from := mustAddress(t, rec, 0)
	chainID := big.NewInt(1337)

	raw, err := eth.EncodeTx(eth.NewTransfer(3, "0x00000000000000000000000000000000000000aa", big.NewInt(1e15), big.NewInt(1e9)))
	if err != nil {
		t.Fatalf("EncodeTx() error: %v", err)
	}
	req := &EthereumRequest{KeyRef: KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 0}, Address: from, RawTx: raw, ChainID: "1337"}
	signed, err := s.SignEthereum(context.Background(), req)
	if err != nil {
		t.Fatalf("SignEthereum() error: %v", err)
	}
	tx, err := eth.DecodeTx(signed)
	if err != nil {
		t.Fatalf("DecodeTx() error: %v", err)
	}
	sender, err := eth.Sender(tx, chainID)
	if err != nil || sender != from {
		t.Fatalf("Sender() = %s, %v; want %s", sender, err, from)
	}
	if tx.Nonce() != 3 {
		t.Errorf("nonce = %d, want 3", tx.Nonce())
	}
}

func TestLocal_SignEthereum_Refusals(t *testing.T) {
	v, recs := newTestVault(t)
	rec := recs[types.ETH]
	s := NewLocal(v)
	from := mustAddress(t, rec, 0)
	to := eth.NewTransfer(0, from, big.NewInt(1), big.NewInt(1)).To()

	withData, _ := eth.EncodeTx(ethtypes.NewTx(&ethtypes.LegacyTx{To: to, Gas: eth.TransferGas, GasPrice: big.NewInt(1), Value: big.NewInt(1), Data: []byte{0xa9}}))
	create, _ := eth.EncodeTx(ethtypes.NewTx(&ethtypes.LegacyTx{Gas: eth.TransferGas, GasPrice: big.NewInt(1), Value: big.NewInt(1)}))
	plain, _ := eth.EncodeTx(eth.NewTransfer(0, from, big.NewInt(1), big.NewInt(1)))

	ref := KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 0}
	tests := []struct {
		name string
		req  EthereumRequest
		want error
	}{
		{"calldata", EthereumRequest{KeyRef: ref, Address: from, RawTx: withData, ChainID: "1"}, ErrRejected},
		{"contract creation", EthereumRequest{KeyRef: ref, Address: from, RawTx: create, ChainID: "1"}, ErrRejected},
		{"bad chain id", EthereumRequest{KeyRef: ref, Address: from, RawTx: plain, ChainID: "x"}, ErrRejected},
		{"wrong index", EthereumRequest{KeyRef: KeyRef{MasterKey: rec.Name, Path: rec.Path, Index: 9}, Address: from, RawTx: plain, ChainID: "1"}, keyvault.ErrIntegrity},
		{"btc key", EthereumRequest{KeyRef: KeyRef{MasterKey: recs[types.BTC].Name, Path: rec.Path}, Address: from, RawTx: plain, ChainID: "1"}, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SignEthereum(context.Background(), &tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("SignEthereum() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLocal_Ping(t *testing.T) {
	v, _ := newTestVault(t)
	s := NewLocal(v)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	v.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, keyvault.ErrLocked) {
		t.Fatalf("Ping() after Close error = %v, want ErrLocked", err)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{keyvault.ErrLocked, CodeLocked},
		{keyvault.ErrIntegrity, CodeIntegrity},
		{ErrRejected, CodeRejected},
		{errors.New("boom"), 0},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
