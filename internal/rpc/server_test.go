package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/olegvg/cryptoms/internal/chain/btc"
	"github.com/olegvg/cryptoms/internal/keyvault"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/pkg/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type testEnv struct {
	vault *keyvault.Vault
	rec   *keyvault.Record
	srv   *httptest.Server
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	v := keyvault.NewVault()
	rec, err := keyvault.Provision("hot", types.BTC, testMnemonic, "", []byte("pw"), "", true,
		keyvault.Params{Memory: 64, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := v.Unlock(rec, []byte("pw")); err != nil {
		t.Fatalf("Unlock() error: %v", err)
	}
	s := New("127.0.0.1:0", signer.NewLocal(v), v, cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		v.Close()
	})
	return &testEnv{vault: v, rec: rec, srv: srv}
}

func (e *testEnv) remote(t *testing.T, userinfo string) *signer.Remote {
	t.Helper()
	url := e.srv.URL
	if userinfo != "" {
		url = strings.Replace(url, "http://", "http://"+userinfo+"@", 1)
	}
	r, err := signer.NewRemote(url, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRemote() error: %v", err)
	}
	return r
}

func (e *testEnv) unsignedTx(t *testing.T) string {
	t.Helper()
	tx := wire.NewMsgTx(2)
	h := chainhash.DoubleHashH([]byte("prev"))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&h, 1), nil, nil))
	to, _ := e.rec.Address(7)
	addr, _ := btcutil.DecodeAddress(to, keyvault.BTCParams(true))
	script, _ := txscript.PayToAddrScript(addr)
	tx.AddTxOut(wire.NewTxOut(1_000, script))
	raw, err := btc.EncodeTx(tx)
	if err != nil {
		t.Fatalf("EncodeTx() error: %v", err)
	}
	return raw
}

func (e *testEnv) input(t *testing.T, index uint32, claimed uint32) signer.BitcoinInput {
	t.Helper()
	addr, _ := e.rec.Address(claimed)
	return signer.BitcoinInput{
		KeyRef:  signer.KeyRef{MasterKey: e.rec.Name, Path: e.rec.Path, Index: index},
		Address: addr,
		Amount:  5_000,
	}
}

func TestRemote_SignBitcoin(t *testing.T) {
	env := setupTestEnv(t, Config{})
	r := env.remote(t, "")
	ctx := context.Background()

	if err := r.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	signed, err := r.SignBitcoin(ctx, &signer.BitcoinRequest{RawTx: env.unsignedTx(t), Inputs: []signer.BitcoinInput{env.input(t, 0, 0)}})
	if err != nil {
		t.Fatalf("SignBitcoin() error: %v", err)
	}
	tx, err := btc.DecodeTx(signed)
	if err != nil || len(tx.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("signed tx = %v, %v", tx, err)
	}
}

func TestRemote_ErrorMapping(t *testing.T) {
	env := setupTestEnv(t, Config{})
	r := env.remote(t, "")
	ctx := context.Background()
	raw := env.unsignedTx(t)

	_, err := r.SignBitcoin(ctx, &signer.BitcoinRequest{RawTx: raw, Inputs: []signer.BitcoinInput{env.input(t, 0, 3)}})
	if !errors.Is(err, keyvault.ErrIntegrity) {
		t.Fatalf("mismatched address error = %v, want ErrIntegrity", err)
	}

	in := env.input(t, 0, 0)
	in.MasterKey = "cold"
	_, err = r.SignBitcoin(ctx, &signer.BitcoinRequest{RawTx: raw, Inputs: []signer.BitcoinInput{in}})
	if !errors.Is(err, keyvault.ErrLocked) {
		t.Fatalf("locked key error = %v, want ErrLocked", err)
	}

	_, err = r.SignBitcoin(ctx, &signer.BitcoinRequest{RawTx: "zz", Inputs: []signer.BitcoinInput{env.input(t, 0, 0)}})
	if !errors.Is(err, signer.ErrRejected) {
		t.Fatalf("bad raw tx error = %v, want ErrRejected", err)
	}

	env.vault.Close()
	if err := r.Ping(ctx); !errors.Is(err, keyvault.ErrLocked) {
		t.Fatalf("Ping() after lock error = %v, want ErrLocked", err)
	}
}

func TestServer_BasicAuth(t *testing.T) {
	env := setupTestEnv(t, Config{User: "u", Password: "p"})
	ctx := context.Background()
	if err := env.remote(t, "u:wrong").Ping(ctx); err == nil {
		t.Fatal("Ping() with wrong password succeeded")
	}
	if err := env.remote(t, "u:p").Ping(ctx); err != nil {
		t.Fatalf("Ping() with credentials error: %v", err)
	}
}

func TestServer_AllowedIPs(t *testing.T) {
	env := setupTestEnv(t, Config{AllowedIPs: []string{"10.0.0.0/8"}})
	resp, err := http.Post(env.srv.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"signer_ping","id":1}`))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"127.0.0.1", "10.0.0.0/8", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d nets, want 3", len(nets))
	}
}

func TestServer_ProtocolErrors(t *testing.T) {
	env := setupTestEnv(t, Config{})
	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"signer_ping","id":1}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"wallet_send","id":1}`, CodeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"signer_signBitcoin","id":1}`, CodeInvalidParams},
		{"oversized", `{"jsonrpc":"2.0","method":"signer_ping","id":1,"pad":"` + strings.Repeat("x", maxBodySize) + `"}`, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL, "application/json", bytes.NewReader([]byte(tt.body)))
			if err != nil {
				t.Fatalf("POST error: %v", err)
			}
			defer resp.Body.Close()
			var out Response
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Error == nil || out.Error.Code != tt.code {
				t.Fatalf("error = %+v, want code %d", out.Error, tt.code)
			}
		})
	}
}
