package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/address"
	"github.com/olegvg/cryptoms/internal/chain/chaintest"
	"github.com/olegvg/cryptoms/internal/deposit"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/processor"
	"github.com/olegvg/cryptoms/internal/reconcile"
	"github.com/olegvg/cryptoms/internal/signer"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/internal/withdraw"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

type testAPI struct {
	client *Client
	url    string
	ledger *ledger.Ledger
	node   *chaintest.BTCNode
	wallet *chaintest.Wallet
	set    *processor.Set
}

// newTestAPI serves a Bitcoin-only processor set.
func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	l := ledger.New(storage.NewMemory())
	w := chaintest.NewWallet(t, l, types.BTC, "hot")
	node := chaintest.NewBTCNode(&chaincfg.TestNet3Params)
	params := &chaincfg.TestNet3Params

	addrs, err := address.New(l, address.Config{Currency: types.BTC, MasterKey: "hot", Instance: "node1", Node: node, Verifier: w.Vault})
	if err != nil {
		t.Fatal(err)
	}
	mon, err := deposit.NewBitcoin(l, node, deposit.Config{Instance: "node1"})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := withdraw.NewBitcoin(l, node, signer.NewLocal(w.Vault), params, withdraw.Config{MasterKey: "hot", Instance: "node1"})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := reconcile.NewBitcoin(l, node, reconcile.Config{Instance: "node1"})
	if err != nil {
		t.Fatal(err)
	}
	btc, err := processor.NewBitcoin(processor.Services{Addresses: addrs, Deposits: mon, Withdrawals: orch, Reconciler: rec})
	if err != nil {
		t.Fatal(err)
	}
	set := processor.NewSet(l, btc, nil)

	srv := New("127.0.0.1:0", set, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	c, err := NewClient(ts.URL, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return &testAPI{client: c, url: ts.URL, ledger: l, node: node, wallet: w, set: set}
}

// fund claims two addresses and credits amount to the first one.
func (a *testAPI) fund(t *testing.T, amount string) string {
	t.Helper()
	ctx := context.Background()
	addr, err := a.client.ClaimAddress(ctx, "BTC")
	if err != nil {
		t.Fatalf("ClaimAddress() error: %v", err)
	}
	if _, err := a.client.ClaimAddress(ctx, "btc"); err != nil {
		t.Fatal(err)
	}
	a.node.Receive(addr, decimal.RequireFromString(amount))
	a.node.Mine(6)
	for _, p := range a.set.Passes() {
		if err := p.Run(ctx); err != nil {
			t.Fatalf("pass %s: %v", p.Name, err)
		}
	}
	return addr
}

func statusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func TestClaim(t *testing.T) {
	a := newTestAPI(t, Config{})
	ctx := context.Background()

	addr, err := a.client.ClaimAddress(ctx, "BTC")
	if err != nil {
		t.Fatalf("ClaimAddress(BTC) error: %v", err)
	}
	if ok, _ := a.ledger.HasAddress(types.BTC, addr); !ok {
		t.Errorf("claimed address %s not in the ledger", addr)
	}

	tests := []struct {
		currency string
		want     int
	}{
		{"ETH", http.StatusNotImplemented},
		{"DOGE", http.StatusNotFound},
	}
	for _, tt := range tests {
		_, err := a.client.ClaimAddress(ctx, tt.currency)
		if got := statusOf(err); got != tt.want {
			t.Errorf("ClaimAddress(%s) status = %d (%v), want %d", tt.currency, got, err, tt.want)
		}
	}
}

func TestWithdraw(t *testing.T) {
	a := newTestAPI(t, Config{})
	a.fund(t, "1")
	ctx := context.Background()
	dest := a.wallet.Address(t, 500)
	id := uuid.NewString()

	out, err := a.client.Withdraw(ctx, id, "BTC", dest, decimal.RequireFromString("0.4"))
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	if out.TxID != id || out.Status != "PENDING" {
		t.Fatalf("Withdraw() = %+v, want PENDING", out)
	}
	again, err := a.client.Withdraw(ctx, id, "BTC", dest, decimal.RequireFromString("0.4"))
	if err != nil || again.Status != "PENDING" || len(a.node.Sent) != 1 {
		t.Fatalf("repeated Withdraw() = %+v, %v; sent %d", again, err, len(a.node.Sent))
	}

	st, err := a.client.WithdrawalStatus(ctx, id)
	if err != nil || st.Status != "PENDING" {
		t.Fatalf("WithdrawalStatus() = %+v, %v", st, err)
	}
	a.node.Mine(6)
	for _, p := range a.set.Passes() {
		if err := p.Run(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if st, _ := a.client.WithdrawalStatus(ctx, id); st.Status != "COMPLETED" {
		t.Errorf("status after confirmation = %s, want COMPLETED", st.Status)
	}

	// Business failures are a 200 with a FAILED status.
	poor, err := a.client.Withdraw(ctx, uuid.NewString(), "BTC", dest, decimal.RequireFromString("50"))
	if err != nil || poor.Status != "FAILED" || poor.Reason == "" {
		t.Errorf("insufficient Withdraw() = %+v, %v", poor, err)
	}
}

func TestWithdraw_UnknownBroadcastIsPending(t *testing.T) {
	a := newTestAPI(t, Config{})
	a.fund(t, "1")
	a.node.Errors["sendrawtransaction"] = errors.New("i/o timeout")
	a.node.Errors["gettransaction"] = errors.New("connection refused")

	id := uuid.NewString()
	out, err := a.client.Withdraw(context.Background(), id, "BTC", a.wallet.Address(t, 500), decimal.RequireFromString("0.4"))
	if err != nil || out.Status != "PENDING" {
		t.Fatalf("Withdraw() = %+v, %v; want PENDING while the broadcast is unresolved", out, err)
	}
}

func TestWithdraw_Errors(t *testing.T) {
	a := newTestAPI(t, Config{})
	ctx := context.Background()
	dest := a.wallet.Address(t, 500)
	one := decimal.RequireFromString("1")

	tests := []struct {
		name     string
		id, cur  string
		dest     string
		amount   decimal.Decimal
		wantCode int
	}{
		{"bad id", "not-a-uuid", "BTC", dest, one, http.StatusBadRequest},
		{"unknown currency", uuid.NewString(), "DOGE", dest, one, http.StatusBadRequest},
		{"disabled currency", uuid.NewString(), "ETH", dest, one, http.StatusNotImplemented},
		{"bad destination", uuid.NewString(), "BTC", "xyz", one, http.StatusBadRequest},
		{"negative amount", uuid.NewString(), "BTC", dest, one.Neg(), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.client.Withdraw(ctx, tt.id, tt.cur, tt.dest, tt.amount)
			if got := statusOf(err); got != tt.wantCode {
				t.Errorf("status = %d (%v), want %d", got, err, tt.wantCode)
			}
		})
	}

	if _, err := a.client.WithdrawalStatus(ctx, uuid.NewString()); statusOf(err) != http.StatusNotFound {
		t.Errorf("unknown status error = %v, want 404", err)
	}
	if _, err := a.client.WithdrawalStatus(ctx, "nope"); statusOf(err) != http.StatusBadRequest {
		t.Errorf("malformed status error = %v, want 400", err)
	}
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestWithdraw_Body(t *testing.T) {
	a := newTestAPI(t, Config{})
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"tx_id":`, http.StatusBadRequest},
		{"unknown field", `{"tx_id":"` + uuid.NewString() + `","currency":"BTC","extra":1}`, http.StatusBadRequest},
		{"too large", `{"wallet_addr":"` + strings.Repeat("a", maxBodySize) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := post(t, a.url+"/withdraw", tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
			if !strings.Contains(body, `"error"`) || !strings.Contains(body, `"message"`) {
				t.Errorf("body = %s, want an error object", body)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	a := newTestAPI(t, Config{})
	addr := a.fund(t, "1")
	ctx := context.Background()

	// Drift the cached amount, then compare both endpoints.
	if err := a.ledger.SetAmounts(types.BTC, map[string]decimal.Decimal{addr: decimal.RequireFromString("7")}); err != nil {
		t.Fatal(err)
	}
	dry, err := a.client.Reconcile(ctx, "BTC", false)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if !dry.ActualBalances[addr].Equal(decimal.RequireFromString("1")) || len(dry.Drifted) != 1 {
		t.Fatalf("Reconcile() = %+v", dry)
	}
	if got, _ := a.ledger.Address(types.BTC, addr); !got.Amount.Equal(decimal.RequireFromString("7")) {
		t.Fatal("dry run changed the cached amount")
	}

	if _, err := a.client.Reconcile(ctx, "BTC", true); err != nil {
		t.Fatalf("Reconcile(enforce) error: %v", err)
	}
	if got, _ := a.ledger.Address(types.BTC, addr); !got.Amount.Equal(decimal.RequireFromString("1")) {
		t.Errorf("cached amount = %s after enforce, want 1", got.Amount)
	}

	a.node.Errors["listunspent"] = errors.New("down")
	if _, err := a.client.Reconcile(ctx, "BTC", false); statusOf(err) != http.StatusBadGateway {
		t.Errorf("Reconcile() with a failing node error = %v, want 502", err)
	}
	if _, err := a.client.Reconcile(ctx, "ETH", false); statusOf(err) != http.StatusNotImplemented {
		t.Errorf("Reconcile(ETH) error = %v, want 501", err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t, Config{})
	resp, err := http.Get(a.url + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"BTC"`) {
		t.Fatalf("healthz = %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(a.url + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `cryptoms_api_requests_total{code="200",route="/healthz"}`) {
		t.Error("metrics do not count the health request")
	}
}

func TestAccessControl(t *testing.T) {
	t.Run("ip allowlist", func(t *testing.T) {
		a := newTestAPI(t, Config{AllowedIPs: []string{"10.0.0.0/8"}})
		if _, err := a.client.ClaimAddress(context.Background(), "BTC"); statusOf(err) != http.StatusForbidden {
			t.Errorf("error = %v, want 403", err)
		}
		b := newTestAPI(t, Config{AllowedIPs: []string{"127.0.0.1"}})
		if _, err := b.client.ClaimAddress(context.Background(), "BTC"); err != nil {
			t.Errorf("allowed client error = %v", err)
		}
	})
	t.Run("rate limit", func(t *testing.T) {
		a := newTestAPI(t, Config{RateLimit: 0.001, Burst: 1})
		ctx := context.Background()
		if _, err := a.client.WithdrawalStatus(ctx, uuid.NewString()); statusOf(err) != http.StatusNotFound {
			t.Fatalf("first request error = %v, want 404", err)
		}
		if _, err := a.client.WithdrawalStatus(ctx, uuid.NewString()); statusOf(err) != http.StatusTooManyRequests {
			t.Errorf("second request error = %v, want 429", err)
		}
	})
	t.Run("cors", func(t *testing.T) {
		a := newTestAPI(t, Config{CORSOrigins: []string{"https://ops.example"}})
		req, _ := http.NewRequest(http.MethodGet, a.url+"/healthz", nil)
		req.Header.Set("Origin", "https://ops.example")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})
}
