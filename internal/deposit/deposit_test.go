package deposit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/olegvg/cryptoms/internal/address"
	"github.com/olegvg/cryptoms/internal/chain/chaintest"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type btcEnv struct {
	ledger  *ledger.Ledger
	node    *chaintest.BTCNode
	addrs   *address.Service
	monitor *Monitor
}

func newBTCEnv(t *testing.T) *btcEnv {
	t.Helper()
	l := ledger.New(storage.NewMemory())
	chaintest.NewWallet(t, l, types.BTC, "hot")
	node := chaintest.NewBTCNode(&chaincfg.TestNet3Params)
	svc, err := address.New(l, address.Config{Currency: types.BTC, MasterKey: "hot", Instance: "node1", Node: node})
	if err != nil {
		t.Fatalf("address.New() error: %v", err)
	}
	m, err := NewBitcoin(l, node, Config{Instance: "node1"})
	if err != nil {
		t.Fatalf("NewBitcoin() error: %v", err)
	}
	return &btcEnv{ledger: l, node: node, addrs: svc, monitor: m}
}

func (e *btcEnv) claim(t *testing.T) string {
	t.Helper()
	a, err := e.addrs.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	return a.Address
}

func (e *btcEnv) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := e.monitor.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass() error: %v", err)
	}
	return res
}

func depositOf(t *testing.T, l *ledger.Ledger, c types.Currency, addr, txid string) *ledger.Deposit {
	t.Helper()
	d, err := l.Deposit(c, types.DepositID(addr, txid))
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	return d
}

func balance(t *testing.T, l *ledger.Ledger, c types.Currency, addr string) decimal.Decimal {
	t.Helper()
	a, err := l.Address(c, addr)
	if err != nil {
		t.Fatalf("Address() error: %v", err)
	}
	return a.Amount
}

func TestNew_Errors(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	node := chaintest.NewBTCNode(&chaincfg.TestNet3Params)
	if _, err := NewBitcoin(l, nil, Config{Instance: "node1"}); err == nil {
		t.Error("NewBitcoin() without a node should fail")
	}
	if _, err := NewBitcoin(l, node, Config{}); err == nil {
		t.Error("NewBitcoin() without an instance should fail")
	}
	if _, err := NewBitcoin(l, node, Config{Instance: "node1", Confirmations: -1}); !errors.Is(err, ErrConfirmations) {
		t.Errorf("NewBitcoin() negative depth error = %v, want ErrConfirmations", err)
	}
	m, err := NewBitcoin(l, node, Config{Instance: "node1"})
	if err != nil {
		t.Fatalf("NewBitcoin() error: %v", err)
	}
	if m.Threshold() != 6 {
		t.Errorf("Threshold() = %d, want 6", m.Threshold())
	}
}

func TestPass_BitcoinLifecycle(t *testing.T) {
	env := newBTCEnv(t)
	addr := env.claim(t)
	txid := env.node.Receive(addr, dec("0.5"))

	if res := env.pass(t); res.Observed != 0 {
		t.Fatalf("mempool deposit observed: %+v", res)
	}

	env.node.Mine(1)
	if res := env.pass(t); res.Observed != 1 || res.Completed != 0 {
		t.Fatalf("Pass() after 1 block = %+v, want 1 observed", res)
	}
	if d := depositOf(t, env.ledger, types.BTC, addr, txid); d.Status != types.DepositPending {
		t.Fatalf("status = %s, want PENDING", d.Status)
	}
	if got := balance(t, env.ledger, types.BTC, addr); !got.IsZero() {
		t.Fatalf("pending deposit credited: %s", got)
	}

	env.node.Mine(5)
	if res := env.pass(t); res.Completed != 1 {
		t.Fatalf("Pass() after 6 blocks = %+v, want 1 completed", res)
	}
	if got := balance(t, env.ledger, types.BTC, addr); !got.Equal(dec("0.5")) {
		t.Fatalf("balance = %s, want 0.5", got)
	}

	env.node.Mine(3)
	if res := env.pass(t); res != (PassResult{}) {
		t.Fatalf("idle Pass() = %+v", res)
	}
	if got := balance(t, env.ledger, types.BTC, addr); !got.Equal(dec("0.5")) {
		t.Fatalf("balance after re-scan = %s, want 0.5", got)
	}
}

func TestPass_DeepDepositCompletesAtOnce(t *testing.T) {
	env := newBTCEnv(t)
	addr := env.claim(t)
	txid := env.node.Receive(addr, dec("0.25"))
	env.node.Mine(6)

	res := env.pass(t)
	if res.Observed != 1 || res.Completed != 1 {
		t.Fatalf("Pass() = %+v, want 1 observed and completed", res)
	}
	if d := depositOf(t, env.ledger, types.BTC, addr, txid); d.Status != types.DepositCompleted {
		t.Fatalf("status = %s, want COMPLETED", d.Status)
	}
	if got := balance(t, env.ledger, types.BTC, addr); !got.Equal(dec("0.25")) {
		t.Fatalf("balance = %s, want 0.25", got)
	}
}

func TestPass_ReorgCancels(t *testing.T) {
	env := newBTCEnv(t)
	addr := env.claim(t)
	txid := env.node.Receive(addr, dec("1"))
	env.node.Mine(1)
	env.pass(t)

	env.node.Drop(txid)
	env.node.Mine(10)
	if res := env.pass(t); res.Cancelled != 1 {
		t.Fatalf("Pass() = %+v, want 1 cancelled", res)
	}
	if d := depositOf(t, env.ledger, types.BTC, addr, txid); d.Status != types.DepositCancelled {
		t.Fatalf("status = %s, want CANCELLED", d.Status)
	}
	if got := balance(t, env.ledger, types.BTC, addr); !got.IsZero() {
		t.Fatalf("cancelled deposit credited: %s", got)
	}
}

func TestPass_NodeErrorKeepsPending(t *testing.T) {
	env := newBTCEnv(t)
	addr := env.claim(t)
	txid := env.node.Receive(addr, dec("1"))
	env.node.Mine(1)
	env.pass(t)
	env.node.Mine(6)

	env.node.Errors["gettransaction"] = errors.New("connection refused")
	if _, err := env.monitor.Pass(context.Background()); err == nil {
		t.Fatal("Pass() with a failing node should report an error")
	}
	if d := depositOf(t, env.ledger, types.BTC, addr, txid); d.Status != types.DepositPending {
		t.Fatalf("status = %s, want PENDING", d.Status)
	}

	env.node.OmitConfirmations[txid] = true
	delete(env.node.Errors, "gettransaction")
	d := depositOf(t, env.ledger, types.BTC, addr, txid)
	if st, err := env.monitor.ReconcileStatus(context.Background(), d); err == nil || st != types.DepositPending {
		t.Fatalf("ReconcileStatus() = %s, %v; want PENDING and an error", st, err)
	}
}

func TestScan_RejectsUnconfirmed(t *testing.T) {
	env := newBTCEnv(t)
	for _, conf := range []int64{0, -1} {
		if _, err := env.monitor.Scan(context.Background(), conf); !errors.Is(err, ErrConfirmations) {
			t.Errorf("Scan(%d) error = %v, want ErrConfirmations", conf, err)
		}
	}
}

func TestScan_Filters(t *testing.T) {
	env := newBTCEnv(t)
	ctx := context.Background()
	ours := env.claim(t)

	other, err := address.New(env.ledger, address.Config{Currency: types.BTC, MasterKey: "hot", Instance: "node2", Node: env.node})
	if err != nil {
		t.Fatalf("address.New() error: %v", err)
	}
	foreign, err := other.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}

	deposit := env.node.Receive(ours, dec("0.1"))
	change := env.node.Receive(ours, dec("0.2"))
	env.node.Receive(foreign.Address, dec("0.3"))
	if err := env.ledger.PutChangeLog(&ledger.ChangeLog{
		TxID: change, Currency: types.BTC, Address: ours, Withdrawal: uuid.New(),
	}); err != nil {
		t.Fatalf("PutChangeLog() error: %v", err)
	}
	env.node.Mine(1)

	obs, err := env.monitor.Scan(ctx, 1)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(obs) != 1 || obs[0].TxID != deposit || !obs[0].Amount.Equal(dec("0.1")) {
		t.Fatalf("Scan() = %+v, want only the customer deposit", obs)
	}
}

func TestScan_IndependentWatermarks(t *testing.T) {
	env := newBTCEnv(t)
	ctx := context.Background()
	addr := env.claim(t)
	txid := env.node.Receive(addr, dec("0.4"))
	env.node.Mine(1)

	scan := func(conf int64) []Observation {
		t.Helper()
		obs, err := env.monitor.Scan(ctx, conf)
		if err != nil {
			t.Fatalf("Scan(%d) error: %v", conf, err)
		}
		return obs
	}

	if obs := scan(1); len(obs) != 1 || obs[0].TxID != txid {
		t.Fatalf("Scan(1) = %+v", obs)
	}
	if obs := scan(6); len(obs) != 0 {
		t.Fatalf("Scan(6) at depth 1 = %+v", obs)
	}

	env.node.Mine(5)
	if obs := scan(6); len(obs) != 1 || obs[0].Confirmations != 6 {
		t.Fatalf("Scan(6) at depth 6 = %+v", obs)
	}
	if obs := scan(1); len(obs) != 0 {
		t.Fatalf("Scan(1) reported an already scanned block: %+v", obs)
	}

	wm, ok, err := env.ledger.Watermark(types.BTC, "node1", 6)
	if err != nil || !ok {
		t.Fatalf("Watermark() = %v, %v", ok, err)
	}
	if want := env.node.Height() - 5; wm.Height != want || wm.BlockHash != chaintest.BlockHash(want) {
		t.Errorf("watermark = %d/%s, want %d", wm.Height, wm.BlockHash, want)
	}
}

func TestAggregate(t *testing.T) {
	got := aggregate([]Observation{
		{Address: "a", TxID: "t1", Amount: dec("0.1"), Confirmations: 3},
		{Address: "a", TxID: "t1", Amount: dec("0.2"), Confirmations: 2},
		{Address: "b", TxID: "t1", Amount: dec("0.5"), Confirmations: 3},
		{Address: "a", TxID: "t2", Amount: dec("1"), Confirmations: 1},
	})
	if len(got) != 3 {
		t.Fatalf("aggregate() returned %d rows, want 3", len(got))
	}
	if !got[0].Amount.Equal(dec("0.3")) || got[0].Confirmations != 2 {
		t.Errorf("aggregate() first row = %+v, want 0.3 at depth 2", got[0])
	}
}

type ethEnv struct {
	ledger  *ledger.Ledger
	node    *chaintest.ETHNode
	wallet  *chaintest.Wallet
	monitor *Monitor
}

func newETHEnv(t *testing.T, maxBlocks uint64) *ethEnv {
	t.Helper()
	l := ledger.New(storage.NewMemory())
	w := chaintest.NewWallet(t, l, types.ETH, "hot")
	node := chaintest.NewETHNode(1337, 10)
	m, err := NewEthereum(l, node, Config{Instance: "geth", MaxBlocks: maxBlocks})
	if err != nil {
		t.Fatalf("NewEthereum() error: %v", err)
	}
	return &ethEnv{ledger: l, node: node, wallet: w, monitor: m}
}

// issue stores the address at index as if it were issued when block was
// mined.
func (e *ethEnv) issue(t *testing.T, index uint32, block int64) string {
	t.Helper()
	addr := e.wallet.Address(t, index)
	err := e.ledger.InsertAddress(&ledger.Address{
		Address:   addr,
		Currency:  types.ETH,
		MasterKey: "hot",
		Path:      e.wallet.Record.Path,
		Index:     index,
		Populated: true,
		CreatedAt: time.Unix(chaintest.GenesisTime+12*block, 0),
	})
	if err != nil {
		t.Fatalf("InsertAddress() error: %v", err)
	}
	return addr
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestPass_EthereumLifecycle(t *testing.T) {
	env := newETHEnv(t, 0)
	ctx := context.Background()
	addr := env.issue(t, 0, 5)
	hash := env.node.Receive(addr, ether(2))
	env.node.Mine(1)

	res, err := env.monitor.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error: %v", err)
	}
	if res.Observed != 1 {
		t.Fatalf("Pass() = %+v, want 1 observed", res)
	}
	d := depositOf(t, env.ledger, types.ETH, addr, hash)
	if !d.Amount.Equal(dec("2")) || d.Status != types.DepositPending {
		t.Fatalf("deposit = %s %s, want 2 PENDING", d.Amount, d.Status)
	}
	wm, ok, _ := env.ledger.Watermark(types.ETH, "geth", 1)
	if !ok || wm.Height != 11 {
		t.Fatalf("watermark = %+v, want height 11", wm)
	}

	env.node.Mine(11)
	if res, err = env.monitor.Pass(ctx); err != nil || res.Completed != 1 {
		t.Fatalf("Pass() = %+v, %v; want 1 completed", res, err)
	}
	if got := balance(t, env.ledger, types.ETH, addr); !got.Equal(dec("2")) {
		t.Fatalf("balance = %s, want 2", got)
	}
}

func TestPass_EthereumRevertedCancels(t *testing.T) {
	env := newETHEnv(t, 0)
	ctx := context.Background()
	addr := env.issue(t, 0, 0)
	hash := env.node.Receive(addr, ether(1))
	env.node.Mine(1)
	if _, err := env.monitor.Pass(ctx); err != nil {
		t.Fatalf("Pass() error: %v", err)
	}

	env.node.Revert(hash)
	res, err := env.monitor.Pass(ctx)
	if err != nil || res.Cancelled != 1 {
		t.Fatalf("Pass() = %+v, %v; want 1 cancelled", res, err)
	}
	if got := balance(t, env.ledger, types.ETH, addr); !got.IsZero() {
		t.Fatalf("reverted deposit credited: %s", got)
	}
}

func TestScan_EthereumBounded(t *testing.T) {
	env := newETHEnv(t, 3)
	ctx := context.Background()
	addr := env.issue(t, 0, 0)
	env.node.Mine(1)
	env.node.Receive(addr, ether(1))
	env.node.Mine(1) // block 12

	var heights []int64
	for i := 0; i < 5; i++ {
		if _, err := env.monitor.Scan(ctx, 1); err != nil {
			t.Fatalf("Scan() error: %v", err)
		}
		wm, _, _ := env.ledger.Watermark(types.ETH, "geth", 1)
		heights = append(heights, wm.Height)
	}
	want := []int64{2, 5, 8, 11, 12}
	for i := range want {
		if heights[i] != want[i] {
			t.Fatalf("watermark heights = %v, want %v", heights, want)
		}
	}

	obs, err := env.monitor.Scan(ctx, 1)
	if err != nil || len(obs) != 0 {
		t.Fatalf("Scan() past the tip = %+v, %v", obs, err)
	}
}

func TestScan_EthereumStartsAtEarliestAddress(t *testing.T) {
	env := newETHEnv(t, 0)
	ctx := context.Background()
	env.issue(t, 0, 8)
	env.issue(t, 1, 4)

	obs, err := env.monitor.Scan(ctx, 1)
	if err != nil || len(obs) != 0 {
		t.Fatalf("Scan() = %+v, %v", obs, err)
	}
	wm, ok, _ := env.ledger.Watermark(types.ETH, "geth", 1)
	if !ok || wm.Height != 10 {
		t.Fatalf("watermark = %+v, want height 10", wm)
	}

	// Nothing issued: nothing to scan.
	empty := newETHEnv(t, 0)
	if _, err := empty.monitor.Scan(ctx, 1); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if _, ok, _ := empty.ledger.Watermark(types.ETH, "geth", 1); ok {
		t.Error("watermark stored with no issued addresses")
	}
}

func TestPass_EthereumReorgRewindsWatermark(t *testing.T) {
	env := newETHEnv(t, 0)
	ctx := context.Background()
	addr := env.issue(t, 0, 0)
	first := env.node.Receive(addr, ether(1))
	env.node.Mine(1) // block 11
	if res, err := env.monitor.Pass(ctx); err != nil || res.Observed != 1 {
		t.Fatalf("Pass() = %+v, %v; want 1 observed", res, err)
	}
	env.node.Mine(2)
	if _, err := env.monitor.Pass(ctx); err != nil {
		t.Fatalf("Pass() error: %v", err)
	}
	wm, _, _ := env.ledger.Watermark(types.ETH, "geth", 1)
	if wm.Height != 13 {
		t.Fatalf("watermark height = %d, want 13", wm.Height)
	}

	// Blocks 11..13 are replaced at the same heights; the new block 11
	// carries a different transfer.
	second := env.node.Receive(addr, ether(3))
	env.node.Reorg(3)
	res, err := env.monitor.Pass(ctx)
	if err != nil {
		t.Fatalf("Pass() error: %v", err)
	}
	if res.Observed != 1 || res.Cancelled != 1 {
		t.Fatalf("Pass() = %+v, want 1 observed and 1 cancelled", res)
	}
	if d := depositOf(t, env.ledger, types.ETH, addr, second); !d.Amount.Equal(dec("3")) || d.Status != types.DepositPending {
		t.Errorf("replacement deposit = %s %s, want 3 PENDING", d.Amount, d.Status)
	}
	if d := depositOf(t, env.ledger, types.ETH, addr, first); d.Status != types.DepositCancelled {
		t.Errorf("orphaned deposit = %s, want CANCELLED", d.Status)
	}
	header, err := env.node.HeaderByNumber(ctx, big.NewInt(13))
	if err != nil {
		t.Fatal(err)
	}
	wm, _, _ = env.ledger.Watermark(types.ETH, "geth", 1)
	if wm.Height != 13 || wm.BlockHash != header.Hash().Hex() {
		t.Errorf("watermark = %s at %d, want the new block 13", wm.BlockHash, wm.Height)
	}
}

func TestScan_EthereumHeaderError(t *testing.T) {
	env := newETHEnv(t, 0)
	ctx := context.Background()
	env.issue(t, 0, 0)
	if _, err := env.monitor.Scan(ctx, 1); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	boom := errors.New("connection refused")
	env.node.Errors["HeaderByNumber"] = boom
	if _, err := env.monitor.Scan(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("Scan() error = %v, want %v", err, boom)
	}
}
