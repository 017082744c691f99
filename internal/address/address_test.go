package address

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olegvg/cryptoms/internal/chain/chaintest"
	"github.com/olegvg/cryptoms/internal/ledger"
	"github.com/olegvg/cryptoms/internal/storage"
	"github.com/olegvg/cryptoms/pkg/types"
)

type btcEnv struct {
	ledger *ledger.Ledger
	node   *chaintest.BTCNode
	wallet *chaintest.Wallet
	svc    *Service
}

func newBTCEnv(t *testing.T) *btcEnv {
	t.Helper()
	l := ledger.New(storage.NewMemory())
	w := chaintest.NewWallet(t, l, types.BTC, "hot")
	node := chaintest.NewBTCNode(&chaincfg.TestNet3Params)
	svc, err := New(l, Config{Currency: types.BTC, MasterKey: "hot", Instance: "node1", Node: node, Verifier: w.Vault})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return &btcEnv{ledger: l, node: node, wallet: w, svc: svc}
}

func TestNew_Errors(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	if _, err := New(l, Config{Currency: types.BTC, MasterKey: "hot"}); err == nil {
		t.Error("New() without a node should fail for BTC")
	}
	if _, err := New(l, Config{Currency: types.ETH, MasterKey: "missing"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("New() with unknown key error = %v, want ErrNotFound", err)
	}
}

func TestClaimNext_Sequential(t *testing.T) {
	env := newBTCEnv(t)
	ctx := context.Background()
	for i := uint32(0); i < 5; i++ {
		a, err := env.svc.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext() error: %v", err)
		}
		if a.Index != i {
			t.Fatalf("ClaimNext() index = %d, want %d", a.Index, i)
		}
		if want := env.wallet.Address(t, i); a.Address != want {
			t.Errorf("ClaimNext() address = %s, want %s", a.Address, want)
		}
		if !a.Populated || !env.node.Watched(a.Address) {
			t.Errorf("address %s not populated", a.Address)
		}
		if a.Instance != "node1" {
			t.Errorf("instance = %q, want node1", a.Instance)
		}
	}
	if got := env.node.Imported[0].Label; got != "hot" {
		t.Errorf("import label = %q, want hot", got)
	}
}

func TestClaimNext_ConcurrentServices(t *testing.T) {
	env := newBTCEnv(t)
	other, err := New(env.ledger, Config{Currency: types.BTC, MasterKey: "hot", Instance: "node1", Node: env.node})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	const perService = 5
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint32
	)
	for _, svc := range []*Service{env.svc, other} {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			for i := 0; i < perService; i++ {
				a, err := svc.ClaimNext(context.Background())
				if err != nil {
					t.Errorf("ClaimNext() error: %v", err)
					return
				}
				mu.Lock()
				got = append(got, a.Index)
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2*perService {
		t.Fatalf("claimed %d addresses, want %d", len(got), 2*perService)
	}
	for i, idx := range got {
		if idx != uint32(i) {
			t.Fatalf("indices = %v, want contiguous from 0", got)
		}
	}
}

func TestClaimNext_ImportFailureIsRetried(t *testing.T) {
	env := newBTCEnv(t)
	ctx := context.Background()
	first := env.wallet.Address(t, 0)
	env.node.ImportFailures[first] = true

	a, err := env.svc.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if a.Populated {
		t.Fatal("address populated although the import failed")
	}
	stored, _ := env.ledger.Address(types.BTC, first)
	if stored.Populated {
		t.Fatal("stored address populated although the import failed")
	}

	left, err := env.svc.PopulatePending(ctx)
	if err == nil || left != 1 {
		t.Fatalf("PopulatePending() = %d, %v; want 1 and an error", left, err)
	}

	delete(env.node.ImportFailures, first)
	left, err = env.svc.PopulatePending(ctx)
	if err != nil || left != 0 {
		t.Fatalf("PopulatePending() = %d, %v; want 0, nil", left, err)
	}
	if !env.node.Watched(first) {
		t.Error("address not watched after retry")
	}
}

func TestClaimNext_NodeDown(t *testing.T) {
	env := newBTCEnv(t)
	env.node.Errors["importmulti"] = fmt.Errorf("connection refused")
	a, err := env.svc.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if a.Populated {
		t.Error("address populated while the node is down")
	}
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(name, path string, index uint32, addr string) error {
	return fmt.Errorf("%w: forced", ErrIntegrity)
}

func TestClaimNext_IntegrityFailureStoresNothing(t *testing.T) {
	env := newBTCEnv(t)
	svc, err := New(env.ledger, Config{Currency: types.BTC, MasterKey: "hot", Node: env.node, Verifier: rejectingVerifier{}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := svc.ClaimNext(context.Background()); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("ClaimNext() error = %v, want ErrIntegrity", err)
	}
	all, _ := env.ledger.Addresses(types.BTC, ledger.AddressFilter{})
	if len(all) != 0 {
		t.Fatalf("stored %d addresses, want 0", len(all))
	}
}

func TestCheckIntegrity(t *testing.T) {
	env := newBTCEnv(t)
	a, err := env.svc.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if err := env.svc.CheckIntegrity(a); err != nil {
		t.Fatalf("CheckIntegrity() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(a *ledger.Address)
	}{
		{"index", func(a *ledger.Address) { a.Index++ }},
		{"address", func(a *ledger.Address) { a.Address = env.wallet.Address(t, 9) }},
		{"path", func(a *ledger.Address) { a.Path = "44'/1'/0'/0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := *a
			tt.mutate(&cp)
			if err := env.svc.CheckIntegrity(&cp); !errors.Is(err, ErrIntegrity) {
				t.Fatalf("CheckIntegrity() error = %v, want ErrIntegrity", err)
			}
		})
	}
}

func TestCreateBatch(t *testing.T) {
	env := newBTCEnv(t)
	ctx := context.Background()

	batch, err := env.svc.CreateBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
	if len(batch) != 3 || batch[2].Index != 12 {
		t.Fatalf("CreateBatch() = %d addresses, last index %d", len(batch), batch[len(batch)-1].Index)
	}
	for _, a := range batch {
		if a.Populated || env.node.Watched(a.Address) {
			t.Errorf("batch address %s imported", a.Address)
		}
	}
	if _, err := env.svc.CreateBatch(ctx, 12, 2); !errors.Is(err, ledger.ErrAddressExists) {
		t.Fatalf("CreateBatch(overlap) error = %v, want ErrAddressExists", err)
	}

	next, err := env.svc.ClaimNext(ctx)
	if err != nil || next.Index != 13 {
		t.Fatalf("ClaimNext() after batch = %v, %v; want index 13", next, err)
	}
	if left, err := env.svc.PopulatePending(ctx); err != nil || left != 0 {
		t.Fatalf("PopulatePending() = %d, %v", left, err)
	}
}

func TestClaimNext_Ethereum(t *testing.T) {
	l := ledger.New(storage.NewMemory())
	w := chaintest.NewWallet(t, l, types.ETH, "eth-hot")
	svc, err := New(l, Config{Currency: types.ETH, MasterKey: "eth-hot", Verifier: w.Vault})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	a, err := svc.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if a.Address != "0x9858effd232b4033e47d90003d41ec34ecaeda94" {
		t.Errorf("address = %s", a.Address)
	}
	if !a.Populated || a.Instance != "" {
		t.Errorf("eth address populated=%v instance=%q", a.Populated, a.Instance)
	}
	if left, err := svc.PopulatePending(context.Background()); err != nil || left != 0 {
		t.Fatalf("PopulatePending() = %d, %v", left, err)
	}
}
