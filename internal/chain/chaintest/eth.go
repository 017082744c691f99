package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/olegvg/cryptoms/internal/chain/eth"
)

// ETHNode is a fake Ethereum node. Block n has timestamp GenesisTime+12n;
// pending transactions are mined into the next block.
type ETHNode struct {
	mu       sync.Mutex
	chainID  *big.Int
	blocks   []*types.Block
	pending  []*types.Transaction
	mined    map[common.Hash]uint64
	reverted map[common.Hash]bool
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	forks    int

	GasPrice *big.Int
	// Errors injects a failure per method name.
	Errors map[string]error
	// SendLimit, when positive, makes SendTransaction fail after that many
	// successful sends.
	SendLimit int
	Sent      []*types.Transaction
}

// GenesisTime is the timestamp of block 0.
const GenesisTime = 1_600_000_000

// NewETHNode returns a fake node with blocks 0..height.
func NewETHNode(chainID int64, height uint64) *ETHNode {
	n := &ETHNode{
		chainID:  big.NewInt(chainID),
		mined:    make(map[common.Hash]uint64),
		reverted: make(map[common.Hash]bool),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		GasPrice: big.NewInt(20_000_000_000),
		Errors:   make(map[string]error),
	}
	for i := uint64(0); i <= height; i++ {
		n.appendBlock(nil)
	}
	return n
}

func (n *ETHNode) appendBlock(txs []*types.Transaction) {
	num := uint64(len(n.blocks))
	header := &types.Header{
		Number: new(big.Int).SetUint64(num),
		Time:   GenesisTime + 12*num,
	}
	if num > 0 {
		header.ParentHash = n.blocks[num-1].Hash()
	}
	if n.forks > 0 {
		header.Extra = []byte(fmt.Sprintf("fork-%d", n.forks))
	}
	b := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
	n.blocks = append(n.blocks, b)
	for _, tx := range txs {
		n.mined[tx.Hash()] = num
	}
}

func (n *ETHNode) fail(method string) error {
	return n.Errors[method]
}

// Fund sets the balance of address.
func (n *ETHNode) Fund(address string, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[common.HexToAddress(address)] = new(big.Int).Set(wei)
}

// Balance returns the balance of address.
func (n *ETHNode) Balance(address string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balanceOf(common.HexToAddress(address))
}

func (n *ETHNode) balanceOf(a common.Address) *big.Int {
	if b, ok := n.balances[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Receive adds a pending value transfer to address from an outside
// account and returns its hash.
func (n *ETHNode) Receive(address string, wei *big.Int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	to := common.HexToAddress(address)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    uint64(len(n.blocks)*1000 + len(n.pending)),
		To:       &to,
		Value:    new(big.Int).Set(wei),
		Gas:      eth.TransferGas,
		GasPrice: new(big.Int).Set(n.GasPrice),
	})
	n.pending = append(n.pending, tx)
	n.balances[to] = new(big.Int).Add(n.balanceOf(to), wei)
	return tx.Hash().Hex()
}

// Mine mines count blocks; pending transactions go into the first one.
func (n *ETHNode) Mine(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		n.appendBlock(n.pending)
		n.pending = nil
	}
}

// Reorg replaces the top depth blocks with as many new ones. Transactions
// of the replaced blocks are dropped; pending ones go into the first new
// block.
func (n *ETHNode) Reorg(depth int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	keep := len(n.blocks) - depth
	for _, b := range n.blocks[keep:] {
		for _, tx := range b.Transactions() {
			delete(n.mined, tx.Hash())
		}
	}
	n.blocks = n.blocks[:keep]
	n.forks++
	for i := 0; i < depth; i++ {
		n.appendBlock(n.pending)
		n.pending = nil
	}
}

// Revert marks a transaction as failed on chain.
func (n *ETHNode) Revert(hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reverted[common.HexToHash(hash)] = true
}

// ChainID implements eth.Node.
func (n *ETHNode) ChainID(context.Context) (*big.Int, error) {
	if err := n.fail("ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(n.chainID), nil
}

// BlockNumber implements eth.Node.
func (n *ETHNode) BlockNumber(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("BlockNumber"); err != nil {
		return 0, err
	}
	return uint64(len(n.blocks) - 1), nil
}

func (n *ETHNode) block(number *big.Int) (*types.Block, error) {
	if number == nil {
		return n.blocks[len(n.blocks)-1], nil
	}
	if !number.IsUint64() || number.Uint64() >= uint64(len(n.blocks)) {
		return nil, ethereum.NotFound
	}
	return n.blocks[number.Uint64()], nil
}

// HeaderByNumber implements eth.Node.
func (n *ETHNode) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("HeaderByNumber"); err != nil {
		return nil, err
	}
	b, err := n.block(number)
	if err != nil {
		return nil, err
	}
	return b.Header(), nil
}

// BlockByNumber implements eth.Node.
func (n *ETHNode) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("BlockByNumber"); err != nil {
		return nil, err
	}
	return n.block(number)
}

// BalanceAt implements eth.Node. Only the latest state is kept.
func (n *ETHNode) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("BalanceAt"); err != nil {
		return nil, err
	}
	return n.balanceOf(account), nil
}

// PendingNonceAt implements eth.Node.
func (n *ETHNode) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("PendingNonceAt"); err != nil {
		return 0, err
	}
	return n.nonces[account], nil
}

// SuggestGasPrice implements eth.Node.
func (n *ETHNode) SuggestGasPrice(context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("SuggestGasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(n.GasPrice), nil
}

// SendTransaction implements eth.Node. The sender must be able to pay
// value plus gas.
func (n *ETHNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("SendTransaction"); err != nil {
		return err
	}
	if n.SendLimit > 0 && len(n.Sent) >= n.SendLimit {
		return fmt.Errorf("send limit reached")
	}
	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != n.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), n.nonces[from])
	}
	cost := new(big.Int).Add(tx.Value(), new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas())))
	bal := n.balanceOf(from)
	if bal.Cmp(cost) < 0 {
		return fmt.Errorf("insufficient funds for gas * price + value")
	}
	n.balances[from] = bal.Sub(bal, cost)
	to := *tx.To()
	n.balances[to] = new(big.Int).Add(n.balanceOf(to), tx.Value())
	n.nonces[from]++
	n.pending = append(n.pending, tx)
	n.Sent = append(n.Sent, tx)
	return nil
}

// TransactionByHash implements eth.Node.
func (n *ETHNode) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("TransactionByHash"); err != nil {
		return nil, false, err
	}
	for _, tx := range n.pending {
		if tx.Hash() == hash {
			return tx, true, nil
		}
	}
	if num, ok := n.mined[hash]; ok {
		for _, tx := range n.blocks[num].Transactions() {
			if tx.Hash() == hash {
				return tx, false, nil
			}
		}
	}
	return nil, false, ethereum.NotFound
}

// TransactionReceipt implements eth.Node.
func (n *ETHNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail("TransactionReceipt"); err != nil {
		return nil, err
	}
	num, ok := n.mined[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	var gasPrice *big.Int
	for _, tx := range n.blocks[num].Transactions() {
		if tx.Hash() == hash {
			gasPrice = tx.GasPrice()
		}
	}
	status := types.ReceiptStatusSuccessful
	if n.reverted[hash] {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:            status,
		TxHash:            hash,
		GasUsed:           eth.TransferGas,
		EffectiveGasPrice: gasPrice,
		BlockNumber:       new(big.Int).SetUint64(num),
	}, nil
}

var _ eth.Node = (*ETHNode)(nil)
