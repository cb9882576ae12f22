package flow

import (
	"context"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"TxFlow-Chain/internal/web3"
)

// fakeClient 是 web3.NetworkClient 的可编程替身。
type fakeClient struct {
	mu sync.Mutex

	chainID      *big.Int
	pendingNonce uint64
	estimateGas  uint64
	estimateErr  error
	gasPrice     *big.Int
	gasPriceErr  error
	tip          *big.Int
	tipErr       error
	header       *coretypes.Header
	headerErr    error
	sendHash     common.Hash
	sendErr      error
	sendCalls    int
	receipt      *coretypes.Receipt
	receiptErr   error
	pendingPolls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chainID:      big.NewInt(1329),
		pendingNonce: 7,
		estimateGas:  21000,
		gasPrice:     big.NewInt(1_000_000_000),
		headerErr:    gethcore.NotFound,
		sendHash:     common.HexToHash("0xabc123"),
		receipt: &coretypes.Receipt{
			Status:      coretypes.ReceiptStatusSuccessful,
			TxHash:      common.HexToHash("0xabc123"),
			BlockNumber: big.NewInt(42),
			GasUsed:     21000,
		},
	}
}

func (c *fakeClient) ChainID(context.Context) (*big.Int, error) {
	return c.chainID, nil
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonce, nil
}

func (c *fakeClient) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return c.estimateGas, c.estimateErr
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return c.gasPrice, c.gasPriceErr
}

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return c.tip, c.tipErr
}

func (c *fakeClient) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return c.header, c.headerErr
}

func (c *fakeClient) SendRawTransaction(context.Context, []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	return c.sendHash, nil
}

func (c *fakeClient) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPolls > 0 {
		c.pendingPolls--
		return nil, gethcore.NotFound
	}
	if c.receiptErr != nil {
		return nil, c.receiptErr
	}
	return c.receipt, nil
}

func (c *fakeClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: c.chainID.String()}, nil
}

func (c *fakeClient) Close() {}

func (c *fakeClient) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

var _ web3.NetworkClient = (*fakeClient)(nil)

// fakeWallet 是可控的 flow.Wallet 替身，对所有输入返回固定签名产物。
type fakeWallet struct {
	mu          sync.Mutex
	address     common.Address
	chainID     uint64
	connected   bool
	signErr     error
	signCalls   int
	signStarted chan struct{}
	signGate    chan struct{}
}

func newFakeWallet(chainID uint64) *fakeWallet {
	return &fakeWallet{
		address:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		chainID:   chainID,
		connected: true,
	}
}

func (w *fakeWallet) Connect(context.Context) error {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWallet) Disconnect(context.Context) error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return nil
}

func (w *fakeWallet) Address(context.Context) (common.Address, error) {
	return w.address, nil
}

func (w *fakeWallet) ChainID(context.Context) (uint64, error) {
	return w.chainID, nil
}

func (w *fakeWallet) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// blockSigning 让下一次签名在 started 就绪后阻塞到 gate 关闭，
// 用于在签名窗口内并发驱动其他操作。
func (w *fakeWallet) blockSigning(started, gate chan struct{}) {
	w.mu.Lock()
	w.signStarted = started
	w.signGate = gate
	w.mu.Unlock()
}

func (w *fakeWallet) SignTransaction(_ context.Context, prepared *PreparedTransaction) (*SignedTransaction, error) {
	w.mu.Lock()
	started, gate := w.signStarted, w.signGate
	w.signStarted, w.signGate = nil, nil
	w.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.signCalls++
	if w.signErr != nil {
		return nil, w.signErr
	}
	return &SignedTransaction{
		Raw:   []byte{0x02, 0x01},
		Hash:  common.HexToHash("0xabc123"),
		From:  prepared.From,
		Nonce: prepared.Nonce,
	}, nil
}

func (w *fakeWallet) SendTransaction(context.Context, *SignedTransaction) (common.Hash, error) {
	return common.HexToHash("0xabc123"), nil
}

var _ Wallet = (*fakeWallet)(nil)
