// Package wallet 提供 flow.Wallet 的两种后端实现：
// 进程内持钥的 Local 与走会话协议的 Remote。
package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/flow"
	"TxFlow-Chain/internal/web3"
)

// Local 在进程内持有私钥并完成签名，主要用于自动化场景与测试。
// 广播委托给节点客户端。
type Local struct {
	mu        sync.Mutex
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   uint64
	client    web3.NetworkClient
	connected bool
}

// NewLocal 从十六进制私钥创建本地钱包。client 可以为 nil，
// 此时 SendTransaction 不可用。
func NewLocal(hexKey string, chainID uint64, client web3.NetworkClient) (*Local, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		client:  client,
	}, nil
}

// Connect 标记钱包可用。配置了节点客户端时顺带校验链 ID 一致。
func (w *Local) Connect(ctx context.Context) error {
	if w.client != nil {
		nodeChainID, err := w.client.ChainID(ctx)
		if err != nil {
			return xerrors.Wrap(flow.CodeNotConnected, err, "查询节点链 ID 失败")
		}
		if nodeChainID.Uint64() != w.chainID {
			return xerrors.New(flow.CodeNotConnected, "节点所在链与钱包配置不一致")
		}
	}
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

// Disconnect 标记钱包不可用。
func (w *Local) Disconnect(_ context.Context) error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return nil
}

// Address 返回签名地址。
func (w *Local) Address(_ context.Context) (common.Address, error) {
	return w.address, nil
}

// ChainID 返回钱包绑定的链。
func (w *Local) ChainID(_ context.Context) (uint64, error) {
	return w.chainID, nil
}

// IsConnected 报告钱包是否可用。
func (w *Local) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// SignTransaction 对待签交易做确定性签名。输入不会被修改。
func (w *Local) SignTransaction(_ context.Context, prepared *flow.PreparedTransaction) (*flow.SignedTransaction, error) {
	if !w.IsConnected() {
		return nil, xerrors.New(flow.CodeNotConnected, "钱包未连接")
	}
	if prepared == nil {
		return nil, xerrors.New(flow.CodeNoPreparedTx, "没有待签交易")
	}
	if prepared.ChainID != w.chainID {
		return nil, xerrors.New(flow.CodeSigningFailed, "交易目标链与钱包不一致")
	}
	if prepared.From != w.address {
		return nil, xerrors.New(flow.CodeSigningFailed, "交易发起地址与钱包不一致")
	}

	tx := assemble(prepared)
	signer := coretypes.LatestSignerForChainID(new(big.Int).SetUint64(prepared.ChainID))
	signedTx, err := coretypes.SignTx(tx, signer, w.key)
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeSigningFailed, err, "签名失败")
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(flow.CodeSigningFailed, err, "序列化签名交易失败")
	}
	return &flow.SignedTransaction{
		Raw:   raw,
		Hash:  signedTx.Hash(),
		From:  w.address,
		Nonce: prepared.Nonce,
	}, nil
}

// SendTransaction 通过节点客户端广播原始交易。
func (w *Local) SendTransaction(ctx context.Context, signed *flow.SignedTransaction) (common.Hash, error) {
	if !w.IsConnected() {
		return common.Hash{}, xerrors.New(flow.CodeNotConnected, "钱包未连接")
	}
	if w.client == nil {
		return common.Hash{}, xerrors.New(flow.CodeBroadcastFailed, "本地钱包未配置节点客户端")
	}
	if signed == nil {
		return common.Hash{}, xerrors.New(flow.CodeNoSignedTx, "没有签名交易")
	}
	return w.client.SendRawTransaction(ctx, signed.Raw)
}

// assemble 根据费用字段选择交易形态。
func assemble(prepared *flow.PreparedTransaction) *coretypes.Transaction {
	if prepared.TxType == coretypes.DynamicFeeTxType && prepared.MaxFeePerGas != nil {
		return coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(prepared.ChainID),
			Nonce:     prepared.Nonce,
			GasTipCap: prepared.MaxPriorityFeePerGas,
			GasFeeCap: prepared.MaxFeePerGas,
			Gas:       prepared.GasLimit,
			To:        prepared.To,
			Value:     prepared.Value,
			Data:      prepared.Data,
		})
	}
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    prepared.Nonce,
		GasPrice: prepared.GasPrice,
		Gas:      prepared.GasLimit,
		To:       prepared.To,
		Value:    prepared.Value,
		Data:     prepared.Data,
	})
}

var _ flow.Wallet = (*Local)(nil)
