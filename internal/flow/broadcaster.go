package flow

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/web3"
)

// BroadcasterConfig 控制提交与回执轮询的节奏。
type BroadcasterConfig struct {
	// PollInterval 是回执轮询间隔。
	PollInterval time.Duration
	// ReceiptTimeout 是等待回执的上限，超出后返回 RECEIPT_FAILED。
	ReceiptTimeout time.Duration
}

func (c *BroadcasterConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
}

// Broadcaster 负责把签名交易提交到网络并等待回执。
// 所有底层网络错误在此边界被包装为类型化错误，不向外泄漏。
type Broadcaster struct {
	client web3.NetworkClient
	cfg    BroadcasterConfig
}

// NewBroadcaster 创建 Broadcaster。
func NewBroadcaster(client web3.NetworkClient, cfg BroadcasterConfig) *Broadcaster {
	cfg.applyDefaults()
	return &Broadcaster{client: client, cfg: cfg}
}

// Broadcast 提交签名交易，返回交易哈希。
// 节点拒绝时区分 nonce 过期（可安全重算重试）与一般广播失败。
func (b *Broadcaster) Broadcast(ctx context.Context, signed *SignedTransaction) (common.Hash, error) {
	if signed == nil || len(signed.Raw) == 0 {
		return common.Hash{}, xerrors.New(CodeNoSignedTx, "没有可广播的签名交易")
	}
	if b.client == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "广播器未配置网络客户端")
	}
	hash, err := b.client.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		if isNonceTooLow(err) {
			return common.Hash{}, xerrors.Wrap(CodeNonceTooLow, err, "nonce 已过期")
		}
		return common.Hash{}, xerrors.Wrap(CodeBroadcastFailed, err, "节点拒绝交易提交")
	}
	return hash, nil
}

// WaitForReceipt 轮询直到交易被打包或超时。
func (b *Broadcaster) WaitForReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	if b.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "广播器未配置网络客户端")
	}

	deadline := time.NewTimer(b.cfg.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			result := &Receipt{
				TxHash:            txHash,
				GasUsed:           receipt.GasUsed,
				EffectiveGasPrice: receipt.EffectiveGasPrice,
				Success:           receipt.Status == 1,
				Logs:              receipt.Logs,
				BlockHash:         receipt.BlockHash,
			}
			if receipt.BlockNumber != nil {
				result.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.ContractAddress != (common.Address{}) {
				addr := receipt.ContractAddress
				result.ContractAddress = &addr
			}
			return result, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(CodeReceiptFailed, err, "查询回执失败")
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeReceiptFailed, ctx.Err(), "等待回执被取消")
		case <-deadline.C:
			return nil, xerrors.New(CodeReceiptFailed, "等待回执超时")
		case <-ticker.C:
		}
	}
}

// isNonceTooLow 识别各类客户端对过期 nonce 的报错文案。
func isNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "invalid nonce")
}
