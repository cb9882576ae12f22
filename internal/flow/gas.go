package flow

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/web3"
)

// gasBufferPercent 是在节点原始估算之上无条件附加的安全余量。
const gasBufferPercent = 20

// defaultGasLimits 是估算失败时按请求类型回退的静态表。
var defaultGasLimits = map[RequestType]uint64{
	TypeTransfer:      21_000,
	TypeApprove:       50_000,
	TypeSwap:          300_000,
	TypeLendingSupply: 250_000,
	TypeStake:         200_000,
	TypeBatch:         500_000,
}

// FeeSuggestion 汇总一次费用估算的结果。
// EIP-1559 网络填 MaxFeePerGas/MaxPriorityFeePerGas，否则填 GasPrice。
type FeeSuggestion struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	TxType               uint8
}

// GasEstimator 负责 gas 上限与费用字段的估算。
// 优先询问节点，失败时回退静态默认值；费用侧优先 EIP-1559。
type GasEstimator struct {
	client web3.NetworkClient
}

// NewGasEstimator 创建 GasEstimator。
func NewGasEstimator(client web3.NetworkClient) *GasEstimator {
	return &GasEstimator{client: client}
}

// bufferedLimit 在原始估算上附加固定比例的余量，向上取整，
// 保证结果不低于 raw * (100+gasBufferPercent) / 100。
func bufferedLimit(raw uint64) uint64 {
	return (raw*(100+gasBufferPercent) + 99) / 100
}

// EstimateLimit 估算 gas 上限。成功时结果至少为节点估算的 1.2 倍，
// 节点估算失败时返回静态默认值；两者都不可用时返回 GAS_ESTIMATION_FAILED。
func (g *GasEstimator) EstimateLimit(ctx context.Context, reqType RequestType, msg gethcore.CallMsg) (uint64, error) {
	if g.client != nil {
		raw, err := g.client.EstimateGas(ctx, msg)
		if err == nil && raw > 0 {
			return bufferedLimit(raw), nil
		}
	}
	if fallback, ok := defaultGasLimits[reqType]; ok {
		return fallback, nil
	}
	return 0, xerrors.New(CodeGasEstimationFailed, "节点估算失败且类型 "+string(reqType)+" 无静态默认值")
}

// SuggestFees 估算费用字段。网络支持 EIP-1559 时返回
// maxFeePerGas = 2*baseFee + tip，否则回退到传统 gasPrice。
func (g *GasEstimator) SuggestFees(ctx context.Context) (FeeSuggestion, error) {
	if g.client == nil {
		return FeeSuggestion{}, xerrors.New(xerrors.CodeInitializationFailure, "gas 估算器未配置网络客户端")
	}

	header, headerErr := g.client.HeaderByNumber(ctx, nil)
	if headerErr == nil && header != nil && header.BaseFee != nil {
		tip, tipErr := g.client.SuggestGasTipCap(ctx)
		if tipErr == nil && tip != nil {
			maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
			maxFee.Add(maxFee, tip)
			return FeeSuggestion{
				MaxFeePerGas:         maxFee,
				MaxPriorityFeePerGas: tip,
				TxType:               2,
			}, nil
		}
	}

	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return FeeSuggestion{}, xerrors.Wrap(CodeGasEstimationFailed, err, "费用估算失败")
	}
	return FeeSuggestion{GasPrice: price, TxType: 0}, nil
}
