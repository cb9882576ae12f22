package flow

import (
	stdErrors "errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "TxFlow-Chain/internal/errors"
)

// Status 表示交易流程在生命周期中的状态。
type Status string

const (
	StatusPreparing            Status = "preparing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSigning              Status = "signing"
	StatusBroadcasting         Status = "broadcasting"
	StatusConfirming           Status = "confirming"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// IsValidStatus 检查给定的流程状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPreparing, StatusAwaitingConfirmation, StatusSigning,
		StatusBroadcasting, StatusConfirming, StatusCompleted,
		StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。失败状态在可重试时仍然可以通过 Retry 复活。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RequestType 描述交易请求的业务类型。
type RequestType string

const (
	TypeTransfer      RequestType = "transfer"
	TypeApprove       RequestType = "approve"
	TypeSwap          RequestType = "swap"
	TypeLendingSupply RequestType = "lending_supply"
	TypeStake         RequestType = "stake"
	TypeBatch         RequestType = "batch"
)

// RequestMetadata 承载由上层（AI 规划器或 UI）附加的请求元数据。
type RequestMetadata struct {
	UserID               string `json:"user_id,omitempty"`
	Description          string `json:"description,omitempty"`
	RiskLevel            string `json:"risk_level,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Priority             int    `json:"priority,omitempty"`
}

// TransactionRequest 描述一次不可变的交易意图，由外部调用方创建。
type TransactionRequest struct {
	ID        string          `json:"id"`
	Type      RequestType     `json:"type"`
	Protocol  string          `json:"protocol,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	From      common.Address  `json:"from"`
	To        *common.Address `json:"to,omitempty"`
	Value     *big.Int        `json:"value,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	ChainID   uint64          `json:"chain_id"`
	Metadata  RequestMetadata `json:"metadata"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// Expired 判断请求是否已经过期。
func (r *TransactionRequest) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// PreparedTransaction 是 Builder 的产物，附加到流程后不再修改。
// 费用字段二选一：EIP-1559 网络填 MaxFeePerGas/MaxPriorityFeePerGas，
// 传统网络填 GasPrice。
type PreparedTransaction struct {
	ChainID              uint64          `json:"chain_id"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *big.Int        `json:"value,omitempty"`
	Data                 []byte          `json:"data,omitempty"`
	GasLimit             uint64          `json:"gas_limit"`
	GasPrice             *big.Int        `json:"gas_price,omitempty"`
	MaxFeePerGas         *big.Int        `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int        `json:"max_priority_fee_per_gas,omitempty"`
	Nonce                uint64          `json:"nonce"`
	TxType               uint8           `json:"tx_type"`
}

// FeeCeiling 返回用于成本估算的单位 gas 价格。
func (p *PreparedTransaction) FeeCeiling() *big.Int {
	if p.MaxFeePerGas != nil {
		return p.MaxFeePerGas
	}
	if p.GasPrice != nil {
		return p.GasPrice
	}
	return big.NewInt(0)
}

// SignedTransaction 由钱包后端独占产出，除 Broadcaster 外对其他组件不透明。
type SignedTransaction struct {
	Raw   []byte         `json:"raw"`
	Hash  common.Hash    `json:"hash"`
	From  common.Address `json:"from"`
	Nonce uint64         `json:"nonce"`
}

// Receipt 是链上确认后的结果。
type Receipt struct {
	TxHash            common.Hash     `json:"tx_hash"`
	BlockNumber       uint64          `json:"block_number"`
	BlockHash         common.Hash     `json:"block_hash"`
	GasUsed           uint64          `json:"gas_used"`
	EffectiveGasPrice *big.Int        `json:"effective_gas_price,omitempty"`
	Success           bool            `json:"success"`
	Logs              []*coretypes.Log `json:"logs,omitempty"`
	ContractAddress   *common.Address `json:"contract_address,omitempty"`
}

// FlowError 记录导致流程失败的类型化错误。Retryable 决定管理器是否自动重试。
type FlowError struct {
	Code      xerrors.Code      `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FlowEvent 是流程历史中的一条只追加记录。
type FlowEvent struct {
	Status    Status `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Flow 是聚合根，跟踪一个交易请求的完整生命周期。
//
// 不变式：状态沿 §preparing → awaiting_confirmation → signing →
// broadcasting → confirming → completed 单调推进；completed 必然带有
// Receipt；signing 及之后必然带有 Prepared；SignedTx 一旦写入不被原地
// 覆盖，重试会产生新的签名步骤。
type Flow struct {
	ID        string               `json:"id"`
	Request   TransactionRequest   `json:"request"`
	Status    Status               `json:"status"`
	Prepared  *PreparedTransaction `json:"prepared,omitempty"`
	Signed    *SignedTransaction   `json:"signed,omitempty"`
	Receipt   *Receipt             `json:"receipt,omitempty"`
	LastError *FlowError           `json:"last_error,omitempty"`
	Attempts  int                  `json:"attempts"`
	History   []FlowEvent          `json:"history"`
	CreatedAt int64                `json:"created_at"`
	UpdatedAt int64                `json:"updated_at"`
}

// CanRetry 仅当流程失败且错误可重试时返回 true。
func (f *Flow) CanRetry() bool {
	return f.Status == StatusFailed && f.LastError != nil && f.LastError.Retryable
}

// 流程域错误码，对应的默认属性在 init 中注册。
const (
	CodeValidationFailed    xerrors.Code = "VALIDATION_FAILED"
	CodeNoWallet            xerrors.Code = "NO_WALLET"
	CodeNotConnected        xerrors.Code = "NOT_CONNECTED"
	CodeNoPreparedTx        xerrors.Code = "NO_PREPARED_TX"
	CodeNoSignedTx          xerrors.Code = "NO_SIGNED_TX"
	CodeInvalidState        xerrors.Code = "INVALID_STATE"
	CodeGasEstimationFailed xerrors.Code = "GAS_ESTIMATION_FAILED"
	CodeBroadcastFailed     xerrors.Code = "BROADCAST_FAILED"
	CodeReceiptFailed       xerrors.Code = "RECEIPT_FAILED"
	CodeNonceTooLow         xerrors.Code = "NONCE_TOO_LOW"
	CodeQueueFull           xerrors.Code = "QUEUE_FULL"
	CodeCancelled           xerrors.Code = "CANCELLED"
	CodeSigningFailed       xerrors.Code = "SIGNING_FAILED"
)

var (
	// ErrFlowNotFound 表示指定的流程不存在。
	ErrFlowNotFound = xerrors.New(xerrors.CodeNotFound, "flow not found")
	// ErrFlowConflict 表示流程在当前状态下无法进行所请求的操作。
	ErrFlowConflict = xerrors.New(xerrors.CodeConflict, "flow conflict")
	// ErrQueueFull 表示有界队列已达容量上限，调用方需要退避。
	ErrQueueFull = xerrors.New(CodeQueueFull, "transaction queue is full")
	// ErrQueueEmpty 表示队列中没有等待的请求。
	ErrQueueEmpty = stdErrors.New("transaction queue is empty")
)

func init() {
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:   "request failed validation rules",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoWallet, xerrors.Attributes{
		Message:   "no wallet attached",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotConnected, xerrors.Attributes{
		Message:   "wallet not connected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoPreparedTx, xerrors.Attributes{
		Message:   "flow has no prepared transaction",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoSignedTx, xerrors.Attributes{
		Message:   "flow has no signed transaction",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:   "operation illegal for current flow status",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGasEstimationFailed, xerrors.Attributes{
		Message:   "gas estimation and fallback both failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeBroadcastFailed, xerrors.Attributes{
		Message:   "network rejected transaction submission",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeReceiptFailed, xerrors.Attributes{
		Message:   "receipt polling exceeded bounds",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeNonceTooLow, xerrors.Attributes{
		Message:   "stale nonce, safe to recompute and retry",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeQueueFull, xerrors.Attributes{
		Message:   "transaction queue at capacity",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCancelled, xerrors.Attributes{
		Message:   "flow cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSigningFailed, xerrors.Attributes{
		Message:   "wallet failed to sign transaction",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// errorOf 将任意 error 规整为 FlowError。未类型化的错误按 UNKNOWN 处理。
func errorOf(err error) *FlowError {
	if err == nil {
		return nil
	}
	if typed, ok := xerrors.From(err); ok {
		return &FlowError{
			Code:      typed.Code(),
			Message:   typed.Message(),
			Details:   typed.Metadata(),
			Retryable: typed.Retryable(),
		}
	}
	return &FlowError{
		Code:      xerrors.CodeUnknown,
		Message:   err.Error(),
		Retryable: false,
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

// Clone 返回流程的深拷贝，存储层用它避免调用方篡改内部状态。
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Request.Params = cloneParams(f.Request.Params)
	if f.Prepared != nil {
		prepared := *f.Prepared
		clone.Prepared = &prepared
	}
	if f.Signed != nil {
		signed := *f.Signed
		clone.Signed = &signed
	}
	if f.Receipt != nil {
		receipt := *f.Receipt
		clone.Receipt = &receipt
	}
	if f.LastError != nil {
		lastErr := *f.LastError
		clone.LastError = &lastErr
	}
	if f.History != nil {
		clone.History = append([]FlowEvent(nil), f.History...)
	}
	return &clone
}
