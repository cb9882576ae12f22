package flow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/nonce"
	"TxFlow-Chain/internal/web3"
)

// erc20ABI 覆盖 approve/transfer 两个标准方法，approve 类请求直接使用。
const erc20ABI = `[
  {"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// methodAliases 按请求类型列出各协议常见的方法命名。
// 解析时取协议 ABI 中第一个存在的别名，新协议只需注册 ABI 即可接入。
var methodAliases = map[RequestType][]string{
	TypeLendingSupply: {"supply", "mint", "deposit"},
	TypeStake:         {"stake", "delegate", "deposit"},
	TypeSwap:          {"swapExactTokensForTokens", "swap"},
	TypeBatch:         {"multicall", "batch"},
}

type protocolEntry struct {
	name    string
	abi     abi.ABI
	address common.Address
}

// ProtocolRegistry 维护协议名到 ABI 与合约地址的映射。
// 协议在启动阶段动态注册，Builder 本身不感知具体协议。
type ProtocolRegistry struct {
	mu      sync.RWMutex
	entries map[string]*protocolEntry
}

// NewProtocolRegistry 创建空的协议注册表。
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{entries: make(map[string]*protocolEntry)}
}

// Register 注册或覆盖一个协议。
func (r *ProtocolRegistry) Register(name, abiJSON string, address common.Address) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "协议名不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析协议 ABI 失败")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &protocolEntry{name: name, abi: parsed, address: address}
	return nil
}

// Names 返回已注册的协议名。
func (r *ProtocolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

func (r *ProtocolRegistry) lookup(name string) (*protocolEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, xerrors.New(CodeValidationFailed, "协议 "+name+" 未注册")
	}
	return entry, nil
}

// Builder 把 TransactionRequest 转换为 PreparedTransaction：
// 解析协议编码器生成 calldata，解析目标合约地址，
// 串行分配 nonce，并委托 GasEstimator 估算 gas 与费用。
type Builder struct {
	client    web3.NetworkClient
	registry  *ProtocolRegistry
	allocator *nonce.Allocator
	gas       *GasEstimator
	validator *Validator
}

// NewBuilder 创建 Builder。
func NewBuilder(client web3.NetworkClient, registry *ProtocolRegistry) *Builder {
	if registry == nil {
		registry = NewProtocolRegistry()
	}
	return &Builder{
		client:    client,
		registry:  registry,
		allocator: nonce.NewAllocator(client),
		gas:       NewGasEstimator(client),
		validator: NewValidator(),
	}
}

// Registry 暴露协议注册表，供启动阶段注入协议。
func (b *Builder) Registry() *ProtocolRegistry {
	return b.registry
}

// ReleaseNonce 在构建产物未被使用时归还 nonce。
func (b *Builder) ReleaseNonce(from common.Address, n uint64) {
	b.allocator.Release(from, n)
}

// ForgetNonce 在 NONCE_TOO_LOW 之后丢弃本地游标。
func (b *Builder) ForgetNonce(from common.Address) {
	b.allocator.Forget(from)
}

// Build 构建一笔待签交易。
func (b *Builder) Build(ctx context.Context, req *TransactionRequest) (*PreparedTransaction, error) {
	if err := b.validator.Validate(req); err != nil {
		return nil, err
	}

	to, data, err := b.encode(req)
	if err != nil {
		return nil, err
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	n, err := b.allocator.Acquire(ctx, req.From)
	if err != nil {
		return nil, err
	}

	msg := gethcore.CallMsg{From: req.From, To: to, Value: value, Data: data}
	gasLimit, err := b.gas.EstimateLimit(ctx, req.Type, msg)
	if err != nil {
		b.allocator.Release(req.From, n)
		return nil, err
	}
	fees, err := b.gas.SuggestFees(ctx)
	if err != nil {
		b.allocator.Release(req.From, n)
		return nil, err
	}

	return &PreparedTransaction{
		ChainID:              req.ChainID,
		From:                 req.From,
		To:                   to,
		Value:                value,
		Data:                 data,
		GasLimit:             gasLimit,
		GasPrice:             fees.GasPrice,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		Nonce:                n,
		TxType:               fees.TxType,
	}, nil
}

// encode 解析目标地址与 calldata。显式的 to/data 覆盖优先于协议编码。
func (b *Builder) encode(req *TransactionRequest) (*common.Address, []byte, error) {
	if len(req.Data) > 0 {
		if req.To == nil {
			return nil, nil, xerrors.New(CodeValidationFailed, "携带 data 覆盖时必须指定 to 地址")
		}
		return req.To, req.Data, nil
	}

	switch req.Type {
	case TypeTransfer:
		return req.To, nil, nil
	case TypeApprove:
		return b.encodeApprove(req)
	case TypeSwap:
		return b.encodeSwap(req)
	case TypeLendingSupply, TypeStake:
		return b.encodeProtocolCall(req)
	case TypeBatch:
		return b.encodeBatch(req)
	default:
		return nil, nil, xerrors.New(CodeValidationFailed, "不支持的交易类型 "+string(req.Type))
	}
}

func (b *Builder) encodeApprove(req *TransactionRequest) (*common.Address, []byte, error) {
	token, err := paramAddress(req.Params, "token")
	if err != nil {
		return nil, nil, err
	}
	spender, err := paramAddress(req.Params, "spender")
	if err != nil {
		return nil, nil, err
	}
	amount, err := paramBigInt(req.Params, "amount")
	if err != nil {
		return nil, nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeUnknown, err, "内置 ERC20 ABI 无效")
	}
	data, err := parsed.Pack("approve", spender, amount)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeValidationFailed, err, "编码 approve 失败")
	}
	return &token, data, nil
}

// encodeProtocolCall 处理 lending_supply 与 stake：
// 按别名表在协议 ABI 中解析方法，再根据方法签名决定参数形态。
func (b *Builder) encodeProtocolCall(req *TransactionRequest) (*common.Address, []byte, error) {
	entry, err := b.registry.lookup(req.Protocol)
	if err != nil {
		return nil, nil, err
	}
	method, err := resolveMethod(entry.abi, req.Type)
	if err != nil {
		return nil, nil, err
	}
	amount, err := paramBigInt(req.Params, "amount")
	if err != nil {
		return nil, nil, err
	}

	var args []any
	switch len(method.Inputs) {
	case 1:
		args = []any{amount}
	case 2:
		first, addrErr := paramAddress(req.Params, firstAddressParam(req.Type))
		if addrErr != nil {
			return nil, nil, addrErr
		}
		args = []any{first, amount}
	default:
		return nil, nil, xerrors.New(CodeValidationFailed,
			fmt.Sprintf("协议 %s 的方法 %s 具有不支持的参数形态", entry.name, method.Name))
	}

	data, err := entry.abi.Pack(method.Name, args...)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeValidationFailed, err, "编码 "+method.Name+" 失败")
	}
	to := b.targetAddress(req, entry)
	return to, data, nil
}

func firstAddressParam(t RequestType) string {
	if t == TypeStake {
		return "validator"
	}
	return "asset"
}

// encodeSwap 区分单跳与多跳：params.path 超过两个代币时按提供的路径
// 编码，否则以 tokenIn/tokenOut 构造两段路径。
func (b *Builder) encodeSwap(req *TransactionRequest) (*common.Address, []byte, error) {
	entry, err := b.registry.lookup(req.Protocol)
	if err != nil {
		return nil, nil, err
	}
	method, err := resolveMethod(entry.abi, TypeSwap)
	if err != nil {
		return nil, nil, err
	}

	amountIn, err := paramBigInt(req.Params, "amountIn")
	if err != nil {
		return nil, nil, err
	}
	minOut := big.NewInt(0)
	if _, ok := req.Params["amountOutMin"]; ok {
		if minOut, err = paramBigInt(req.Params, "amountOutMin"); err != nil {
			return nil, nil, err
		}
	}

	path, pathErr := paramAddressSlice(req.Params, "path")
	if pathErr != nil || len(path) < 2 {
		tokenIn, inErr := paramAddress(req.Params, "tokenIn")
		if inErr != nil {
			return nil, nil, inErr
		}
		tokenOut, outErr := paramAddress(req.Params, "tokenOut")
		if outErr != nil {
			return nil, nil, outErr
		}
		path = []common.Address{tokenIn, tokenOut}
	}

	deadline := big.NewInt(time.Now().Add(20 * time.Minute).Unix())
	data, err := entry.abi.Pack(method.Name, amountIn, minOut, path, req.From, deadline)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeValidationFailed, err, "编码 "+method.Name+" 失败")
	}
	return b.targetAddress(req, entry), data, nil
}

func (b *Builder) encodeBatch(req *TransactionRequest) (*common.Address, []byte, error) {
	entry, err := b.registry.lookup(req.Protocol)
	if err != nil {
		return nil, nil, err
	}
	method, err := resolveMethod(entry.abi, TypeBatch)
	if err != nil {
		return nil, nil, err
	}
	calls, err := paramBytesSlice(req.Params, "calls")
	if err != nil {
		return nil, nil, err
	}
	data, err := entry.abi.Pack(method.Name, calls)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeValidationFailed, err, "编码 "+method.Name+" 失败")
	}
	return b.targetAddress(req, entry), data, nil
}

// targetAddress 返回显式 to 覆盖，否则使用协议注册的合约地址。
func (b *Builder) targetAddress(req *TransactionRequest, entry *protocolEntry) *common.Address {
	if req.To != nil {
		return req.To
	}
	addr := entry.address
	return &addr
}

// resolveMethod 从协议 ABI 中按别名表解析方法。
func resolveMethod(parsed abi.ABI, t RequestType) (abi.Method, error) {
	for _, alias := range methodAliases[t] {
		if method, ok := parsed.Methods[alias]; ok {
			return method, nil
		}
	}
	return abi.Method{}, xerrors.New(CodeValidationFailed,
		"协议 ABI 中找不到类型 "+string(t)+" 对应的方法")
}

// ValidateTransaction 是独立于构建过程的待签交易健全性检查。
func ValidateTransaction(tx *PreparedTransaction) error {
	if tx == nil {
		return xerrors.New(CodeValidationFailed, "prepared transaction 不能为空")
	}
	var problems []string
	if tx.From == (common.Address{}) {
		problems = append(problems, "from 地址无效")
	}
	if tx.To == nil && len(tx.Data) == 0 {
		problems = append(problems, "缺少 to 地址且无合约创建数据")
	}
	hasValue := tx.Value != nil && tx.Value.Sign() > 0
	if len(tx.Data) == 0 && !hasValue {
		problems = append(problems, "calldata 为空且不转账")
	}
	if tx.GasLimit == 0 {
		problems = append(problems, "gas 上限必须为正")
	}
	switch {
	case tx.MaxFeePerGas != nil:
		if tx.MaxFeePerGas.Sign() <= 0 {
			problems = append(problems, "maxFeePerGas 必须为正")
		}
		if tx.MaxPriorityFeePerGas != nil && tx.MaxPriorityFeePerGas.Cmp(tx.MaxFeePerGas) > 0 {
			problems = append(problems, "maxPriorityFeePerGas 不得超过 maxFeePerGas")
		}
	case tx.GasPrice != nil:
		if tx.GasPrice.Sign() <= 0 {
			problems = append(problems, "gasPrice 必须为正")
		}
	default:
		problems = append(problems, "缺少费用字段")
	}
	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(CodeValidationFailed, strings.Join(problems, "; "))
}

// --- 参数提取 ---
// Params 是透传的 JSON map，数值可能以字符串、十六进制或数字出现。

func paramAddress(params map[string]any, key string) (common.Address, error) {
	raw, ok := params[key]
	if !ok {
		return common.Address{}, xerrors.New(CodeValidationFailed, "缺少参数 "+key)
	}
	switch value := raw.(type) {
	case string:
		if !common.IsHexAddress(value) {
			return common.Address{}, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是合法地址")
		}
		return common.HexToAddress(value), nil
	case common.Address:
		return value, nil
	default:
		return common.Address{}, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是合法地址")
	}
}

func paramBigInt(params map[string]any, key string) (*big.Int, error) {
	raw, ok := params[key]
	if !ok {
		return nil, xerrors.New(CodeValidationFailed, "缺少参数 "+key)
	}
	switch value := raw.(type) {
	case *big.Int:
		return new(big.Int).Set(value), nil
	case string:
		base := 10
		trimmed := value
		if strings.HasPrefix(strings.ToLower(value), "0x") {
			base = 16
			trimmed = value[2:]
		}
		parsed, ok := new(big.Int).SetString(trimmed, base)
		if !ok {
			return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是合法数值")
		}
		return parsed, nil
	case float64:
		if value < 0 {
			return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 不得为负")
		}
		return new(big.Int).SetUint64(uint64(value)), nil
	case int:
		return big.NewInt(int64(value)), nil
	case uint64:
		return new(big.Int).SetUint64(value), nil
	default:
		return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是合法数值")
	}
}

func paramAddressSlice(params map[string]any, key string) ([]common.Address, error) {
	raw, ok := params[key]
	if !ok {
		return nil, xerrors.New(CodeValidationFailed, "缺少参数 "+key)
	}
	switch value := raw.(type) {
	case []common.Address:
		return value, nil
	case []any:
		result := make([]common.Address, 0, len(value))
		for _, item := range value {
			text, ok := item.(string)
			if !ok || !common.IsHexAddress(text) {
				return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 包含非法地址")
			}
			result = append(result, common.HexToAddress(text))
		}
		return result, nil
	case []string:
		result := make([]common.Address, 0, len(value))
		for _, text := range value {
			if !common.IsHexAddress(text) {
				return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 包含非法地址")
			}
			result = append(result, common.HexToAddress(text))
		}
		return result, nil
	default:
		return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是地址列表")
	}
}

func paramBytesSlice(params map[string]any, key string) ([][]byte, error) {
	raw, ok := params[key]
	if !ok {
		return nil, xerrors.New(CodeValidationFailed, "缺少参数 "+key)
	}
	switch value := raw.(type) {
	case [][]byte:
		return value, nil
	case []any:
		result := make([][]byte, 0, len(value))
		for _, item := range value {
			text, ok := item.(string)
			if !ok || !strings.HasPrefix(text, "0x") {
				return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 包含非法字节串")
			}
			decoded := common.FromHex(text)
			result = append(result, decoded)
		}
		return result, nil
	default:
		return nil, xerrors.New(CodeValidationFailed, "参数 "+key+" 不是字节串列表")
	}
}
