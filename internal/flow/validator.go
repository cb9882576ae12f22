package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
)

// Rule 是针对单个字段的校验规则。
type Rule struct {
	Field     string
	Predicate func(req *TransactionRequest) bool
	Message   string
}

// Violation 描述一条被违反的规则。
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Validator 对交易请求做结构与业务规则检查。
// 规则按请求类型组织，校验时返回全部违反项而不是第一条。
type Validator struct {
	common []Rule
	byType map[RequestType][]Rule
}

// NewValidator 创建带默认规则表的 Validator。
func NewValidator() *Validator {
	v := &Validator{byType: make(map[RequestType][]Rule)}
	v.common = []Rule{
		{
			Field:     "from",
			Predicate: func(req *TransactionRequest) bool { return req.From != (common.Address{}) },
			Message:   "from address is required",
		},
		{
			Field:     "type",
			Predicate: func(req *TransactionRequest) bool { return req.Type != "" },
			Message:   "transaction type is required",
		},
		{
			Field:     "chain_id",
			Predicate: func(req *TransactionRequest) bool { return req.ChainID > 0 },
			Message:   "chain id must be positive",
		},
		{
			Field:     "expires_at",
			Predicate: func(req *TransactionRequest) bool { return !req.Expired(time.Now()) },
			Message:   "request has expired",
		},
	}
	protocolRequired := Rule{
		Field:     "protocol",
		Predicate: func(req *TransactionRequest) bool { return strings.TrimSpace(req.Protocol) != "" },
		Message:   "protocol is required",
	}
	paramRequired := func(name string) Rule {
		return Rule{
			Field: "params." + name,
			Predicate: func(req *TransactionRequest) bool {
				_, ok := req.Params[name]
				return ok
			},
			Message: name + " parameter is required",
		}
	}
	v.byType[TypeLendingSupply] = []Rule{protocolRequired, paramRequired("asset"), paramRequired("amount")}
	v.byType[TypeStake] = []Rule{protocolRequired, paramRequired("amount")}
	v.byType[TypeSwap] = []Rule{protocolRequired, paramRequired("tokenIn"), paramRequired("tokenOut"), paramRequired("amountIn")}
	v.byType[TypeApprove] = []Rule{paramRequired("token"), paramRequired("spender"), paramRequired("amount")}
	v.byType[TypeTransfer] = []Rule{
		{
			Field: "to",
			Predicate: func(req *TransactionRequest) bool {
				return req.To != nil && *req.To != (common.Address{})
			},
			Message: "transfer requires a to address",
		},
		{
			Field: "value",
			Predicate: func(req *TransactionRequest) bool {
				return req.Value != nil && req.Value.Sign() > 0
			},
			Message: "transfer value must be positive",
		},
	}
	return v
}

// AddRule 为指定类型追加自定义规则，便于上层按协议扩展。
func (v *Validator) AddRule(t RequestType, rule Rule) {
	v.byType[t] = append(v.byType[t], rule)
}

// Check 返回请求违反的全部规则，列表为空表示通过。
func (v *Validator) Check(req *TransactionRequest) []Violation {
	if req == nil {
		return []Violation{{Field: "request", Message: "request must not be nil"}}
	}
	var violations []Violation
	for _, rule := range v.common {
		if !rule.Predicate(req) {
			violations = append(violations, Violation{Field: rule.Field, Message: rule.Message})
		}
	}
	for _, rule := range v.byType[req.Type] {
		if !rule.Predicate(req) {
			violations = append(violations, Violation{Field: rule.Field, Message: rule.Message})
		}
	}
	return violations
}

// Validate 在请求不合法时返回 VALIDATION_FAILED 错误，错误信息聚合所有违反项。
func (v *Validator) Validate(req *TransactionRequest) error {
	violations := v.Check(req)
	if len(violations) == 0 {
		return nil
	}
	parts := make([]string, 0, len(violations))
	opts := make([]xerrors.Option, 0, len(violations))
	for _, violation := range violations {
		parts = append(parts, violation.String())
		opts = append(opts, xerrors.WithMetadata(violation.Field, violation.Message))
	}
	return xerrors.New(CodeValidationFailed, strings.Join(parts, "; "), opts...)
}
