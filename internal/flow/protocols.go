package flow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
)

// protocolFile 是协议目录文件的单条记录。ABI 直接内联为 JSON 数组。
type protocolFile struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// LoadProtocols 从 JSON 目录文件批量注册协议。
// 文件格式为 [{"name":"takara","address":"0x...","abi":[...]}]。
func LoadProtocols(registry *ProtocolRegistry, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取协议目录失败: %w", err)
	}
	var entries []protocolFile
	if err := json.Unmarshal(content, &entries); err != nil {
		return fmt.Errorf("解析协议目录失败: %w", err)
	}
	for _, entry := range entries {
		if !common.IsHexAddress(entry.Address) {
			return xerrors.New(xerrors.CodeInvalidArgument,
				"协议 "+entry.Name+" 的合约地址非法")
		}
		if err := registry.Register(entry.Name, string(entry.ABI), common.HexToAddress(entry.Address)); err != nil {
			return err
		}
	}
	return nil
}
