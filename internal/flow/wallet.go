package flow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet 是签名后端的能力接口，由 internal/wallet 下的各实现提供。
// 它是唯一接触签名材料的组件，位于编排器的信任边界之外：
// 编排器只把 PreparedTransaction 交出去、把签名字节收回来。
//
// 契约：签名不得修改 PreparedTransaction；断开连接后缓存的地址与链 ID
// 立即失效；链 ID 与待签交易不一致时必须在签名前拒绝。
type Wallet interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Address(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SignTransaction(ctx context.Context, prepared *PreparedTransaction) (*SignedTransaction, error)
	SendTransaction(ctx context.Context, signed *SignedTransaction) (common.Hash, error)
	IsConnected() bool
}
