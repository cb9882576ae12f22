// Package nonce 提供按地址串行化的 nonce 分配。
// 同一地址的并发构建必须拿到两两不同且严格递增的 nonce。
package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
)

// PendingNonceReader 是分配器对网络客户端的最小依赖。
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type accountState struct {
	mu sync.Mutex
	// next 是本地预留的下一个可用 nonce；tracked 为 false 表示尚未初始化。
	next    uint64
	tracked bool
}

// Allocator 维护每个地址的本地 nonce 游标，并与链上 pending 计数对账。
// 链上计数更高说明本地缓存过期，以链上为准；本地更高说明存在尚未被节点
// 感知的快速连续提交，以本地为准。
type Allocator struct {
	reader PendingNonceReader

	mu       sync.Mutex
	accounts map[common.Address]*accountState
}

// NewAllocator 创建 Allocator。
func NewAllocator(reader PendingNonceReader) *Allocator {
	return &Allocator{
		reader:   reader,
		accounts: make(map[common.Address]*accountState),
	}
}

func (a *Allocator) stateOf(account common.Address) *accountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.accounts[account]
	if !ok {
		state = &accountState{}
		a.accounts[account] = state
	}
	return state
}

// Acquire 为指定地址预留下一个 nonce。同一地址上的调用完全串行。
func (a *Allocator) Acquire(ctx context.Context, account common.Address) (uint64, error) {
	if a.reader == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "nonce 分配器未配置网络客户端")
	}
	state := a.stateOf(account)
	state.mu.Lock()
	defer state.mu.Unlock()

	// 持锁期间查询链上 pending 计数，保证对账与预留是一个原子步骤。
	onChain, err := a.reader.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "查询链上 nonce 失败")
	}

	next := onChain
	if state.tracked && state.next > onChain {
		next = state.next
	}
	state.next = next + 1
	state.tracked = true
	return next, nil
}

// Release 归还一个未被使用的 nonce。只有序列尾部的 nonce 可以回收，
// 中间的空洞必须由重建交易来填补。
func (a *Allocator) Release(account common.Address, nonce uint64) {
	state := a.stateOf(account)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.tracked && state.next == nonce+1 {
		state.next = nonce
	}
}

// Forget 丢弃某地址的本地游标。NONCE_TOO_LOW 之后调用，
// 下一次 Acquire 会重新以链上计数为基准。
func (a *Allocator) Forget(account common.Address) {
	state := a.stateOf(account)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.next = 0
	state.tracked = false
}
