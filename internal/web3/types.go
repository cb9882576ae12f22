package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// NetworkClient defines the node capabilities the orchestrator depends on.
// It deliberately excludes any signing ability; the orchestrator never holds
// key material and only ever submits pre-signed payloads.
type NetworkClient interface {
	// ChainID returns the connected network's chain identifier.
	ChainID(ctx context.Context) (*big.Int, error)
	// PendingNonceAt returns the account nonce including pending transactions.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	// EstimateGas asks the node for a raw gas estimate of the given call.
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	// SuggestGasPrice returns a legacy gas price suggestion.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// SuggestGasTipCap returns an EIP-1559 priority fee suggestion. Networks
	// without 1559 support return an error and callers fall back to legacy
	// pricing.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	// HeaderByNumber fetches a block header; nil selects the latest block.
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	// SendRawTransaction submits signed transaction bytes to the network.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	// TransactionReceipt returns the receipt of a mined transaction, or
	// ethereum.NotFound while it is still pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	// FetchChainSnapshot gathers lightweight metadata for reporting.
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	// Close releases underlying connections.
	Close()
}
