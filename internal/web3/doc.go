// Package web3 houses blockchain connectivity utilities: the network client
// interface consumed by the transaction flow orchestrator, multi-chain
// configuration helpers, and the go-ethereum backed implementation. The
// orchestrator only ever talks to nodes through these abstractions so that
// tests and alternative transports can substitute the network freely.
package web3
