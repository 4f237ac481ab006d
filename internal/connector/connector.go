// Package connector defines the uniform capability set wallet integrations
// expose to the client: connecting, reading the active account and chain,
// obtaining an RPC backend or signer, and subscribing to provider events.
package connector

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/chain"
)

// Unsubscribe releases a listener registration. Calling it more than once is
// a no-op.
type Unsubscribe func()

// ConnectResult is returned by a successful Connect.
type ConnectResult struct {
	Account common.Address
	ChainID uint64
}

// TransactionRequest is an unsigned transaction as submitted by callers.
// Unset fields are filled by the wallet.
type TransactionRequest struct {
	To        *common.Address `json:"to,omitempty"`
	Value     *big.Int        `json:"value,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Gas       uint64          `json:"gas,omitempty"`
	GasTipCap *big.Int        `json:"max_priority_fee_per_gas,omitempty"`
	GasFeeCap *big.Int        `json:"max_fee_per_gas,omitempty"`
	Nonce     *uint64         `json:"nonce,omitempty"`
}

// Signer authorizes and submits transactions on behalf of one account.
type Signer interface {
	Address() common.Address
	ChainID() uint64
	SendTransaction(ctx context.Context, req TransactionRequest) (common.Hash, error)
}

// Connector adapts a specific wallet provider to the client.
type Connector interface {
	ID() string
	Name() string
	Ready() bool
	Chains() []chain.Network

	Connect(ctx context.Context) (ConnectResult, error)
	Disconnect(ctx context.Context) error
	GetAccount(ctx context.Context) (common.Address, error)
	GetChainID(ctx context.Context) (uint64, error)
	GetProvider(ctx context.Context) (chain.Backend, error)
	GetSigner(ctx context.Context) (Signer, error)
	IsAuthorized(ctx context.Context) (bool, error)

	// Listener payloads are forwarded exactly as the provider emitted them.
	OnAccountsChanged(fn func(accounts []string)) Unsubscribe
	OnChainChanged(fn func(chainID string)) Unsubscribe
	OnDisconnect(fn func(err error)) Unsubscribe
}

// Switcher is implemented by connectors able to change the wallet's network.
type Switcher interface {
	SwitchNetwork(ctx context.Context, chainID uint64) (chain.Network, error)
}
