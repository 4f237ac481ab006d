package connector

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"WalletBridge/internal/chain"
)

// EventName identifies a provider event.
type EventName string

// Provider events as named by EIP-1193.
const (
	EventAccountsChanged EventName = "accountsChanged"
	EventChainChanged    EventName = "chainChanged"
	EventDisconnect      EventName = "disconnect"
)

// ProviderEvent is a raw event emitted by a wallet provider. Accounts and
// ChainID carry the provider's own encoding and are validated downstream.
type ProviderEvent struct {
	Name     EventName
	Accounts []string
	ChainID  string
	Err      error
}

// Provider is the wallet-side object a connector wraps. It is owned by the
// wallet, not by the connector.
type Provider interface {
	// RequestAccounts asks the wallet for access and may block on a user prompt.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts returns already authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	SendTransaction(ctx context.Context, from common.Address, req TransactionRequest) (common.Hash, error)
	Backend(ctx context.Context) (chain.Backend, error)
	// SubscribeEvents delivers events in emission order on a single channel.
	SubscribeEvents(ch chan<- ProviderEvent) event.Subscription
}
