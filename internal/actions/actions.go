// Package actions exposes stateless wallet operations over a client.Client:
// connecting, reading the account and network, fetching balances and
// signers, sending transactions and switching networks, plus watchers that
// report when a selected part of the state changes.
package actions

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
)

// ChainInfo is the active chain. Unsupported is set when the chain id is not
// configured.
type ChainInfo struct {
	chain.Network
	Unsupported bool `json:"unsupported"`
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	Account   common.Address `json:"account"`
	Chain     ChainInfo      `json:"chain"`
	Connector string         `json:"connector"`
}

// AccountResult describes the active account.
type AccountResult struct {
	Address   *common.Address `json:"address,omitempty"`
	Connector string          `json:"connector,omitempty"`
	Status    client.Status   `json:"status"`
}

// IsConnected reports whether the account is connected.
func (a AccountResult) IsConnected() bool { return a.Status == client.StatusConnected }

// IsConnecting reports whether a connect is in flight.
func (a AccountResult) IsConnecting() bool { return a.Status == client.StatusConnecting }

// IsReconnecting reports whether a persisted session is being restored.
func (a AccountResult) IsReconnecting() bool { return a.Status == client.StatusReconnecting }

// IsDisconnected reports whether no account is connected.
func (a AccountResult) IsDisconnected() bool { return a.Status == client.StatusDisconnected }

func (a AccountResult) equal(other AccountResult) bool {
	if a.Status != other.Status || a.Connector != other.Connector {
		return false
	}
	if (a.Address == nil) != (other.Address == nil) {
		return false
	}
	return a.Address == nil || *a.Address == *other.Address
}

// NetworkResult describes the active chain and the configured chains.
type NetworkResult struct {
	Chain  *ChainInfo      `json:"chain,omitempty"`
	Chains []chain.Network `json:"chains"`
}

// Connect connects the connector registered under id.
func Connect(ctx context.Context, c *client.Client, id string) (ConnectResult, error) {
	state, err := c.Connect(ctx, id)
	if err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{
		Account:   state.Account.Address,
		Chain:     chainInfo(c.Chains(), state.ChainID),
		Connector: state.Connector,
	}, nil
}

// Disconnect disconnects the active connector.
func Disconnect(ctx context.Context, c *client.Client) error {
	return c.Disconnect(ctx)
}

// GetAccount returns the active account.
func GetAccount(c *client.Client) AccountResult {
	return accountOf(c.State())
}

func accountOf(state client.State) AccountResult {
	result := AccountResult{Status: state.Status, Connector: state.Connector}
	if state.Account != nil {
		address := state.Account.Address
		result.Address = &address
	}
	return result
}

// GetNetwork returns the active chain, if any, and the configured chains.
func GetNetwork(c *client.Client) NetworkResult {
	return networkOf(c.Chains(), c.State())
}

func networkOf(chains *chain.Registry, state client.State) NetworkResult {
	result := NetworkResult{Chains: chains.Networks()}
	if result.Chains == nil {
		result.Chains = []chain.Network{}
	}
	if state.ChainID != 0 {
		info := chainInfo(chains, state.ChainID)
		result.Chain = &info
	}
	return result
}

func chainInfo(chains *chain.Registry, id uint64) ChainInfo {
	if network, ok := chains.Network(id); ok {
		return ChainInfo{Network: network}
	}
	return ChainInfo{
		Network:     chain.Network{ID: id, NativeCurrency: chain.DefaultCurrency},
		Unsupported: true,
	}
}

// FetchSigner returns the active account's signer, or nil when no account
// is connected.
func FetchSigner(ctx context.Context, c *client.Client) (connector.Signer, error) {
	if !c.State().Connected() {
		return nil, nil
	}
	conn := c.ActiveConnector()
	if conn == nil {
		return nil, nil
	}
	return conn.GetSigner(ctx)
}

// SwitchNetwork asks the active connector to change chains.
func SwitchNetwork(ctx context.Context, c *client.Client, chainID uint64) (chain.Network, error) {
	return c.SwitchNetwork(ctx, chainID)
}
