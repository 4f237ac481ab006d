// Package client holds the wallet connection state shared by every caller:
// the active connector, account and chain. Transitions come from explicit
// calls (Connect, Disconnect, SwitchNetwork) and from provider events relayed
// by the active connector, and every transition is announced to subscribers.
package client

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Status is the connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Account is the active account and the connector that exposes it.
type Account struct {
	Address     common.Address `json:"address"`
	ConnectorID string         `json:"connector"`
}

// State is an immutable view of the client. Account and Connector are either
// both set or both empty, and StatusConnected implies both are set.
type State struct {
	Status    Status   `json:"status"`
	Account   *Account `json:"account,omitempty"`
	Connector string   `json:"connector,omitempty"`
	ChainID   uint64   `json:"chain_id,omitempty"`
}

// Connected reports whether an account is connected.
func (s State) Connected() bool {
	return s.Status == StatusConnected && s.Account != nil
}

// Valid reports whether the state satisfies the account/connector invariant.
func (s State) Valid() bool {
	if (s.Account == nil) != (s.Connector == "") {
		return false
	}
	if s.Account != nil && s.Account.ConnectorID != s.Connector {
		return false
	}
	if s.Status == StatusConnected && s.Account == nil {
		return false
	}
	return true
}

// Equal compares two states by value.
func (s State) Equal(other State) bool {
	if s.Status != other.Status || s.Connector != other.Connector || s.ChainID != other.ChainID {
		return false
	}
	if (s.Account == nil) != (other.Account == nil) {
		return false
	}
	return s.Account == nil || *s.Account == *other.Account
}

func (s State) clone() State {
	if s.Account != nil {
		account := *s.Account
		s.Account = &account
	}
	return s
}

func disconnectedState() State {
	return State{Status: StatusDisconnected}
}

// Reason names what caused a transition.
type Reason string

const (
	ReasonConnect         Reason = "connect"
	ReasonDisconnect      Reason = "disconnect"
	ReasonAccountsChanged Reason = "accountsChanged"
	ReasonChainChanged    Reason = "chainChanged"
	ReasonSwitchNetwork   Reason = "switchNetwork"
	ReasonReconnect       Reason = "reconnect"
)

// Change describes one applied transition.
type Change struct {
	ID         uuid.UUID `json:"id"`
	Previous   State     `json:"previous"`
	Next       State     `json:"next"`
	Reason     Reason    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
