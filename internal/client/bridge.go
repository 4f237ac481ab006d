package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
)

// bridgeEvent is a provider event as received by the bridge listeners.
type bridgeEvent struct {
	name     connector.EventName
	accounts []string
	chain    string
	cause    error
}

// attach registers the bridge listeners on conn and returns a function that
// removes them. Events from the connector being connected are queued until it
// becomes active; events from any other inactive connector are dropped.
func (c *Client) attach(conn connector.Connector) func() {
	unsubs := []connector.Unsubscribe{
		conn.OnAccountsChanged(func(accounts []string) {
			c.handle(conn, bridgeEvent{name: connector.EventAccountsChanged, accounts: accounts})
		}),
		conn.OnChainChanged(func(raw string) {
			c.handle(conn, bridgeEvent{name: connector.EventChainChanged, chain: raw})
		}),
		conn.OnDisconnect(func(err error) {
			c.handle(conn, bridgeEvent{name: connector.EventDisconnect, cause: err})
		}),
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, unsub := range unsubs {
				unsub()
			}
		})
	}
}

// detachLocked releases the active connector's listeners. Callers hold
// applyMu.
func (c *Client) detachLocked() {
	if c.detach != nil {
		c.detach()
	}
	c.detach = nil
	c.active = nil
}

// current reports whether conn is the active connector of an open client.
// Callers hold applyMu.
func (c *Client) current(conn connector.Connector, event connector.EventName) bool {
	if c.closed || c.active != conn {
		c.log.Debug("忽略非活动连接器的事件", slog.String("connector", conn.ID()), slog.String("event", string(event)))
		return false
	}
	return true
}

func (c *Client) handle(conn connector.Connector, ev bridgeEvent) {
	c.applyMu.Lock()
	if !c.closed && c.pending == conn && c.active != conn {
		c.queued = append(c.queued, ev)
		c.applyMu.Unlock()
		return
	}
	if !c.current(conn, ev.name) {
		c.applyMu.Unlock()
		return
	}
	after := c.dispatchLocked(conn, ev)
	c.applyMu.Unlock()
	after()
}

// replayLocked applies the events queued while conn was connecting, in
// arrival order, and returns the follow-up work to run once applyMu is
// released. Callers hold applyMu and have just made conn active.
func (c *Client) replayLocked(conn connector.Connector) []func() {
	queued := c.queued
	c.pending, c.queued = nil, nil
	var afters []func()
	for _, ev := range queued {
		if !c.current(conn, ev.name) {
			break
		}
		afters = append(afters, c.dispatchLocked(conn, ev))
	}
	return afters
}

// clearPendingLocked drops the events of a connect attempt that did not
// complete. Callers hold applyMu.
func (c *Client) clearPendingLocked() {
	if len(c.queued) > 0 {
		c.log.Debug("丢弃未完成连接期间的事件", slog.Int("count", len(c.queued)))
	}
	c.pending, c.queued = nil, nil
}

// dispatchLocked applies ev from the active connector. The returned function
// releases the connector when the event disconnected it and must run after
// applyMu is released. Callers hold applyMu.
func (c *Client) dispatchLocked(conn connector.Connector, ev bridgeEvent) func() {
	switch ev.name {
	case connector.EventAccountsChanged:
		return c.onAccountsChangedLocked(conn, ev.accounts)
	case connector.EventChainChanged:
		c.onChainChangedLocked(conn, ev.chain)
	case connector.EventDisconnect:
		return c.onDisconnectLocked(conn, ev.cause)
	}
	return func() {}
}

func (c *Client) onAccountsChangedLocked(conn connector.Connector, accounts []string) func() {
	if len(accounts) == 0 {
		c.detachLocked()
		change, changed := c.apply(ReasonAccountsChanged, func(State) State { return disconnectedState() })
		return func() {
			c.release(conn)
			if changed {
				c.audit.Info("钱包账户已全部移除，连接断开",
					slog.String("connector", change.Previous.Connector))
			}
		}
	}

	if !common.IsHexAddress(accounts[0]) {
		c.log.Warn("忽略非法的账户事件", slog.String("connector", conn.ID()), slog.String("account", accounts[0]))
		return func() {}
	}
	address := common.HexToAddress(accounts[0])
	c.apply(ReasonAccountsChanged, func(s State) State {
		s.Account = &Account{Address: address, ConnectorID: conn.ID()}
		s.Connector = conn.ID()
		return s
	})
	return func() {}
}

func (c *Client) onChainChangedLocked(conn connector.Connector, raw string) {
	id, err := chain.ParseChainID(raw)
	if err != nil {
		c.log.Warn("忽略非法的链切换事件", slog.String("connector", conn.ID()), slog.String("chain_id", raw), slog.Any("error", err))
		return
	}
	c.apply(ReasonChainChanged, func(s State) State {
		s.ChainID = id
		return s
	})
}

func (c *Client) onDisconnectLocked(conn connector.Connector, cause error) func() {
	c.detachLocked()
	change, changed := c.apply(ReasonDisconnect, func(State) State { return disconnectedState() })
	return func() {
		c.release(conn)
		if changed {
			attrs := []any{slog.String("connector", change.Previous.Connector)}
			if cause != nil {
				attrs = append(attrs, slog.String("cause", cause.Error()))
			}
			c.audit.Info("钱包主动断开连接", attrs...)
		}
	}
}

// release tells a connector the client no longer uses it.
func (c *Client) release(conn connector.Connector) {
	if err := conn.Disconnect(context.Background()); err != nil {
		c.log.Warn("释放连接器失败", slog.String("connector", conn.ID()), slog.Any("error", err))
	}
}
