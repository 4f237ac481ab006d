package client

import (
	"context"
	"fmt"
	"log/slog"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
)

// Connect connects the registered connector id. Only one connect may be in
// flight; a concurrent call fails with ErrAlreadyConnecting without touching
// the state. While connecting, the previous account and connector are kept,
// and a failed attempt restores the previous status.
func (c *Client) Connect(ctx context.Context, id string) (State, error) {
	conn, err := c.connectors.Get(id)
	if err != nil {
		return State{}, err
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return State{}, ErrAlreadyConnecting
	}
	defer c.connecting.Store(false)

	return c.connect(ctx, conn, ReasonConnect)
}

func (c *Client) connect(ctx context.Context, conn connector.Connector, reason Reason) (State, error) {
	c.applyMu.Lock()
	if c.closed {
		c.applyMu.Unlock()
		return State{}, ErrClosed
	}
	current := c.State()
	if current.Status == StatusConnected && current.Connector == conn.ID() {
		c.applyMu.Unlock()
		return State{}, xerrors.New(xerrors.CodeAlreadyConnected,
			fmt.Sprintf("连接器 %s 已连接", conn.ID()),
			xerrors.WithMetadata("connector", conn.ID()))
	}
	previous := current.Status
	c.pending, c.queued = conn, nil
	c.apply(reason, func(s State) State {
		s.Status = StatusConnecting
		if reason == ReasonReconnect {
			s.Status = StatusReconnecting
		}
		return s
	})
	c.applyMu.Unlock()

	// Listeners are attached before the wallet prompt. Events that arrive
	// before conn is active are queued and replayed once it is.
	detach := c.attach(conn)
	result, err := conn.Connect(ctx)

	c.applyMu.Lock()
	if err != nil {
		detach()
		c.clearPendingLocked()
		c.apply(reason, func(s State) State {
			if s.Status == StatusConnecting || s.Status == StatusReconnecting {
				s.Status = previous
			}
			return s
		})
		c.applyMu.Unlock()
		c.log.Warn("连接钱包失败", slog.String("connector", conn.ID()), slog.Any("error", err))
		return State{}, err
	}
	if c.closed {
		detach()
		c.clearPendingLocked()
		c.applyMu.Unlock()
		return State{}, ErrClosed
	}

	replaced := c.active
	c.detachLocked()
	c.active = conn
	c.detach = detach
	c.apply(reason, func(State) State {
		return State{
			Status:    StatusConnected,
			Account:   &Account{Address: result.Account, ConnectorID: conn.ID()},
			Connector: conn.ID(),
			ChainID:   result.ChainID,
		}
	})
	afters := c.replayLocked(conn)
	state := c.State()
	c.applyMu.Unlock()

	for _, after := range afters {
		after()
	}
	if replaced != nil && replaced != conn {
		if err := replaced.Disconnect(ctx); err != nil {
			c.log.Warn("断开被替换的连接器失败", slog.String("connector", replaced.ID()), slog.Any("error", err))
		}
	}
	c.audit.Info("钱包已连接",
		slog.String("connector", conn.ID()),
		slog.String("address", result.Account.Hex()),
		slog.Uint64("chain_id", result.ChainID),
		slog.String("reason", string(reason)))
	return state, nil
}

// Disconnect disconnects the active connector and clears the state. When a
// provider disconnect event races with this call the later one wins; both
// leave the client disconnected and the second is a no-op. The connector's
// own Disconnect error is returned after the state is cleared.
func (c *Client) Disconnect(ctx context.Context) error {
	c.applyMu.Lock()
	conn := c.active
	c.applyMu.Unlock()

	var disconnectErr error
	if conn != nil {
		disconnectErr = conn.Disconnect(ctx)
	}

	c.applyMu.Lock()
	if c.active != conn {
		// Another connector became active while this one was released.
		c.applyMu.Unlock()
		return disconnectErr
	}
	c.detachLocked()
	change, changed := c.apply(ReasonDisconnect, func(State) State { return disconnectedState() })
	c.applyMu.Unlock()

	if changed && change.Previous.Connector != "" {
		c.audit.Info("钱包已断开",
			slog.String("connector", change.Previous.Connector),
			slog.String("reason", string(ReasonDisconnect)))
	}
	if disconnectErr != nil {
		return connector.Classify(disconnectErr, "断开连接器失败")
	}
	return nil
}

// SwitchNetwork asks the active connector to change chains. It fails with an
// UNSUPPORTED_CHAIN error when the connector cannot switch or the chain is not
// configured; the state is unchanged on failure.
func (c *Client) SwitchNetwork(ctx context.Context, chainID uint64) (chain.Network, error) {
	if chainID == 0 {
		return chain.Network{}, xerrors.New(xerrors.CodeInvalidArgument, "链 ID 不能为 0")
	}
	c.applyMu.Lock()
	conn := c.active
	connected := c.State().Connected()
	c.applyMu.Unlock()
	if conn == nil || !connected {
		return chain.Network{}, connector.ErrNotConnected
	}

	switcher, ok := conn.(connector.Switcher)
	if !ok {
		return chain.Network{}, xerrors.New(xerrors.CodeUnsupportedChain,
			fmt.Sprintf("连接器 %s 不支持切换网络", conn.ID()),
			xerrors.WithMetadata("connector", conn.ID()))
	}
	configured, known := chain.Network{}, true
	if c.chains != nil {
		configured, known = c.chains.Network(chainID)
	}
	if !known {
		return chain.Network{}, xerrors.New(xerrors.CodeUnsupportedChain,
			fmt.Sprintf("未配置的链 %d", chainID),
			xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
	}

	network, err := switcher.SwitchNetwork(ctx, chainID)
	if err != nil {
		return chain.Network{}, err
	}
	if configured.ID != 0 {
		network = configured
	}

	c.applyMu.Lock()
	if c.active == conn {
		c.apply(ReasonSwitchNetwork, func(s State) State {
			if s.Connected() {
				s.ChainID = chainID
			}
			return s
		})
	}
	c.applyMu.Unlock()
	return network, nil
}

// AutoConnect restores the persisted session: the connector it names is
// reconnected silently when the wallet still authorizes it, otherwise the
// client becomes disconnected and the session is dropped. Without a session,
// and with the authorized probe enabled, the first authorized connector is
// connected.
func (c *Client) AutoConnect(ctx context.Context) (State, error) {
	if !c.connecting.CompareAndSwap(false, true) {
		return State{}, ErrAlreadyConnecting
	}
	defer c.connecting.Store(false)

	c.applyMu.Lock()
	resume := c.resumeFrom
	c.resumeFrom = ""
	c.applyMu.Unlock()

	if resume != "" {
		conn, err := c.connectors.Get(resume)
		if err == nil && conn.Ready() {
			authorized, authErr := conn.IsAuthorized(ctx)
			if authErr != nil {
				c.log.Warn("检查连接器授权失败", slog.String("connector", resume), slog.Any("error", authErr))
			}
			if authorized {
				state, err := c.connect(ctx, conn, ReasonReconnect)
				if err == nil {
					return state, nil
				}
				c.log.Warn("自动重连失败", slog.String("connector", resume), slog.Any("error", err))
			}
		}
		c.applyMu.Lock()
		c.apply(ReasonReconnect, func(s State) State {
			if s.Status == StatusReconnecting {
				return disconnectedState()
			}
			return s
		})
		state := c.State()
		c.applyMu.Unlock()
		return state, nil
	}

	if !c.probe {
		return c.State(), nil
	}
	candidates, err := c.connectors.Authorized(ctx)
	if err != nil {
		return c.State(), err
	}
	for _, conn := range candidates {
		state, err := c.connect(ctx, conn, ReasonReconnect)
		if err == nil {
			return state, nil
		}
		c.log.Warn("自动连接失败", slog.String("connector", conn.ID()), slog.Any("error", err))
	}
	return c.State(), nil
}
