package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"WalletBridge/internal/chain"
	xerrors "WalletBridge/internal/errors"
	"WalletBridge/pkg/logger"
)

// Injected connects through an EIP-1193 style provider, either an in-process
// wallet or a remote one reached over JSON-RPC.
type Injected struct {
	id       string
	name     string
	provider Provider
	chains   []chain.Network
	log      *slog.Logger

	accountsChanged emitter[[]string]
	chainChanged    emitter[string]
	disconnected    emitter[error]

	mu     sync.Mutex
	sub    event.Subscription
	events chan ProviderEvent
	done   chan struct{}
}

// InjectedOption customises an Injected connector.
type InjectedOption func(*Injected)

// WithID sets the connector id used for registry lookups and persistence.
func WithID(id string) InjectedOption {
	return func(c *Injected) {
		if id != "" {
			c.id = id
		}
	}
}

// WithName sets the human readable connector name.
func WithName(name string) InjectedOption {
	return func(c *Injected) {
		if name != "" {
			c.name = name
		}
	}
}

// WithChains restricts the networks the connector may switch to.
func WithChains(networks ...chain.Network) InjectedOption {
	return func(c *Injected) {
		c.chains = make([]chain.Network, 0, len(networks))
		for _, n := range networks {
			c.chains = append(c.chains, n.Clone())
		}
	}
}

// WithLogger overrides the connector logger.
func WithLogger(log *slog.Logger) InjectedOption {
	return func(c *Injected) {
		if log != nil {
			c.log = log
		}
	}
}

// NewInjected wraps the provider.
func NewInjected(provider Provider, opts ...InjectedOption) *Injected {
	c := &Injected{
		id:       "injected",
		name:     "Injected",
		provider: provider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("connector").With("connector", c.id)
	}
	return c
}

// ID implements Connector.
func (c *Injected) ID() string { return c.id }

// Name implements Connector.
func (c *Injected) Name() string { return c.name }

// Ready reports whether a provider is available.
func (c *Injected) Ready() bool { return c.provider != nil }

// Chains returns the networks the connector is restricted to, if any.
func (c *Injected) Chains() []chain.Network {
	out := make([]chain.Network, 0, len(c.chains))
	for _, n := range c.chains {
		out = append(out, n.Clone())
	}
	return out
}

// Connect requests account access and reports the active account and chain.
func (c *Injected) Connect(ctx context.Context) (ConnectResult, error) {
	if !c.Ready() {
		return ConnectResult{}, xerrors.New(xerrors.CodeNotFound, "未检测到钱包 provider")
	}
	c.listen()

	accounts, err := c.provider.RequestAccounts(ctx)
	if err != nil {
		c.stop()
		return ConnectResult{}, Classify(err, "请求账户授权失败")
	}
	if len(accounts) == 0 {
		c.stop()
		return ConnectResult{}, xerrors.New(xerrors.CodeNotConnected, "钱包未返回任何账户")
	}
	chainID, err := c.provider.ChainID(ctx)
	if err != nil {
		c.stop()
		return ConnectResult{}, Classify(err, "获取链 ID 失败")
	}
	return ConnectResult{Account: accounts[0], ChainID: chainID}, nil
}

// Disconnect stops relaying provider events. Wallet providers keep their own
// authorization; there is nothing to revoke on the provider side.
func (c *Injected) Disconnect(context.Context) error {
	c.stop()
	return nil
}

// GetAccount returns the first authorized account.
func (c *Injected) GetAccount(ctx context.Context) (common.Address, error) {
	if !c.Ready() {
		return common.Address{}, ErrNotConnected
	}
	accounts, err := c.provider.Accounts(ctx)
	if err != nil {
		return common.Address{}, Classify(err, "获取账户失败")
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNotConnected
	}
	return accounts[0], nil
}

// GetChainID returns the wallet's current chain.
func (c *Injected) GetChainID(ctx context.Context) (uint64, error) {
	if !c.Ready() {
		return 0, ErrNotConnected
	}
	id, err := c.provider.ChainID(ctx)
	if err != nil {
		return 0, Classify(err, "获取链 ID 失败")
	}
	return id, nil
}

// GetProvider returns the RPC backend for the wallet's current chain.
func (c *Injected) GetProvider(ctx context.Context) (chain.Backend, error) {
	if !c.Ready() {
		return nil, ErrNotConnected
	}
	backend, err := c.provider.Backend(ctx)
	if err != nil {
		return nil, Classify(err, "获取链后端失败")
	}
	return backend, nil
}

// GetSigner returns a signer bound to the active account and chain.
func (c *Injected) GetSigner(ctx context.Context) (Signer, error) {
	account, err := c.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return nil, err
	}
	return &injectedSigner{provider: c.provider, from: account, chainID: chainID}, nil
}

// IsAuthorized reports whether the wallet already granted account access.
func (c *Injected) IsAuthorized(ctx context.Context) (bool, error) {
	if !c.Ready() {
		return false, nil
	}
	accounts, err := c.provider.Accounts(ctx)
	if err != nil {
		return false, Classify(err, "检查钱包授权失败")
	}
	return len(accounts) > 0, nil
}

// SwitchNetwork asks the wallet to change chains.
func (c *Injected) SwitchNetwork(ctx context.Context, chainID uint64) (chain.Network, error) {
	if !c.Ready() {
		return chain.Network{}, ErrNotConnected
	}
	target := chain.Network{ID: chainID, Name: fmt.Sprintf("Chain %d", chainID), NativeCurrency: chain.DefaultCurrency}
	if len(c.chains) > 0 {
		found := false
		for _, n := range c.chains {
			if n.ID == chainID {
				target = n.Clone()
				found = true
				break
			}
		}
		if !found {
			return chain.Network{}, xerrors.New(xerrors.CodeUnsupportedChain,
				fmt.Sprintf("连接器 %s 不支持链 %d", c.id, chainID),
				xerrors.WithMetadata("chain_id", fmt.Sprint(chainID)))
		}
	}
	if err := c.provider.SwitchChain(ctx, chainID); err != nil {
		return chain.Network{}, Classify(err, "切换网络失败")
	}
	return target, nil
}

// OnAccountsChanged implements Connector.
func (c *Injected) OnAccountsChanged(fn func([]string)) Unsubscribe {
	return c.accountsChanged.on(fn)
}

// OnChainChanged implements Connector.
func (c *Injected) OnChainChanged(fn func(string)) Unsubscribe {
	return c.chainChanged.on(fn)
}

// OnDisconnect implements Connector.
func (c *Injected) OnDisconnect(fn func(error)) Unsubscribe {
	return c.disconnected.on(fn)
}

// Close stops the event relay and drops every listener.
func (c *Injected) Close() {
	c.stop()
	c.accountsChanged.clear()
	c.chainChanged.clear()
	c.disconnected.clear()
}

func (c *Injected) listen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return
	}
	c.events = make(chan ProviderEvent, 16)
	c.done = make(chan struct{})
	c.sub = c.provider.SubscribeEvents(c.events)
	go c.relay(c.sub, c.events, c.done)
}

func (c *Injected) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return
	}
	close(c.done)
	c.sub.Unsubscribe()
	c.sub = nil
	c.events = nil
	c.done = nil
}

func (c *Injected) relay(sub event.Subscription, events <-chan ProviderEvent, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case err, ok := <-sub.Err():
			if ok && err != nil {
				c.log.Warn("provider 事件订阅异常", "error", err)
			}
			return
		case ev := <-events:
			select {
			case <-done:
				return
			default:
			}
			c.dispatch(ev)
		}
	}
}

func (c *Injected) dispatch(ev ProviderEvent) {
	switch ev.Name {
	case EventAccountsChanged:
		c.accountsChanged.emit(append([]string(nil), ev.Accounts...))
	case EventChainChanged:
		c.chainChanged.emit(ev.ChainID)
	case EventDisconnect:
		c.disconnected.emit(ev.Err)
	default:
		c.log.Warn("忽略未知的 provider 事件", "event", string(ev.Name))
	}
}

type injectedSigner struct {
	provider Provider
	from     common.Address
	chainID  uint64
}

func (s *injectedSigner) Address() common.Address { return s.from }

func (s *injectedSigner) ChainID() uint64 { return s.chainID }

func (s *injectedSigner) SendTransaction(ctx context.Context, req TransactionRequest) (common.Hash, error) {
	hash, err := s.provider.SendTransaction(ctx, s.from, req)
	if err != nil {
		return common.Hash{}, Classify(err, "发送交易失败")
	}
	return hash, nil
}

var (
	_ Connector = (*Injected)(nil)
	_ Switcher  = (*Injected)(nil)
)
