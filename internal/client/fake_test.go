package client

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
)

// fakeConnector is a scriptable wallet. Events fire synchronously on the
// calling goroutine.
type fakeConnector struct {
	id string

	mu          sync.Mutex
	account     common.Address
	chainID     uint64
	authorized  bool
	connectErr  error
	gate        chan struct{}
	entered     chan struct{}
	connects    int
	disconnects int

	accounts []func([]string)
	chains   []func(string)
	drops    []func(error)
}

func newFakeConnector(id string, account common.Address, chainID uint64) *fakeConnector {
	return &fakeConnector{id: id, account: account, chainID: chainID}
}

func (f *fakeConnector) ID() string              { return f.id }
func (f *fakeConnector) Name() string            { return f.id }
func (f *fakeConnector) Ready() bool             { return true }
func (f *fakeConnector) Chains() []chain.Network { return nil }

func (f *fakeConnector) Connect(ctx context.Context) (connector.ConnectResult, error) {
	f.mu.Lock()
	f.connects++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return connector.ConnectResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return connector.ConnectResult{}, f.connectErr
	}
	f.authorized = true
	return connector.ConnectResult{Account: f.account, ChainID: f.chainID}, nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConnector) GetAccount(context.Context) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authorized {
		return common.Address{}, connector.ErrNotConnected
	}
	return f.account, nil
}

func (f *fakeConnector) GetChainID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeConnector) GetProvider(context.Context) (chain.Backend, error) {
	return nil, connector.ErrNotConnected
}

func (f *fakeConnector) GetSigner(context.Context) (connector.Signer, error) {
	return nil, connector.ErrNotConnected
}

func (f *fakeConnector) IsAuthorized(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized, nil
}

func (f *fakeConnector) OnAccountsChanged(fn func([]string)) connector.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.accounts)
	f.accounts = append(f.accounts, fn)
	return func() {
		f.mu.Lock()
		f.accounts[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeConnector) OnChainChanged(fn func(string)) connector.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.chains)
	f.chains = append(f.chains, fn)
	return func() {
		f.mu.Lock()
		f.chains[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeConnector) OnDisconnect(fn func(error)) connector.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.drops)
	f.drops = append(f.drops, fn)
	return func() {
		f.mu.Lock()
		f.drops[idx] = nil
		f.mu.Unlock()
	}
}

func (f *fakeConnector) emitAccounts(accounts ...string) {
	f.mu.Lock()
	fns := make([]func([]string), len(f.accounts))
	copy(fns, f.accounts)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(accounts)
		}
	}
}

func (f *fakeConnector) emitChain(raw string) {
	f.mu.Lock()
	fns := make([]func(string), len(f.chains))
	copy(fns, f.chains)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(raw)
		}
	}
}

func (f *fakeConnector) emitDisconnect(err error) {
	f.mu.Lock()
	fns := make([]func(error), len(f.drops))
	copy(fns, f.drops)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(err)
		}
	}
}

func (f *fakeConnector) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fn := range f.accounts {
		if fn != nil {
			n++
		}
	}
	for _, fn := range f.chains {
		if fn != nil {
			n++
		}
	}
	for _, fn := range f.drops {
		if fn != nil {
			n++
		}
	}
	return n
}

// switchingConnector adds the network switch capability.
type switchingConnector struct {
	*fakeConnector
	supported map[uint64]bool
}

func (s *switchingConnector) SwitchNetwork(_ context.Context, id uint64) (chain.Network, error) {
	if !s.supported[id] {
		return chain.Network{}, connector.ErrUnsupportedChain
	}
	s.mu.Lock()
	changed := s.chainID != id
	s.chainID = id
	s.mu.Unlock()
	if changed {
		s.emitChain(chain.FormatChainID(id))
	}
	return chain.Network{ID: id}, nil
}

// walletProvider is a Provider whose account can change while the chain id
// is being read, the way a wallet UI may switch accounts mid-connect.
type walletProvider struct {
	feed event.Feed

	mu            sync.Mutex
	account       common.Address
	chainID       uint64
	switchOnChain *common.Address
}

func (p *walletProvider) RequestAccounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []common.Address{p.account}, nil
}

func (p *walletProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	return p.RequestAccounts(ctx)
}

func (p *walletProvider) ChainID(context.Context) (uint64, error) {
	p.mu.Lock()
	next := p.switchOnChain
	p.switchOnChain = nil
	if next != nil {
		p.account = *next
	}
	id := p.chainID
	p.mu.Unlock()

	if next != nil {
		p.feed.Send(connector.ProviderEvent{Name: connector.EventAccountsChanged, Accounts: []string{next.Hex()}})
	}
	return id, nil
}

func (p *walletProvider) SwitchChain(context.Context, uint64) error {
	return errors.New("not supported")
}

func (p *walletProvider) SendTransaction(context.Context, common.Address, connector.TransactionRequest) (common.Hash, error) {
	return common.Hash{}, errors.New("not supported")
}

func (p *walletProvider) Backend(context.Context) (chain.Backend, error) {
	return nil, errors.New("no backend")
}

func (p *walletProvider) SubscribeEvents(ch chan<- connector.ProviderEvent) event.Subscription {
	return p.feed.Subscribe(ch)
}

func (p *walletProvider) currentAccount() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}
