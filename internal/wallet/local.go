package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
)

// Request describes an operation that needs the wallet owner's consent.
type Request struct {
	Method  string
	ChainID uint64
	From    common.Address
	Tx      *connector.TransactionRequest
}

// Approver decides on a request. Returning an error rejects it; the call may
// block for as long as the owner takes to answer.
type Approver func(ctx context.Context, req Request) error

// BackendResolver returns the RPC backend for a chain.
type BackendResolver func(ctx context.Context, chainID uint64) (chain.Backend, error)

// Local is an in-process wallet holding private keys. It behaves like a
// browser-injected provider: access must be requested, and account or chain
// changes made through its methods are announced as provider events.
type Local struct {
	mu         sync.Mutex
	keys       map[common.Address]*ecdsa.PrivateKey
	order      []common.Address
	authorized bool
	chainID    uint64
	resolve    BackendResolver
	approve    Approver
	feed       event.Feed
}

// LocalOption customises a Local wallet.
type LocalOption func(*Local)

// WithApprover installs the consent prompt. Without one every request is
// approved.
func WithApprover(approve Approver) LocalOption {
	return func(l *Local) {
		l.approve = approve
	}
}

// WithBackends serves chains from a fixed backend map.
func WithBackends(backends map[uint64]chain.Backend) LocalOption {
	return func(l *Local) {
		copied := make(map[uint64]chain.Backend, len(backends))
		for id, b := range backends {
			copied[id] = b
		}
		l.resolve = func(_ context.Context, id uint64) (chain.Backend, error) {
			b, ok := copied[id]
			if !ok {
				return nil, fmt.Errorf("%w: %d", chain.ErrUnknownChain, id)
			}
			return b, nil
		}
	}
}

// WithRegistry serves chains from a chain registry.
func WithRegistry(registry *chain.Registry) LocalOption {
	return func(l *Local) {
		l.resolve = registry.Backend
	}
}

// WithAuthorized marks the wallet as already trusting the application, as a
// browser wallet does for sites approved in an earlier session.
func WithAuthorized(authorized bool) LocalOption {
	return func(l *Local) {
		l.authorized = authorized
	}
}

// NewLocal creates a wallet on chainID holding keys. The first key is the
// selected account.
func NewLocal(chainID uint64, keys []*ecdsa.PrivateKey, opts ...LocalOption) (*Local, error) {
	if chainID == 0 {
		return nil, errors.New("本地钱包需要指定链 ID")
	}
	if len(keys) == 0 {
		return nil, errors.New("本地钱包至少需要一个私钥")
	}
	l := &Local{
		keys:    make(map[common.Address]*ecdsa.PrivateKey, len(keys)),
		chainID: chainID,
	}
	for _, key := range keys {
		if key == nil {
			return nil, errors.New("私钥不能为空")
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, ok := l.keys[addr]; ok {
			continue
		}
		l.keys[addr] = key
		l.order = append(l.order, addr)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.resolve == nil {
		l.resolve = func(_ context.Context, id uint64) (chain.Backend, error) {
			return nil, fmt.Errorf("%w: %d", chain.ErrUnknownChain, id)
		}
	}
	return l, nil
}

// RequestAccounts implements connector.Provider.
func (l *Local) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := l.ask(ctx, Request{Method: "eth_requestAccounts", ChainID: l.currentChain()}); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized = true
	return append([]common.Address(nil), l.order...), nil
}

// Accounts implements connector.Provider.
func (l *Local) Accounts(context.Context) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.authorized {
		return []common.Address{}, nil
	}
	return append([]common.Address(nil), l.order...), nil
}

// ChainID implements connector.Provider.
func (l *Local) ChainID(context.Context) (uint64, error) {
	return l.currentChain(), nil
}

// SwitchChain implements connector.Provider. Chains without a backend are
// reported as unrecognized.
func (l *Local) SwitchChain(ctx context.Context, chainID uint64) error {
	if _, err := l.resolve(ctx, chainID); err != nil {
		return &connector.ProviderError{Code: connector.CodeUnrecognizedChain, Message: fmt.Sprintf("Unrecognized chain ID %s", chain.FormatChainID(chainID))}
	}
	if err := l.ask(ctx, Request{Method: "wallet_switchEthereumChain", ChainID: chainID}); err != nil {
		return err
	}
	l.mu.Lock()
	changed := l.chainID != chainID
	l.chainID = chainID
	l.mu.Unlock()
	if changed {
		l.feed.Send(connector.ProviderEvent{Name: connector.EventChainChanged, ChainID: chain.FormatChainID(chainID)})
	}
	return nil
}

// SendTransaction fills, signs and broadcasts the request from the given
// account.
func (l *Local) SendTransaction(ctx context.Context, from common.Address, req connector.TransactionRequest) (common.Hash, error) {
	l.mu.Lock()
	key, ok := l.keys[from]
	authorized := l.authorized
	chainID := l.chainID
	l.mu.Unlock()
	if !authorized || !ok {
		return common.Hash{}, &connector.ProviderError{Code: connector.CodeUnauthorized, Message: "The requested account has not been authorized"}
	}

	if err := l.ask(ctx, Request{Method: "eth_sendTransaction", ChainID: chainID, From: from, Tx: &req}); err != nil {
		return common.Hash{}, err
	}

	backend, err := l.resolve(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := fillTransaction(ctx, backend, chainID, from, req)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chain.BigID(chainID)), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// Backend implements connector.Provider.
func (l *Local) Backend(ctx context.Context) (chain.Backend, error) {
	return l.resolve(ctx, l.currentChain())
}

// SubscribeEvents implements connector.Provider.
func (l *Local) SubscribeEvents(ch chan<- connector.ProviderEvent) event.Subscription {
	return l.feed.Subscribe(ch)
}

// SelectAccount makes addr the active account, as a user picking another
// account in the wallet UI.
func (l *Local) SelectAccount(addr common.Address) error {
	l.mu.Lock()
	if _, ok := l.keys[addr]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("钱包中不存在账户 %s", addr.Hex())
	}
	if l.order[0] == addr {
		l.mu.Unlock()
		return nil
	}
	reordered := []common.Address{addr}
	for _, a := range l.order {
		if a != addr {
			reordered = append(reordered, a)
		}
	}
	l.order = reordered
	authorized := l.authorized
	accounts := hexAccounts(reordered)
	l.mu.Unlock()

	if authorized {
		l.feed.Send(connector.ProviderEvent{Name: connector.EventAccountsChanged, Accounts: accounts})
	}
	return nil
}

// Lock revokes the application's access, which wallets announce as an empty
// account list.
func (l *Local) Lock() {
	l.mu.Lock()
	wasAuthorized := l.authorized
	l.authorized = false
	l.mu.Unlock()
	if wasAuthorized {
		l.feed.Send(connector.ProviderEvent{Name: connector.EventAccountsChanged, Accounts: []string{}})
	}
}

// Disconnect announces that the wallet lost its connection.
func (l *Local) Disconnect(reason error) {
	l.feed.Send(connector.ProviderEvent{Name: connector.EventDisconnect, Err: reason})
}

func (l *Local) currentChain() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainID
}

func (l *Local) ask(ctx context.Context, req Request) error {
	if l.approve == nil {
		return nil
	}
	if err := l.approve(ctx, req); err != nil {
		var providerErr *connector.ProviderError
		if errors.As(err, &providerErr) {
			return err
		}
		return &connector.ProviderError{Code: connector.CodeUserRejectedRequest, Message: err.Error()}
	}
	return nil
}

func fillTransaction(ctx context.Context, backend chain.Backend, chainID uint64, from common.Address, req connector.TransactionRequest) (*coretypes.Transaction, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		n, err := backend.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("查询 nonce 失败: %w", err)
		}
		nonce = n
	}

	tipCap := req.GasTipCap
	if tipCap == nil {
		tip, err := backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("查询小费失败: %w", err)
		}
		tipCap = tip
	}

	feeCap := req.GasFeeCap
	if feeCap == nil {
		head, err := backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("查询最新区块失败: %w", err)
		}
		feeCap = new(big.Int).Set(tipCap)
		if head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
	}

	gas := req.Gas
	if gas == 0 {
		estimated, err := backend.EstimateGas(ctx, gethcore.CallMsg{
			From:      from,
			To:        req.To,
			Value:     value,
			Data:      req.Data,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
		})
		if err != nil {
			return nil, fmt.Errorf("估算 gas 失败: %w", err)
		}
		gas = estimated
	}

	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chain.BigID(chainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
	}), nil
}

func hexAccounts(accounts []common.Address) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Hex()
	}
	return out
}

var _ connector.Provider = (*Local)(nil)
