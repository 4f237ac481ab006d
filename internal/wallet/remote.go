package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
	"WalletBridge/pkg/logger"
)

const defaultPollInterval = 2 * time.Second

// Remote is a wallet served over JSON-RPC, such as a desktop wallet exposing
// a local endpoint. Wallet events are not part of the JSON-RPC surface, so a
// poller watches eth_accounts and eth_chainId and reports changes.
type Remote struct {
	rpc      *gethrpc.Client
	eth      *ethclient.Client
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	feed     event.Feed

	mu       sync.Mutex
	accounts []common.Address
	chainID  uint64
	healthy  bool
	polling  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// RemoteOption customises a Remote wallet.
type RemoteOption func(*Remote)

// WithPollInterval sets how often account and chain changes are checked.
func WithPollInterval(interval time.Duration) RemoteOption {
	return func(r *Remote) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithRequestTimeout bounds each poll request.
func WithRequestTimeout(timeout time.Duration) RemoteOption {
	return func(r *Remote) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// DialRemote connects to a wallet endpoint.
func DialRemote(ctx context.Context, url string, opts ...RemoteOption) (*Remote, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("未配置远程钱包地址")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接远程钱包失败: %w", err)
	}
	return NewRemote(client, opts...), nil
}

// NewRemote wraps an established RPC client.
func NewRemote(client *gethrpc.Client, opts ...RemoteOption) *Remote {
	r := &Remote{
		rpc:      client,
		eth:      ethclient.NewClient(client),
		interval: defaultPollInterval,
		timeout:  5 * time.Second,
		log:      logger.Named("wallet.remote"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RequestAccounts implements connector.Provider.
func (r *Remote) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := r.rpc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, err
	}
	r.remember(accounts, 0)
	return accounts, nil
}

// Accounts implements connector.Provider.
func (r *Remote) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := r.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ChainID implements connector.Provider.
func (r *Remote) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := r.rpc.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}
	r.remember(nil, uint64(id))
	return uint64(id), nil
}

// SwitchChain implements connector.Provider.
func (r *Remote) SwitchChain(ctx context.Context, chainID uint64) error {
	params := map[string]string{"chainId": chain.FormatChainID(chainID)}
	return r.rpc.CallContext(ctx, nil, "wallet_switchEthereumChain", params)
}

type sendTxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
}

// SendTransaction implements connector.Provider via eth_sendTransaction; the
// wallet fills and signs the transaction.
func (r *Remote) SendTransaction(ctx context.Context, from common.Address, req connector.TransactionRequest) (common.Hash, error) {
	args := sendTxArgs{From: from, To: req.To}
	if req.Value != nil {
		args.Value = (*hexutil.Big)(req.Value)
	}
	if len(req.Data) > 0 {
		args.Data = req.Data
	}
	if req.Gas > 0 {
		gas := hexutil.Uint64(req.Gas)
		args.Gas = &gas
	}
	if req.GasTipCap != nil {
		args.MaxPriorityFeePerGas = (*hexutil.Big)(req.GasTipCap)
	}
	if req.GasFeeCap != nil {
		args.MaxFeePerGas = (*hexutil.Big)(req.GasFeeCap)
	}
	if req.Nonce != nil {
		nonce := hexutil.Uint64(*req.Nonce)
		args.Nonce = &nonce
	}

	var hash common.Hash
	if err := r.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Backend implements connector.Provider. The wallet endpoint also proxies
// ordinary chain reads.
func (r *Remote) Backend(context.Context) (chain.Backend, error) {
	return r.eth, nil
}

// SubscribeEvents implements connector.Provider and starts the poller on
// first use.
func (r *Remote) SubscribeEvents(ch chan<- connector.ProviderEvent) event.Subscription {
	sub := r.feed.Subscribe(ch)
	r.startPolling()
	return sub
}

// Close stops polling and closes the RPC connection.
func (r *Remote) Close() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.polling = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.rpc.Close()
}

func (r *Remote) remember(accounts []common.Address, chainID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if accounts != nil {
		r.accounts = append([]common.Address(nil), accounts...)
	}
	if chainID != 0 {
		r.chainID = chainID
	}
	r.healthy = true
}

func (r *Remote) startPolling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.polling {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.polling = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.poll(ctx)
			}
		}
	}()
}

func (r *Remote) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	accounts, err := r.Accounts(reqCtx)
	if err == nil {
		var id hexutil.Uint64
		err = r.rpc.CallContext(reqCtx, &id, "eth_chainId")
		if err == nil {
			r.observe(accounts, uint64(id))
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	wasHealthy := r.healthy
	r.healthy = false
	r.mu.Unlock()
	if wasHealthy {
		r.log.Warn("远程钱包连接中断", "error", err)
		r.feed.Send(connector.ProviderEvent{Name: connector.EventDisconnect, Err: err})
	}
}

func (r *Remote) observe(accounts []common.Address, chainID uint64) {
	r.mu.Lock()
	accountsChanged := !sameAccounts(r.accounts, accounts)
	chainChanged := r.chainID != 0 && r.chainID != chainID
	r.accounts = append([]common.Address(nil), accounts...)
	r.chainID = chainID
	r.healthy = true
	r.mu.Unlock()

	if chainChanged {
		r.feed.Send(connector.ProviderEvent{Name: connector.EventChainChanged, ChainID: chain.FormatChainID(chainID)})
	}
	if accountsChanged {
		r.feed.Send(connector.ProviderEvent{Name: connector.EventAccountsChanged, Accounts: hexAccounts(accounts)})
	}
}

func sameAccounts(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ connector.Provider = (*Remote)(nil)
