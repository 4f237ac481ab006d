package actions

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
	"WalletBridge/internal/wallet"
)

const (
	simulatedChainID = 1337
	mirrorChainID    = 31337
)

var oneEther = big.NewInt(1_000_000_000_000_000_000)

// countingProvider records how often transactions reach the wallet.
type countingProvider struct {
	*wallet.Local
	mu    sync.Mutex
	sends int
}

func (p *countingProvider) SendTransaction(ctx context.Context, from common.Address, req connector.TransactionRequest) (common.Hash, error) {
	p.mu.Lock()
	p.sends++
	p.mu.Unlock()
	return p.Local.SendTransaction(ctx, from, req)
}

func (p *countingProvider) sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends
}

type harness struct {
	client   *client.Client
	backend  *simulated.Backend
	provider *countingProvider
	chains   *chain.Registry
	from     common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(oneEther, big.NewInt(100))},
	})
	t.Cleanup(func() { _ = backend.Close() })

	chains, err := chain.NewRegistry([]chain.Network{
		{ID: simulatedChainID, Name: "Simulated", NativeCurrency: chain.DefaultCurrency},
		{ID: mirrorChainID, Name: "Mirror", NativeCurrency: chain.NativeCurrency{Name: "Mirror Ether", Symbol: "mETH", Decimals: 18}},
	})
	if err != nil {
		t.Fatalf("chain registry: %v", err)
	}
	for _, id := range []uint64{simulatedChainID, mirrorChainID} {
		if err := chains.Register(id, backend.Client()); err != nil {
			t.Fatalf("register backend: %v", err)
		}
	}

	local, err := wallet.NewLocal(simulatedChainID, []*ecdsa.PrivateKey{key}, wallet.WithRegistry(chains))
	if err != nil {
		t.Fatalf("local wallet: %v", err)
	}
	provider := &countingProvider{Local: local}
	injected := connector.NewInjected(provider, connector.WithID("local"), connector.WithName("Local Wallet"))
	t.Cleanup(injected.Close)

	connectors, err := connector.NewRegistry(injected)
	if err != nil {
		t.Fatalf("connector registry: %v", err)
	}
	c, err := client.New(context.Background(), connectors, chains, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)

	return &harness{client: c, backend: backend, provider: provider, chains: chains, from: from}
}

func (h *harness) connect(t *testing.T) ConnectResult {
	t.Helper()
	result, err := Connect(context.Background(), h.client, "local")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return result
}

func TestConnectAndGetAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if account := GetAccount(h.client); !account.IsDisconnected() || account.Address != nil {
		t.Fatalf("unexpected account before connect %+v", account)
	}
	if signer, err := FetchSigner(context.Background(), h.client); signer != nil || err != nil {
		t.Fatalf("expected no signer while disconnected, got %v, %v", signer, err)
	}

	result := h.connect(t)
	if result.Account != h.from || result.Connector != "local" || result.Chain.ID != simulatedChainID || result.Chain.Unsupported {
		t.Fatalf("unexpected connect result %+v", result)
	}

	account := GetAccount(h.client)
	if !account.IsConnected() || account.Address == nil || *account.Address != h.from {
		t.Fatalf("unexpected account %+v", account)
	}
	network := GetNetwork(h.client)
	if network.Chain == nil || network.Chain.Name != "Simulated" || len(network.Chains) != 2 {
		t.Fatalf("unexpected network %+v", network)
	}

	signer, err := FetchSigner(context.Background(), h.client)
	if err != nil || signer == nil || signer.Address() != h.from {
		t.Fatalf("unexpected signer %v, %v", signer, err)
	}

	if err := Disconnect(context.Background(), h.client); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if account := GetAccount(h.client); !account.IsDisconnected() {
		t.Fatalf("expected disconnected, got %+v", account)
	}
}

func TestSendTransactionRequiresConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	_, err := SendTransaction(context.Background(), h.client, connector.TransactionRequest{To: &to, Value: oneEther})
	if !errors.Is(err, connector.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if h.provider.sent() != 0 {
		t.Fatal("no provider call may happen while disconnected")
	}
}

func TestSendTransactionAndWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	if _, err := SendTransaction(ctx, h.client, connector.TransactionRequest{To: &to, Value: oneEther}, RequireChain(1)); xerrors.CodeOf(err) != xerrors.CodeUnsupportedChain {
		t.Fatalf("expected chain mismatch to be rejected, got %v", err)
	}

	pending, err := SendTransaction(ctx, h.client, connector.TransactionRequest{To: &to, Value: oneEther},
		RequireChain(simulatedChainID), WithReceiptInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("send transaction: %v", err)
	}
	if pending.From != h.from || pending.ChainID != simulatedChainID {
		t.Fatalf("unexpected pending transaction %+v", pending)
	}
	h.backend.Commit()

	receipt, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful || receipt.TxHash != pending.Hash {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	balance, err := FetchBalance(ctx, h.client, to)
	if err != nil {
		t.Fatalf("fetch balance: %v", err)
	}
	if balance.Value.Cmp(oneEther) != 0 || balance.Formatted != "1" || balance.Symbol != "ETH" {
		t.Fatalf("unexpected recipient balance %+v", balance)
	}
}

func TestSendTransactionInsufficientFunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	value := new(big.Int).Mul(oneEther, big.NewInt(1_000_000))
	_, err := SendTransaction(context.Background(), h.client, connector.TransactionRequest{To: &to, Value: value})
	if !errors.Is(err, connector.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	coded, ok := xerrors.From(err)
	if !ok {
		t.Fatalf("expected coded error, got %T", err)
	}
	meta := coded.Metadata()
	if meta["required"] != value.String() {
		t.Fatalf("unexpected required amount %q", meta["required"])
	}
	if meta["balance"] != new(big.Int).Mul(oneEther, big.NewInt(100)).String() {
		t.Fatalf("unexpected balance context %q", meta["balance"])
	}
}

func TestFetchBalanceWithoutConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	balance, err := FetchBalance(context.Background(), h.client, h.from)
	if err != nil {
		t.Fatalf("fetch balance: %v", err)
	}
	if balance.Formatted != "100" || balance.Decimals != 18 {
		t.Fatalf("unexpected balance %+v", balance)
	}

	mirror, err := FetchBalance(context.Background(), h.client, h.from, OnChain(mirrorChainID))
	if err != nil {
		t.Fatalf("fetch mirror balance: %v", err)
	}
	if mirror.Symbol != "mETH" {
		t.Fatalf("expected the chain's native currency, got %+v", mirror)
	}

	_, err = FetchBalance(context.Background(), h.client, h.from, OnChain(42))
	if xerrors.CodeOf(err) != xerrors.CodeRPCFailure {
		t.Fatalf("expected RPC_FAILURE for an unknown chain, got %v", err)
	}
}

func TestSwitchNetworkAndWatchers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accounts := make(chan AccountResult, 8)
	unsubAccount := WatchAccount(h.client, func(a AccountResult) { accounts <- a })
	defer unsubAccount()
	networks := make(chan NetworkResult, 8)
	unsubNetwork := WatchNetwork(h.client, func(n NetworkResult) { networks <- n })
	defer unsubNetwork()
	signers := make(chan connector.Signer, 8)
	unsubSigner := WatchSigner(ctx, h.client, func(s connector.Signer, err error) {
		if err == nil {
			signers <- s
		}
	})
	defer unsubSigner()

	if s := waitFor(t, signers); s != nil {
		t.Fatalf("expected nil signer before connect, got %v", s)
	}

	h.connect(t)
	if a := waitFor(t, accounts); !a.IsConnecting() {
		t.Fatalf("expected connecting first, got %+v", a)
	}
	if a := waitFor(t, accounts); !a.IsConnected() || *a.Address != h.from {
		t.Fatalf("expected connected account, got %+v", a)
	}
	if n := waitFor(t, networks); n.Chain == nil || n.Chain.ID != simulatedChainID {
		t.Fatalf("unexpected network %+v", n)
	}

	if _, err := SwitchNetwork(ctx, h.client, 999999); !errors.Is(err, connector.ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
	if id := h.client.State().ChainID; id != simulatedChainID {
		t.Fatalf("chain id changed after failed switch: %d", id)
	}

	network, err := SwitchNetwork(ctx, h.client, mirrorChainID)
	if err != nil {
		t.Fatalf("switch network: %v", err)
	}
	if network.Name != "Mirror" {
		t.Fatalf("unexpected network %+v", network)
	}
	if n := waitFor(t, networks); n.Chain.ID != mirrorChainID || n.Chain.NativeCurrency.Symbol != "mETH" {
		t.Fatalf("unexpected network after switch %+v", n)
	}
	select {
	case n := <-networks:
		t.Fatalf("switch must notify network watchers once, got extra %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-signers:
			if s != nil && s.ChainID() == mirrorChainID {
				return
			}
		case <-deadline:
			t.Fatal("signer watcher did not follow the chain switch")
		}
	}
}

func TestWatchBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	balances := make(chan Balance, 8)
	unsub := WatchBalance(ctx, h.client, h.from, 0, func(b Balance, err error) {
		if err == nil {
			balances <- b
		}
	})
	defer unsub()

	if b := waitFor(t, balances); b.Formatted != "100" {
		t.Fatalf("unexpected initial balance %+v", b)
	}
	h.connect(t)
	if b := waitFor(t, balances); b.Symbol != "ETH" {
		t.Fatalf("unexpected balance after connect %+v", b)
	}
}

// tokenBackend answers ERC-20 calls; other methods are not used.
type tokenBackend struct {
	chain.Backend
	bytes32Symbol bool
}

func (b *tokenBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := erc20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(big.NewInt(1_234_500))
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	default:
		if b.bytes32Symbol {
			var raw [32]byte
			copy(raw[:], "MKR")
			return erc20Bytes32.Methods["symbol"].Outputs.Pack(raw)
		}
		return method.Outputs.Pack("USDC")
	}
}

func TestFetchTokenBalance(t *testing.T) {
	t.Parallel()

	chains, err := chain.NewRegistry([]chain.Network{{ID: 1, Name: "Ethereum"}, {ID: 2, Name: "Legacy"}})
	if err != nil {
		t.Fatalf("chain registry: %v", err)
	}
	if err := chains.Register(1, &tokenBackend{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := chains.Register(2, &tokenBackend{bytes32Symbol: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	connectors, _ := connector.NewRegistry()
	c, err := client.New(context.Background(), connectors, chains, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)

	token := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	owner := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	balance, err := FetchBalance(context.Background(), c, owner, OfToken(token))
	if err != nil {
		t.Fatalf("fetch token balance: %v", err)
	}
	if balance.Symbol != "USDC" || balance.Decimals != 6 || balance.Formatted != "1.2345" {
		t.Fatalf("unexpected token balance %+v", balance)
	}

	legacy, err := FetchBalance(context.Background(), c, owner, OfToken(token), OnChain(2))
	if err != nil {
		t.Fatalf("fetch legacy token balance: %v", err)
	}
	if legacy.Symbol != "MKR" {
		t.Fatalf("expected bytes32 symbol fallback, got %q", legacy.Symbol)
	}
}

func TestFormatUnits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		value    *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(0), 18, "0"},
		{oneEther, 18, "1"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(1_500_000), 6, "1.5"},
		{big.NewInt(-2_500), 3, "-2.5"},
		{big.NewInt(42), 0, "42"},
		{nil, 18, "0"},
	}
	for _, tc := range cases {
		if got := FormatUnits(tc.value, tc.decimals); got != tc.want {
			t.Fatalf("FormatUnits(%v, %d) = %q, want %q", tc.value, tc.decimals, got, tc.want)
		}
	}
}

func TestChainInfoMarksUnsupported(t *testing.T) {
	t.Parallel()

	info := chainInfo(nil, 42)
	if !info.Unsupported || info.ID != 42 || info.NativeCurrency.Symbol != "ETH" {
		t.Fatalf("unexpected chain info %+v", info)
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watcher")
	}
	var zero T
	return zero
}

// offlineProvider signs and sends through the local wallet but cannot hand
// out an RPC backend.
type offlineProvider struct {
	*wallet.Local
}

func (offlineProvider) Backend(context.Context) (chain.Backend, error) {
	return nil, errors.New("provider offline")
}

func TestWaitReportsMissingBackend(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(oneEther, big.NewInt(10))},
	})
	t.Cleanup(func() { _ = backend.Close() })

	walletChains, err := chain.NewRegistry([]chain.Network{{ID: simulatedChainID, Name: "Simulated", NativeCurrency: chain.DefaultCurrency}})
	if err != nil {
		t.Fatalf("wallet chains: %v", err)
	}
	if err := walletChains.Register(simulatedChainID, backend.Client()); err != nil {
		t.Fatalf("register backend: %v", err)
	}
	local, err := wallet.NewLocal(simulatedChainID, []*ecdsa.PrivateKey{key}, wallet.WithRegistry(walletChains))
	if err != nil {
		t.Fatalf("local wallet: %v", err)
	}
	injected := connector.NewInjected(offlineProvider{local}, connector.WithID("local"))
	t.Cleanup(injected.Close)
	connectors, err := connector.NewRegistry(injected)
	if err != nil {
		t.Fatalf("connector registry: %v", err)
	}

	// The client knows no backend for the wallet's chain.
	clientChains, err := chain.NewRegistry([]chain.Network{{ID: mirrorChainID, Name: "Mirror", NativeCurrency: chain.DefaultCurrency}})
	if err != nil {
		t.Fatalf("client chains: %v", err)
	}
	c, err := client.New(context.Background(), connectors, clientChains, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(c.Close)
	if _, err := Connect(context.Background(), c, "local"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	pending, err := SendTransaction(context.Background(), c, connector.TransactionRequest{To: &to, Value: oneEther})
	if err != nil {
		t.Fatalf("send transaction: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = pending.Wait(ctx)
	if xerrors.CodeOf(err) != xerrors.CodeRPCFailure {
		t.Fatalf("expected RPC_FAILURE, got %v", err)
	}
	if !errors.Is(err, chain.ErrUnknownChain) {
		t.Fatalf("chain lookup failure should be kept in %v", err)
	}
	coded, _ := xerrors.From(err)
	if coded.Metadata()["hash"] != pending.Hash.Hex() {
		t.Fatalf("unexpected metadata %+v", coded.Metadata())
	}
}
