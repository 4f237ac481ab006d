package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
)

const simulatedChainID = 1337

var oneEther = big.NewInt(1_000_000_000_000_000_000)

func newSimulatedWallet(t *testing.T, opts ...LocalOption) (*Local, *simulated.Backend, *ecdsa.PrivateKey) {
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

	opts = append([]LocalOption{WithBackends(map[uint64]chain.Backend{simulatedChainID: backend.Client()})}, opts...)
	local, err := NewLocal(simulatedChainID, []*ecdsa.PrivateKey{key}, opts...)
	if err != nil {
		t.Fatalf("new local wallet: %v", err)
	}
	return local, backend, key
}

func TestLocalSendTransaction(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	local, backend, key := newSimulatedWallet(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	if _, err := local.SendTransaction(ctx, from, connector.TransactionRequest{To: &to, Value: oneEther}); err == nil {
		t.Fatal("expected unauthorized send to fail")
	}

	accounts, err := local.RequestAccounts(ctx)
	if err != nil {
		t.Fatalf("request accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != from {
		t.Fatalf("unexpected accounts %v", accounts)
	}

	hash, err := local.SendTransaction(ctx, from, connector.TransactionRequest{To: &to, Value: oneEther})
	if err != nil {
		t.Fatalf("send transaction: %v", err)
	}
	backend.Commit()

	receipt, err := backend.Client().TransactionReceipt(ctx, hash)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}
	balance, err := backend.Client().BalanceAt(ctx, to, nil)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(oneEther) != 0 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}
}

func TestLocalSendInsufficientFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	local, _, key := newSimulatedWallet(t, WithAuthorized(true))
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	value := new(big.Int).Mul(oneEther, big.NewInt(100_000))

	_, err := local.SendTransaction(ctx, crypto.PubkeyToAddress(key.PublicKey), connector.TransactionRequest{To: &to, Value: value})
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	if code := xerrors.CodeOf(connector.Classify(err, "send")); code != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds classification, got %s (%v)", code, err)
	}
}

func TestLocalApproverRejects(t *testing.T) {
	t.Parallel()

	local, _, _ := newSimulatedWallet(t, WithApprover(func(_ context.Context, req Request) error {
		if req.Method == "eth_requestAccounts" {
			return errors.New("user closed the prompt")
		}
		return nil
	}))

	_, err := local.RequestAccounts(context.Background())
	var providerErr *connector.ProviderError
	if !errors.As(err, &providerErr) || providerErr.Code != connector.CodeUserRejectedRequest {
		t.Fatalf("expected 4001 provider error, got %v", err)
	}
	accounts, _ := local.Accounts(context.Background())
	if len(accounts) != 0 {
		t.Fatalf("rejected request must not authorize, got %v", accounts)
	}
}

func TestLocalEmitsProviderEvents(t *testing.T) {
	t.Parallel()

	second, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	first, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	local, err := NewLocal(1, []*ecdsa.PrivateKey{first, second}, WithAuthorized(true),
		WithBackends(map[uint64]chain.Backend{1: nil, 10: nil}))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	events := make(chan connector.ProviderEvent, 8)
	sub := local.SubscribeEvents(events)
	defer sub.Unsubscribe()

	ctx := context.Background()
	secondAddr := crypto.PubkeyToAddress(second.PublicKey)
	if err := local.SelectAccount(secondAddr); err != nil {
		t.Fatalf("select account: %v", err)
	}
	if err := local.SwitchChain(ctx, 1); err != nil {
		t.Fatalf("switch to current chain: %v", err)
	}
	if err := local.SwitchChain(ctx, 10); err != nil {
		t.Fatalf("switch chain: %v", err)
	}
	err = local.SwitchChain(ctx, 999999)
	var providerErr *connector.ProviderError
	if !errors.As(err, &providerErr) || providerErr.Code != connector.CodeUnrecognizedChain {
		t.Fatalf("expected 4902, got %v", err)
	}
	local.Lock()
	local.Disconnect(errors.New("extension reloaded"))

	expect := func(name connector.EventName) connector.ProviderEvent {
		t.Helper()
		select {
		case ev := <-events:
			if ev.Name != name {
				t.Fatalf("unexpected event %s, want %s", ev.Name, name)
			}
			return ev
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", name)
		}
		return connector.ProviderEvent{}
	}

	if ev := expect(connector.EventAccountsChanged); len(ev.Accounts) != 2 || ev.Accounts[0] != secondAddr.Hex() {
		t.Fatalf("unexpected accounts payload %v", ev.Accounts)
	}
	if ev := expect(connector.EventChainChanged); ev.ChainID != "0xa" {
		t.Fatalf("unexpected chain payload %q", ev.ChainID)
	}
	if ev := expect(connector.EventAccountsChanged); len(ev.Accounts) != 0 {
		t.Fatalf("lock must announce no accounts, got %v", ev.Accounts)
	}
	if ev := expect(connector.EventDisconnect); ev.Err == nil {
		t.Fatal("expected disconnect reason")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestLoadKeystore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.NewAccount("secret")
	if err != nil {
		t.Fatalf("new account: %v", err)
	}

	keys, err := LoadKeystore(dir, "secret")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if len(keys) != 1 || crypto.PubkeyToAddress(keys[0].PublicKey) != account.Address {
		t.Fatalf("unexpected keys loaded from keystore")
	}
	if _, err := LoadKeystore(dir, "wrong"); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
}

func TestParseKeys(t *testing.T) {
	t.Parallel()

	keys, err := ParseKeys([]string{
		"0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		"",
	})
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if len(keys) != 1 || crypto.PubkeyToAddress(keys[0].PublicKey) != want {
		t.Fatalf("unexpected parsed keys")
	}
	if _, err := ParseKeys([]string{"zz"}); err == nil {
		t.Fatal("expected invalid key error")
	}
}
