package actions

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
)

// WatchAccount calls fn whenever the account, its connector or the status
// changes. fn runs on the transition goroutine and must not call mutating
// client methods synchronously.
func WatchAccount(c *client.Client, fn func(AccountResult)) connector.Unsubscribe {
	return watchState(c, accountOf, AccountResult.equal, fn)
}

// WatchNetwork calls fn whenever the active chain changes.
func WatchNetwork(c *client.Client, fn func(NetworkResult)) connector.Unsubscribe {
	chains := c.Chains()
	selector := func(s client.State) NetworkResult { return networkOf(chains, s) }
	return watchState(c, selector, func(a, b NetworkResult) bool {
		return chainIDOf(a) == chainIDOf(b)
	}, fn)
}

func chainIDOf(n NetworkResult) uint64 {
	if n.Chain == nil {
		return 0
	}
	return n.Chain.ID
}

// WatchSigner fetches the signer now and again whenever the connector,
// account or chain changes. fn receives a nil signer while disconnected.
// Fetches run on a dedicated goroutine until ctx ends or the watcher is
// unsubscribed.
func WatchSigner(ctx context.Context, c *client.Client, fn func(connector.Signer, error)) connector.Unsubscribe {
	r := startRefresher(ctx, 0, func(ctx context.Context) {
		fn(FetchSigner(ctx, c))
	})
	unsub := watchState(c, signerKeyOf, func(a, b signerKey) bool { return a == b }, func(signerKey) {
		r.poke()
	})
	r.poke()
	return func() {
		unsub()
		r.close()
	}
}

type signerKey struct {
	connected bool
	connector string
	address   common.Address
	chainID   uint64
}

func signerKeyOf(s client.State) signerKey {
	key := signerKey{connected: s.Connected(), connector: s.Connector, chainID: s.ChainID}
	if s.Account != nil {
		key.address = s.Account.Address
	}
	return key
}

// WatchBalance fetches the balance of address now, whenever the active chain
// or connection changes, and every interval when interval is positive.
func WatchBalance(ctx context.Context, c *client.Client, address common.Address, interval time.Duration, fn func(Balance, error), opts ...BalanceOption) connector.Unsubscribe {
	r := startRefresher(ctx, interval, func(ctx context.Context) {
		fn(FetchBalance(ctx, c, address, opts...))
	})
	unsub := watchState(c, signerKeyOf, func(a, b signerKey) bool {
		return a.chainID == b.chainID && a.connected == b.connected && a.connector == b.connector
	}, func(signerKey) {
		r.poke()
	})
	r.poke()
	return func() {
		unsub()
		r.close()
	}
}

// watchState calls fn with the selected value each time it differs from the
// last one delivered.
func watchState[T any](c *client.Client, selector func(client.State) T, equal func(T, T) bool, fn func(T)) connector.Unsubscribe {
	var (
		mu    sync.Mutex
		last  T
		ready bool
	)
	unsub := c.Subscribe(func(change client.Change) {
		next := selector(change.Next)
		mu.Lock()
		if !ready {
			last, ready = selector(change.Previous), true
		}
		if equal(last, next) {
			mu.Unlock()
			return
		}
		last = next
		mu.Unlock()
		fn(next)
	})

	mu.Lock()
	if !ready {
		last, ready = selector(c.State()), true
	}
	mu.Unlock()
	return unsub
}

// refresher runs fetch on its own goroutine when poked, coalescing pokes
// that arrive while a fetch is running.
type refresher struct {
	trigger chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func startRefresher(ctx context.Context, interval time.Duration, fetch func(context.Context)) *refresher {
	r := &refresher{trigger: make(chan struct{}, 1), stop: make(chan struct{})}
	go func() {
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-r.trigger:
			case <-tick:
			}
			select {
			case <-r.stop:
				return
			default:
			}
			fetch(ctx)
		}
	}()
	return r
}

func (r *refresher) poke() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *refresher) close() {
	r.once.Do(func() { close(r.stop) })
}
