package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/connector"
	xerrors "WalletBridge/internal/errors"
	"WalletBridge/internal/storage"
	"WalletBridge/pkg/logger"
)

var (
	// ErrAlreadyConnecting 表示已有连接请求正在进行。
	ErrAlreadyConnecting = xerrors.New(xerrors.CodeAlreadyConnecting, "connection already in progress")
	// ErrAlreadyConnected 表示目标连接器已处于连接状态。
	ErrAlreadyConnected = xerrors.New(xerrors.CodeAlreadyConnected, "connector already connected")
	// ErrClosed 表示客户端已关闭。
	ErrClosed = xerrors.New(xerrors.CodeInvalidArgument, "client closed")
)

// Client is the single source of truth for the wallet connection.
//
// Transitions are serialized by applyMu: apply, persist and notify happen as
// one step. Readers use mu, so subscribers may call State from a callback,
// but must not call Connect, Disconnect or SwitchNetwork synchronously.
type Client struct {
	connectors *connector.Registry
	chains     *chain.Registry
	store      storage.Store
	storeKey   string
	probe      bool
	log        *slog.Logger
	audit      *slog.Logger

	applyMu    sync.Mutex
	active     connector.Connector
	detach     func()
	pending    connector.Connector
	queued     []bridgeEvent
	closed     bool
	resumeFrom string

	mu    sync.RWMutex
	state State

	connecting  atomic.Bool
	subscribers subscribers
	feed        event.Feed
}

// Option customises a Client.
type Option func(*Client)

// WithLogger overrides the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSessionKey changes the storage key of the persisted session.
func WithSessionKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.storeKey = key
		}
	}
}

// WithAuthorizedProbe makes AutoConnect fall back to the first connector the
// wallet already authorized when no session was persisted.
func WithAuthorizedProbe(enabled bool) Option {
	return func(c *Client) {
		c.probe = enabled
	}
}

// New builds a client. The persisted session, if any, is read once here; the
// client then starts as reconnecting until AutoConnect runs.
func New(ctx context.Context, connectors *connector.Registry, chains *chain.Registry, store storage.Store, opts ...Option) (*Client, error) {
	if connectors == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "连接器注册表不能为空")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	c := &Client{
		connectors: connectors,
		chains:     chains,
		store:      store,
		storeKey:   DefaultSessionKey,
		state:      disconnectedState(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = logger.Named("client")
	}
	c.audit = logger.Audit()

	snap, ok, err := LoadSnapshot(ctx, c.store, c.storeKey)
	if err != nil {
		c.log.Warn("读取会话快照失败，按未连接启动", slog.Any("error", err))
	}
	if ok {
		c.state = snap.State()
		if c.state.Status == StatusReconnecting {
			c.resumeFrom = snap.Connector
		}
	}
	return c, nil
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// Connectors returns the connector registry.
func (c *Client) Connectors() *connector.Registry { return c.connectors }

// Chains returns the chain registry; it may be nil.
func (c *Client) Chains() *chain.Registry { return c.chains }

// ActiveConnector returns the connector the state refers to, or nil.
func (c *Client) ActiveConnector() connector.Connector {
	state := c.State()
	if state.Connector == "" {
		return nil
	}
	conn, err := c.connectors.Get(state.Connector)
	if err != nil {
		return nil
	}
	return conn
}

// Subscribe calls fn after every transition, in transition order, on the
// goroutine that applied it.
func (c *Client) Subscribe(fn func(Change)) connector.Unsubscribe {
	return c.subscribers.add(fn)
}

// SubscribeChanges delivers every transition to ch. Sends block until the
// channel accepts them, so slow receivers stall transitions.
func (c *Client) SubscribeChanges(ch chan<- Change) event.Subscription {
	return c.feed.Subscribe(ch)
}

// Close detaches from the active connector and drops every callback
// subscriber. Provider events received afterwards are ignored.
func (c *Client) Close() {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.detachLocked()
	c.clearPendingLocked()
	c.subscribers.clear()
}

// apply computes the next state and, unless it equals the current one,
// stores, persists and announces it. Callers hold applyMu.
func (c *Client) apply(reason Reason, mutate func(State) State) (Change, bool) {
	c.mu.RLock()
	prev := c.state.clone()
	c.mu.RUnlock()

	next := mutate(prev.clone())
	if next.Equal(prev) {
		return Change{}, false
	}
	if !next.Valid() {
		c.log.Error("拒绝违反不变量的状态迁移",
			slog.String("reason", string(reason)),
			slog.String("status", string(next.Status)),
			slog.String("connector", next.Connector))
		return Change{}, false
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.persist(next)

	change := Change{
		ID:         uuid.New(),
		Previous:   prev,
		Next:       next.clone(),
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	c.subscribers.notify(change)
	c.feed.Send(change)
	return change, true
}

func (c *Client) persist(s State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := saveSnapshot(ctx, c.store, c.storeKey, s); err != nil {
		c.log.Warn("写入会话快照失败", slog.Any("error", err), slog.String("status", string(s.Status)))
	}
}

type subscribers struct {
	mu    sync.Mutex
	order []uuid.UUID
	fns   map[uuid.UUID]func(Change)
}

func (s *subscribers) add(fn func(Change)) connector.Unsubscribe {
	if fn == nil {
		return func() {}
	}
	id := uuid.New()
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[uuid.UUID]func(Change))
	}
	s.fns[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, candidate := range s.order {
				if candidate == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) notify(change Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (s *subscribers) clear() {
	s.mu.Lock()
	s.order = nil
	s.fns = nil
	s.mu.Unlock()
}
