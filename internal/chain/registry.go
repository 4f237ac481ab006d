package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrUnknownChain is returned when a chain id is not configured.
var ErrUnknownChain = errors.New("未配置的链")

// DialFunc opens a backend for a network.
type DialFunc func(ctx context.Context, network Network) (Backend, error)

// Registry manages the configured networks keyed by chain id and the RPC
// backends dialed for them.
type Registry struct {
	mu           sync.Mutex
	defaultChain uint64
	order        []uint64
	networks     map[uint64]Network
	backends     map[uint64]Backend
	dial         DialFunc
}

// RegistryOption customises a registry.
type RegistryOption func(*Registry)

// WithDialer overrides how backends are opened.
func WithDialer(dial DialFunc) RegistryOption {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// WithDefaultChain selects the chain used when callers do not specify one.
func WithDefaultChain(id uint64) RegistryOption {
	return func(r *Registry) {
		r.defaultChain = id
	}
}

// NewRegistry builds a registry from validated networks.
func NewRegistry(networks []Network, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		networks: make(map[uint64]Network, len(networks)),
		backends: make(map[uint64]Backend),
		dial: func(ctx context.Context, network Network) (Backend, error) {
			return Dial(ctx, network)
		},
	}
	for _, network := range networks {
		if network.ID == 0 {
			return nil, errors.New("链 ID 不能为 0")
		}
		if _, ok := r.networks[network.ID]; ok {
			return nil, fmt.Errorf("链 %d 重复注册", network.ID)
		}
		r.networks[network.ID] = network.Clone()
		r.order = append(r.order, network.ID)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.defaultChain == 0 && len(r.order) > 0 {
		r.defaultChain = r.order[0]
	}
	if r.defaultChain != 0 {
		if _, ok := r.networks[r.defaultChain]; !ok {
			return nil, fmt.Errorf("默认链 %d 未在配置中找到", r.defaultChain)
		}
	}
	return r, nil
}

// LoadRegistry reads chain definitions from disk and builds a registry.
func LoadRegistry(path string, defaultChain uint64, opts ...RegistryOption) (*Registry, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	networks, err := defs.Networks()
	if err != nil {
		return nil, err
	}
	if len(networks) == 0 {
		return nil, errors.New("未配置任何链")
	}
	if defaultChain == 0 {
		defaultChain = defs.Default
	}
	return NewRegistry(networks, append([]RegistryOption{WithDefaultChain(defaultChain)}, opts...)...)
}

// Network returns the configured network for the chain id.
func (r *Registry) Network(id uint64) (Network, bool) {
	if r == nil {
		return Network{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	network, ok := r.networks[id]
	if !ok {
		return Network{}, false
	}
	return network.Clone(), true
}

// Networks lists configured networks in configuration order.
func (r *Registry) Networks() []Network {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Network, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.networks[id].Clone())
	}
	return out
}

// DefaultChain returns the id of the default network, or 0 when empty.
func (r *Registry) DefaultChain() uint64 {
	if r == nil {
		return 0
	}
	return r.defaultChain
}

// Register attaches an already opened backend to a configured network.
func (r *Registry) Register(id uint64, backend Backend) error {
	if r == nil {
		return errors.New("未初始化的链注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.networks[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	r.backends[id] = backend
	return nil
}

// Backend returns the backend for the chain id, dialing it on first use.
func (r *Registry) Backend(ctx context.Context, id uint64) (Backend, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if backend, ok := r.backends[id]; ok {
		return backend, nil
	}
	network, ok := r.networks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	backend, err := r.dial(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", network, err)
	}
	r.backends[id] = backend
	return backend, nil
}

// Close releases all dialed backends.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, backend := range r.backends {
		if client, ok := backend.(*ethclient.Client); ok {
			client.Close()
		}
		delete(r.backends, id)
	}
}
