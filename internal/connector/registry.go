package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "WalletBridge/internal/errors"
)

// Registry holds the configured connectors in registration order.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	connectors map[string]Connector
}

// NewRegistry builds a registry; connector ids must be unique.
func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		if err := r.Add(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a connector.
func (r *Registry) Add(c Connector) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "连接器不能为空")
	}
	id := strings.TrimSpace(c.ID())
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "连接器 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[id]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("连接器 %s 重复注册", id))
	}
	r.connectors[id] = c
	r.order = append(r.order, id)
	return nil
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (Connector, error) {
	if r == nil {
		return nil, ErrConnectorNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未注册的连接器 %s", id),
			xerrors.WithMetadata("connector", id))
	}
	return c, nil
}

// List returns connectors in registration order.
func (r *Registry) List() []Connector {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.connectors[id])
	}
	return out
}

// Authorized probes every ready connector concurrently and returns those the
// wallet already authorized, in registration order. Probe failures count as
// not authorized.
func (r *Registry) Authorized(ctx context.Context) ([]Connector, error) {
	connectors := r.List()
	authorized := make([]bool, len(connectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range connectors {
		if !c.Ready() {
			continue
		}
		g.Go(func() error {
			ok, err := c.IsAuthorized(gctx)
			if err != nil {
				return nil
			}
			authorized[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Connector, 0, len(connectors))
	for i, c := range connectors {
		if authorized[i] {
			out = append(out, c)
		}
	}
	return out, nil
}

// IDs returns the sorted connector ids.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// Close releases provider subscriptions held by connectors.
func (r *Registry) Close() {
	for _, c := range r.List() {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
