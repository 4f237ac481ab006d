package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"WalletBridge/internal/chain"
	"WalletBridge/internal/client"
	"WalletBridge/internal/config"
	"WalletBridge/internal/connector"
	"WalletBridge/internal/storage"
	"WalletBridge/internal/wallet"
	"WalletBridge/pkg/logger"
)

// runtime bundles everything built from the configuration.
type runtime struct {
	cfg        *config.Config
	chains     *chain.Registry
	connectors *connector.Registry
	store      storage.Store
	client     *client.Client
	closers    []func()
}

// bootstrap builds the chain registry, connectors, session store and client
// described by cfg. Close releases them in reverse order.
func bootstrap(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	chains, err := chain.LoadRegistry(cfg.Web3.ChainConfig, cfg.Web3.DefaultChain)
	if err != nil {
		return nil, err
	}
	rt.chains = chains
	rt.closers = append(rt.closers, chains.Close)

	connectors, err := buildConnectors(ctx, cfg.Wallet.Connectors, chains, rt)
	if err != nil {
		return nil, err
	}
	rt.connectors = connectors
	rt.closers = append(rt.closers, connectors.Close)

	store, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Storage.Driver,
		Prefix:          cfg.Storage.Prefix,
		Path:            cfg.Storage.Path,
		DSN:             cfg.Storage.DSN,
		RedisAddress:    cfg.Storage.Redis.Address,
		RedisPassword:   cfg.Storage.Redis.Password,
		RedisDB:         cfg.Storage.Redis.DB,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			logger.L().Warn("关闭会话存储失败", slog.Any("error", err))
		}
	})

	c, err := client.New(ctx, connectors, chains, store,
		client.WithSessionKey(cfg.Storage.SessionKey),
		client.WithAuthorizedProbe(cfg.Wallet.ProbeAuthorized),
	)
	if err != nil {
		return nil, err
	}
	rt.client = c
	rt.closers = append(rt.closers, c.Close)

	ok = true
	return rt, nil
}

// restore runs AutoConnect when the configuration asks for it.
func (rt *runtime) restore(ctx context.Context) {
	if !rt.cfg.Wallet.AutoConnect {
		return
	}
	state, err := rt.client.AutoConnect(ctx)
	if err != nil {
		logger.L().Warn("自动连接失败", slog.Any("error", err))
		return
	}
	logger.L().Info("会话恢复完成", slog.String("status", string(state.Status)), slog.String("connector", state.Connector))
}

// Close releases every resource in reverse creation order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func buildConnectors(ctx context.Context, defs []config.ConnectorConfig, chains *chain.Registry, rt *runtime) (*connector.Registry, error) {
	registry, err := connector.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		provider, err := buildProvider(ctx, def, chains, rt)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("初始化连接器 %s 失败: %w", def.ID, err)
		}
		conn := connector.NewInjected(provider,
			connector.WithID(def.ID),
			connector.WithName(def.Name),
			connector.WithChains(chains.Networks()...),
			connector.WithLogger(logger.Named("connector."+def.ID)),
		)
		if err := registry.Add(conn); err != nil {
			conn.Close()
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

func buildProvider(ctx context.Context, def config.ConnectorConfig, chains *chain.Registry, rt *runtime) (connector.Provider, error) {
	switch def.Type {
	case "local":
		keys, err := wallet.ParseKeys(def.Keys())
		if err != nil {
			return nil, err
		}
		if def.Keystore != "" {
			stored, err := wallet.LoadKeystore(def.Keystore, def.Passphrase())
			if err != nil {
				return nil, err
			}
			keys = append(keys, stored...)
		}
		chainID := def.ChainID
		if chainID == 0 {
			chainID = chains.DefaultChain()
		}
		local, err := wallet.NewLocal(chainID, keys,
			wallet.WithRegistry(chains),
			wallet.WithAuthorized(def.Authorized),
		)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "remote":
		remote, err := wallet.DialRemote(ctx, def.URL, wallet.WithPollInterval(def.PollInterval()))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, remote.Close)
		return remote, nil
	default:
		return nil, fmt.Errorf("未知的连接器类型: %s", def.Type)
	}
}
