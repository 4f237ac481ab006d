// Package storage persists small key-value entries, such as the wallet
// session snapshot, across restarts. Drivers cover local development (memory,
// file, sqlite) and shared deployments (redis, mysql).
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "WalletBridge/internal/errors"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "storage key not found")

// Store is a string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver string
	// Prefix namespaces keys so several clients can share one backend.
	Prefix string
	// Path is the file path for the file and sqlite drivers.
	Path string
	DSN  string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open builds the configured driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		store = NewMemoryStore()
	case "file":
		store, err = NewFileStore(cfg.Path)
	case "redis":
		store, err = NewRedisStore(ctx, RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "mysql":
		store, err = OpenSQLStore(ctx, SQLConfig{
			Dialect:         DialectMySQL,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		store, err = OpenSQLStore(ctx, SQLConfig{Dialect: DialectSQLite, DSN: dsn})
	default:
		return nil, fmt.Errorf("暂不支持的存储驱动: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Prefix != "" {
		store = WithPrefix(store, cfg.Prefix)
	}
	return store, nil
}

type prefixed struct {
	Store
	prefix string
}

// WithPrefix namespaces every key of store.
func WithPrefix(store Store, prefix string) Store {
	return &prefixed{Store: store, prefix: prefix}
}

func (p *prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.Store.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return p.Store.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.Store.Delete(ctx, p.prefix+key)
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
