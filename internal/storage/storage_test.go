package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Set(ctx, "session", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "session", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, err := store.Get(ctx, "session")
	if err != nil || value != "v2" {
		t.Fatalf("unexpected value %q, %v", value, err)
	}
	if err := store.Delete(ctx, "session"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "session"); err != nil {
		t.Fatalf("deleting a missing key must succeed: %v", err)
	}
	if _, err := store.Get(ctx, "session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestFileStorePersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "wallet.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exerciseStore(t, store)

	if err := store.Set(context.Background(), "recent", "injected"); err != nil {
		t.Fatalf("set: %v", err)
	}
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, err := reopened.Get(context.Background(), "recent")
	if err != nil || value != "injected" {
		t.Fatalf("expected persisted value, got %q, %v", value, err)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wallet.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatal("expected corrupt file to fail")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wallet.db")
	store, err := OpenSQLStore(ctx, SQLConfig{Dialect: DialectSQLite, DSN: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)

	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not reapply migrations.
	reopened, err := OpenSQLStore(ctx, SQLConfig{Dialect: DialectSQLite, DSN: path})
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	if value, err := reopened.Get(ctx, "k"); err != nil || value != "v" {
		t.Fatalf("unexpected value %q, %v", value, err)
	}
}

func TestOpenAppliesPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: "memory", Prefix: "walletbridge:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, store)

	inner := store.(*prefixed).Store
	if err := store.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if value, err := inner.Get(ctx, "walletbridge:a"); err != nil || value != "1" {
		t.Fatalf("expected prefixed key in backend, got %q, %v", value, err)
	}

	if _, err := Open(ctx, Config{Driver: "etcd"}); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("WALLETBRIDGE_TEST_REDIS")
	if addr == "" {
		t.Skip("WALLETBRIDGE_TEST_REDIS not set")
	}
	store, err := NewRedisStore(context.Background(), RedisConfig{Address: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, WithPrefix(store, "walletbridge:test:"))
}

func TestLoadMigrationFiles(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"0002_index.sql": {Data: []byte("CREATE INDEX a ON t (a);\n\n")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE t (a INT); CREATE TABLE u (b INT);")},
		"0003_empty.sql": {Data: []byte("  ;  ")},
		"README.md":      {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration %+v", files[0])
	}
	if files[1].version != "0002" || files[1].statements[0] != "CREATE INDEX a ON t (a)" {
		t.Fatalf("unexpected second migration %+v", files[1])
	}

	embedded, err := loadMigrationFiles(embeddedMigrations)
	if err != nil || len(embedded) == 0 {
		t.Fatalf("expected embedded migrations, got %d, %v", len(embedded), err)
	}
}
