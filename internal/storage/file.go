package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps entries in a JSON document on local disk, rewritten
// atomically on every change.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]string
}

// NewFileStore loads or creates the JSON document at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("文件存储路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &FileStore{path: path, entries: make(map[string]string)}
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return store, nil
	case err != nil:
		return nil, fmt.Errorf("读取存储文件失败: %w", err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &store.entries); err != nil {
			return nil, fmt.Errorf("解析存储文件失败: %w", err)
		}
	}
	return store, nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set implements Store.
func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.entries[key]
	f.entries[key] = value
	if err := f.flush(); err != nil {
		if existed {
			f.entries[key] = previous
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.flush()
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) flush() error {
	encoded, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return storageError(err, "序列化存储文件失败")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return storageError(err, "写入存储文件失败")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return storageError(err, "替换存储文件失败")
	}
	return nil
}
