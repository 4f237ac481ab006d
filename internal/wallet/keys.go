package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParseKeys decodes hex encoded secp256k1 private keys, with or without a 0x
// prefix.
func ParseKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, raw := range hexKeys {
		trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if trimmed == "" {
			continue
		}
		key, err := crypto.HexToECDSA(trimmed)
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 个私钥失败: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LoadKeystore decrypts every key file in a go-ethereum keystore directory
// with the given passphrase. Files are read in name order, which for
// keystore files is creation order.
func LoadKeystore(dir, passphrase string) ([]*ecdsa.PrivateKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取 keystore 目录失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	keys := make([]*ecdsa.PrivateKey, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("读取 keystore 文件 %s 失败: %w", name, err)
		}
		key, err := keystore.DecryptKey(content, passphrase)
		if err != nil {
			return nil, fmt.Errorf("解密 keystore 文件 %s 失败: %w", name, err)
		}
		keys = append(keys, key.PrivateKey)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keystore 目录 %s 中没有密钥", dir)
	}
	return keys, nil
}
