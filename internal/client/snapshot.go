package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"WalletBridge/internal/storage"
)

// DefaultSessionKey is the storage key of the persisted session.
const DefaultSessionKey = "walletbridge.session"

// Snapshot is the persisted form of State.
type Snapshot struct {
	Status    Status `json:"status"`
	Connector string `json:"connector"`
	Address   string `json:"address,omitempty"`
	ChainID   uint64 `json:"chain_id,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

func snapshotOf(s State, now time.Time) Snapshot {
	snap := Snapshot{
		Status:    s.Status,
		Connector: s.Connector,
		ChainID:   s.ChainID,
		UpdatedAt: now.UnixMilli(),
	}
	if s.Account != nil {
		snap.Address = s.Account.Address.Hex()
	}
	return snap
}

// State rebuilds the state a snapshot was taken from, marked as
// reconnecting.
func (s Snapshot) State() State {
	if s.Connector == "" || !common.IsHexAddress(s.Address) {
		return disconnectedState()
	}
	return State{
		Status:    StatusReconnecting,
		Account:   &Account{Address: common.HexToAddress(s.Address), ConnectorID: s.Connector},
		Connector: s.Connector,
		ChainID:   s.ChainID,
	}
}

// LoadSnapshot reads the session stored under key. A missing session is
// reported as ok == false.
func LoadSnapshot(ctx context.Context, store storage.Store, key string) (Snapshot, bool, error) {
	if store == nil {
		return Snapshot{}, false, nil
	}
	raw, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("解析会话快照失败: %w", err)
	}
	return snap, snap.Connector != "", nil
}

func saveSnapshot(ctx context.Context, store storage.Store, key string, s State) error {
	if s.Connector == "" {
		return store.Delete(ctx, key)
	}
	encoded, err := json.Marshal(snapshotOf(s, time.Now()))
	if err != nil {
		return fmt.Errorf("序列化会话快照失败: %w", err)
	}
	return store.Set(ctx, key, string(encoded))
}
