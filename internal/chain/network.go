package chain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// NativeCurrency describes the currency used to pay for gas on a network.
type NativeCurrency struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// Network is the immutable description of a chain. Values returned by the
// registry are copies; mutating them does not affect the registry.
type Network struct {
	ID             uint64         `json:"id"`
	Name           string         `json:"name"`
	Network        string         `json:"network"`
	NativeCurrency NativeCurrency `json:"native_currency"`
	RPCURLs        []string       `json:"rpc_urls,omitempty"`
	WSURL          string         `json:"ws_url,omitempty"`
	BlockExplorer  string         `json:"block_explorer,omitempty"`
	Testnet        bool           `json:"testnet"`
}

// Clone returns a deep copy of the network.
func (n Network) Clone() Network {
	clone := n
	if n.RPCURLs != nil {
		clone.RPCURLs = append([]string(nil), n.RPCURLs...)
	}
	return clone
}

// String implements fmt.Stringer.
func (n Network) String() string {
	if n.Name == "" {
		return fmt.Sprintf("chain %d", n.ID)
	}
	return fmt.Sprintf("%s (%d)", n.Name, n.ID)
}

// DefaultCurrency is used when a definition omits its native currency.
var DefaultCurrency = NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}

// ParseChainID normalises chain identifiers emitted by wallet providers. Both
// hex quantities ("0x1") and decimal strings ("1") are accepted; zero is
// rejected since no network uses it.
func ParseChainID(raw string) (uint64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("链 ID 为空")
	}
	var (
		id  uint64
		err error
	)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		id, err = strconv.ParseUint(value[2:], 16, 64)
	} else {
		id, err = strconv.ParseUint(value, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("无法解析链 ID %q: %w", raw, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("无效的链 ID %q", raw)
	}
	return id, nil
}

// FormatChainID renders a chain id as a hex quantity.
func FormatChainID(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}

// BigID converts a chain id for go-ethereum signer APIs.
func BigID(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}
