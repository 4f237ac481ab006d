package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Default uint64                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain entry keyed by its network slug.
type Definition struct {
	ID             uint64          `yaml:"id"`
	Name           string          `yaml:"name"`
	RPCURLs        []string        `yaml:"rpc_urls"`
	WSURL          string          `yaml:"ws_url"`
	NativeCurrency *NativeCurrency `yaml:"native_currency"`
	BlockExplorer  string          `yaml:"block_explorer"`
	Testnet        bool            `yaml:"testnet"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseDefinitions(content)
}

// ParseDefinitions decodes chain definitions from raw YAML.
func ParseDefinitions(content []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Networks converts the definitions into validated networks sorted by id.
func (d Definitions) Networks() ([]Network, error) {
	seen := make(map[uint64]string, len(d.Chains))
	networks := make([]Network, 0, len(d.Chains))
	for slug, def := range d.Chains {
		if def.ID == 0 {
			return nil, fmt.Errorf("链 %s 缺少 id", slug)
		}
		if other, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("链 %s 与 %s 使用了相同的 id %d", slug, other, def.ID)
		}
		seen[def.ID] = slug

		currency := DefaultCurrency
		if def.NativeCurrency != nil {
			currency = *def.NativeCurrency
		}
		name := def.Name
		if name == "" {
			name = slug
		}
		urls := make([]string, 0, len(def.RPCURLs))
		for _, u := range def.RPCURLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		networks = append(networks, Network{
			ID:             def.ID,
			Name:           name,
			Network:        slug,
			NativeCurrency: currency,
			RPCURLs:        urls,
			WSURL:          strings.TrimSpace(def.WSURL),
			BlockExplorer:  def.BlockExplorer,
			Testnet:        def.Testnet,
		})
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].ID < networks[j].ID })
	return networks, nil
}
