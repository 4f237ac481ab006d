package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 walletd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Web3     Web3Config     `json:"web3"`
	Wallet   WalletConfig   `json:"wallet"`
	Events   EventsConfig   `json:"events"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 列出访问 API 的静态令牌，为空时不启用认证。
type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 描述单个 API 令牌。密钥优先从 SecretEnv 指定的环境变量读取。
type TokenConfig struct {
	Name        string   `json:"name"`
	Secret      string   `json:"secret"`
	SecretEnv   string   `json:"secret_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// ResolveSecret 返回令牌密钥。
func (t TokenConfig) ResolveSecret() string {
	if t.SecretEnv != "" {
		if v := os.Getenv(t.SecretEnv); v != "" {
			return v
		}
	}
	return t.Secret
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 描述会话快照的持久化后端。
type StorageConfig struct {
	Driver                 string      `json:"driver"`
	Prefix                 string      `json:"prefix"`
	Path                   string      `json:"path"`
	DSN                    string      `json:"dsn"`
	SessionKey             string      `json:"session_key"`
	Redis                  RedisConfig `json:"redis"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Web3Config 指向链定义文件并指定默认链。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain uint64 `json:"default_chain"`
}

// WalletConfig 列出可用的钱包连接器。
type WalletConfig struct {
	Connectors []ConnectorConfig `json:"connectors"`
	// AutoConnect 在启动时恢复上一次的会话。
	AutoConnect bool `json:"auto_connect"`
	// ProbeAuthorized 在没有会话时尝试第一个已授权的连接器。
	ProbeAuthorized bool `json:"probe_authorized"`
}

// ConnectorConfig 描述单个连接器。Type 为 local 时从私钥或 keystore 构建
// 本地钱包，为 remote 时通过 JSON-RPC 连接外部钱包。
type ConnectorConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	ChainID uint64 `json:"chain_id"`

	PrivateKeys    []string `json:"private_keys"`
	PrivateKeysEnv string   `json:"private_keys_env"`
	Keystore       string   `json:"keystore"`
	PassphraseEnv  string   `json:"passphrase_env"`
	Authorized     bool     `json:"authorized"`

	URL                 string `json:"url"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// Keys 返回配置中的私钥，包括环境变量中以逗号分隔的部分。
func (c ConnectorConfig) Keys() []string {
	keys := append([]string(nil), c.PrivateKeys...)
	if c.PrivateKeysEnv != "" {
		for _, raw := range strings.Split(os.Getenv(c.PrivateKeysEnv), ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				keys = append(keys, raw)
			}
		}
	}
	return keys
}

// Passphrase 从环境变量读取 keystore 口令。
func (c ConnectorConfig) Passphrase() string {
	if c.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.PassphraseEnv)
}

// PollInterval 返回远程钱包的轮询间隔。
func (c ConnectorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// EventsConfig 描述状态变更的转发目标。
type EventsConfig struct {
	Driver                string         `json:"driver"`
	RabbitMQ              RabbitMQConfig `json:"rabbitmq"`
	Redis                 RedisConfig    `json:"redis"`
	RedisChannel          string         `json:"redis_channel"`
	PublishTimeoutSeconds int            `json:"publish_timeout_seconds"`
	Buffer                int            `json:"buffer"`
}

// PublishTimeout 返回单次投递的超时时间。
func (e EventsConfig) PublishTimeout() time.Duration {
	return time.Duration(e.PublishTimeoutSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 交换机与队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
}

// AlertingConfig 控制请求失败时的告警渠道。
type AlertingConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 检查连接器配置是否完整。
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Wallet.Connectors))
	for i, conn := range c.Wallet.Connectors {
		if conn.ID == "" {
			return fmt.Errorf("第 %d 个连接器缺少 id", i)
		}
		if _, ok := seen[conn.ID]; ok {
			return fmt.Errorf("连接器 %s 重复配置", conn.ID)
		}
		seen[conn.ID] = struct{}{}

		switch conn.Type {
		case "local":
			if len(conn.PrivateKeys) == 0 && conn.PrivateKeysEnv == "" && conn.Keystore == "" {
				return fmt.Errorf("本地连接器 %s 需要配置私钥或 keystore", conn.ID)
			}
		case "remote":
			if strings.TrimSpace(conn.URL) == "" {
				return fmt.Errorf("远程连接器 %s 缺少 url", conn.ID)
			}
		default:
			return fmt.Errorf("连接器 %s 的类型 %q 未知", conn.ID, conn.Type)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "session.json")
		case "sqlite":
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "walletbridge.db")
		}
	} else if !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
	}
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "127.0.0.1:6379"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	for i := range c.Wallet.Connectors {
		conn := &c.Wallet.Connectors[i]
		if conn.Name == "" {
			conn.Name = conn.ID
		}
		if conn.Type == "" {
			conn.Type = "local"
		}
		if conn.ChainID == 0 {
			conn.ChainID = c.Web3.DefaultChain
		}
		if conn.Keystore != "" && !filepath.IsAbs(conn.Keystore) {
			conn.Keystore = filepath.Join(baseDir, conn.Keystore)
		}
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.PublishTimeoutSeconds <= 0 {
		c.Events.PublishTimeoutSeconds = 5
	}
	if c.Events.Redis.Address == "" {
		c.Events.Redis.Address = c.Storage.Redis.Address
	}
}
