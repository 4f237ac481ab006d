package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"WalletBridge/internal/actions"
	"WalletBridge/internal/api"
	"WalletBridge/internal/auth"
	"WalletBridge/internal/chain"
	"WalletBridge/internal/config"
	"WalletBridge/internal/connector"
	"WalletBridge/internal/events"
	"WalletBridge/internal/observability/alerting"
	"WalletBridge/internal/observability/metrics"
	"WalletBridge/pkg/logger"
)

const configEnv = "WALLETBRIDGE_CONFIG"

// main 是 walletd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("walletd 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "walletd",
		Usage: "钱包连接守护进程：维护钱包会话并通过 HTTP 暴露钱包操作",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON 配置文件路径",
				EnvVars: []string{configEnv},
				Value:   filepath.Join("configs", "walletd.json"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "启动前加载的 .env 文件",
				Value: ".env",
			},
		},
		Before: loadEnv,
		Commands: []*cli.Command{
			serveCommand,
			stateCommand,
			balanceCommand,
		},
	}
}

// loadEnv 加载 .env 文件，文件不存在时忽略。
func loadEnv(c *cli.Context) error {
	path := c.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func configPath(c *cli.Context) string {
	// 命令行未显式指定时，允许 .env 中的变量覆盖默认路径。
	if !c.IsSet("config") {
		if env := os.Getenv(configEnv); env != "" {
			return env
		}
	}
	return c.String("config")
}

// setup 读取配置、初始化日志并构建运行时。
func setup(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(configPath(c))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return bootstrap(c.Context, cfg)
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "启动 HTTP API 并转发钱包状态变更",
	Action: func(c *cli.Context) error {
		ctx := c.Context
		rt, err := setup(c)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer rt.Close()

		untrack := metrics.TrackClient(rt.client)
		defer untrack()

		publisher, err := events.NewPublisher(ctx, events.Config{
			Driver:        rt.cfg.Events.Driver,
			RabbitMQURL:   rt.cfg.Events.RabbitMQ.URL,
			Exchange:      rt.cfg.Events.RabbitMQ.Exchange,
			Queue:         rt.cfg.Events.RabbitMQ.Queue,
			Durable:       rt.cfg.Events.RabbitMQ.Durable,
			RedisAddress:  rt.cfg.Events.Redis.Address,
			RedisPassword: rt.cfg.Events.Redis.Password,
			RedisDB:       rt.cfg.Events.Redis.DB,
			RedisChannel:  rt.cfg.Events.RedisChannel,
		})
		if err != nil {
			return err
		}
		if publisher != nil {
			defer publisher.Close()
			relay := events.NewRelay(rt.client, publisher,
				events.WithPublishTimeout(rt.cfg.Events.PublishTimeout()),
				events.WithBuffer(rt.cfg.Events.Buffer),
			)
			go func() {
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("状态转发异常退出", slog.Any("error", err))
				}
			}()
		}

		rt.restore(ctx)

		authSvc, err := newAuth(rt.cfg.Auth)
		if err != nil {
			return err
		}
		server := api.NewServer(rt.cfg.Server.Address, rt.client,
			api.WithAuth(authSvc),
			api.WithAlerts(newDispatcher(rt.cfg.Alerting)),
		)
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var stateCommand = &cli.Command{
	Name:  "state",
	Usage: "恢复会话并打印当前钱包状态",
	Action: func(c *cli.Context) error {
		rt, err := setup(c)
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.restore(c.Context)

		return printJSON(c, map[string]any{
			"account": actions.GetAccount(rt.client),
			"network": actions.GetNetwork(rt.client),
		})
	},
}

var balanceCommand = &cli.Command{
	Name:  "balance",
	Usage: "查询账户余额，默认使用当前连接的账户",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "address", Usage: "账户地址"},
		&cli.StringFlag{Name: "chain", Usage: "链 ID，十进制或 0x 十六进制"},
		&cli.StringFlag{Name: "token", Usage: "ERC-20 合约地址"},
	},
	Action: func(c *cli.Context) error {
		rt, err := setup(c)
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.restore(c.Context)

		var address common.Address
		if raw := c.String("address"); raw != "" {
			if !common.IsHexAddress(raw) {
				return fmt.Errorf("非法的地址: %s", raw)
			}
			address = common.HexToAddress(raw)
		} else {
			account := actions.GetAccount(rt.client)
			if account.Address == nil {
				return connector.ErrNotConnected
			}
			address = *account.Address
		}

		var opts []actions.BalanceOption
		if raw := c.String("chain"); raw != "" {
			id, err := chain.ParseChainID(raw)
			if err != nil {
				return err
			}
			opts = append(opts, actions.OnChain(id))
		}
		if raw := c.String("token"); raw != "" {
			if !common.IsHexAddress(raw) {
				return fmt.Errorf("非法的合约地址: %s", raw)
			}
			opts = append(opts, actions.OfToken(common.HexToAddress(raw)))
		}

		balance, err := actions.FetchBalance(c.Context, rt.client, address, opts...)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{
			"address":   address,
			"value":     balance.Value.String(),
			"decimals":  balance.Decimals,
			"symbol":    balance.Symbol,
			"formatted": balance.Formatted,
		})
	},
}

// newDispatcher 根据配置构建告警分发器，未启用时返回 nil。
func newDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// newAuth 把配置中的令牌转换为认证服务。
func newAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        t.Name,
			Secret:      t.ResolveSecret(),
			Permissions: t.Permissions,
			Disabled:    t.Disabled,
		})
	}
	return auth.NewService(auth.Config{Tokens: tokens})
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
