package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TxFlow-Chain/internal/api"
	"TxFlow-Chain/internal/auth"
	"TxFlow-Chain/internal/config"
	"TxFlow-Chain/internal/event"
	"TxFlow-Chain/internal/flow"
	"TxFlow-Chain/internal/observability/alerting"
	"TxFlow-Chain/internal/observability/metrics"
	"TxFlow-Chain/internal/storage/mysql"
	redisstore "TxFlow-Chain/internal/storage/redis"
	"TxFlow-Chain/internal/wallet"
	"TxFlow-Chain/internal/web3"
	"TxFlow-Chain/internal/web3/provider"
	"TxFlow-Chain/pkg/logger"
)

// main 是 txflowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("txflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("TXFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "txflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	chainRegistry, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfig:  cfg.Web3.ChainsFile,
		DefaultChain: cfg.Web3.DefaultChain,
		RPCURL:       cfg.Web3.RPCURL,
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	var flowStore flow.Store
	switch cfg.Storage.FlowStore.Driver {
	case "", "memory":
		flowStore = flow.NewMemoryStore()
	case "mysql":
		store, err := mysql.NewSQLFlowStore(ctx, mysqlConfig(cfg))
		if err != nil {
			return err
		}
		flowStore = store
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.FlowStore.Driver)
	}
	defer func() { _ = flowStore.Close() }()

	var queue flow.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = flow.NewMemoryQueue(cfg.Queue.MaxSize)
	case "redis":
		redisQueue, err := redisstore.NewQueue(redisstore.QueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
			MaxSize:  cfg.Queue.MaxSize,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() { _ = queue.Close() }()

	bus := event.NewBus(cfg.Events.BusBuffer)
	defer bus.Close()

	if cfg.Events.AMQP.URL != "" {
		relay, err := event.NewAMQPRelay(event.AMQPRelayConfig{
			URL:      cfg.Events.AMQP.URL,
			Exchange: cfg.Events.AMQP.Exchange,
		})
		if err != nil {
			return err
		}
		relay.Attach(ctx, bus)
		defer func() { _ = relay.Close() }()
	}

	m := metrics.New(nil)
	m.ObserveBus(bus)

	builder := flow.NewBuilder(web3Client, flow.NewProtocolRegistry())
	if cfg.Web3.ProtocolsFile != "" {
		if err := flow.LoadProtocols(builder.Registry(), cfg.Web3.ProtocolsFile); err != nil {
			return err
		}
	}

	broadcaster := flow.NewBroadcaster(web3Client, flow.BroadcasterConfig{
		PollInterval:   cfg.Flow.ReceiptPoll(),
		ReceiptTimeout: cfg.Flow.ReceiptTimeout(),
	})

	manager := flow.NewManager(flow.ManagerConfig{
		ConfirmationTimeout: cfg.Flow.ConfirmationTimeout(),
		MaxAttempts:         cfg.Flow.MaxAttempts,
		RetryBaseDelay:      cfg.Flow.RetryBaseDelay(),
		RetryMaxDelay:       cfg.Flow.RetryMaxDelay(),
		DrainInterval:       cfg.Flow.DrainInterval(),
		EvictionGrace:       cfg.Flow.EvictionGrace(),
		BroadcastViaWallet:  cfg.Flow.BroadcastViaWallet,
	}, flowStore, queue, builder, broadcaster, bus, buildAlerts(cfg))
	defer manager.Close()

	w, err := buildWallet(cfg, web3Client)
	if err != nil {
		return err
	}
	if w != nil {
		connectCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
		err := w.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		if err := manager.AttachWallet(ctx, w); err != nil {
			return err
		}
		defer func() { _ = w.Disconnect(context.Background()) }()
	}

	manager.Start(ctx)

	authSvc, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, manager, m, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// mysqlConfig 把存储配置映射成连接池参数。
func mysqlConfig(cfg *config.Config) mysql.Config {
	return mysql.Config{
		DSN:             cfg.Storage.FlowStore.DSN,
		MaxOpenConns:    cfg.Storage.FlowStore.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.FlowStore.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.FlowStore.ConnMaxLifetimeSeconds) * time.Second,
	}
}

// buildAlerts 按配置组装告警分发器，没有配置任何渠道时返回 nil，
// 管理器随即跳过告警投递。
func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	if !cfg.Alerting.Enabled() {
		return nil
	}
	var notifiers []alerting.Notifier
	if url := cfg.Alerting.DingTalk.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(url),
		})
	}
	if url := cfg.Alerting.Slack.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(url),
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	return alerting.NewFanout(notifiers...)
}

// buildAuth 按配置构造认证服务。jwt 模式下用户目录跟随流程存储的驱动。
func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	if cfg.Auth.Mode == "" || cfg.Auth.Mode == "disabled" {
		return nil, nil
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	if cfg.Storage.FlowStore.Driver == "mysql" {
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, err
		}
		store = sqlStore
	} else {
		memStore, err := auth.NewMemoryStore(seeds)
		if err != nil {
			return nil, err
		}
		store = memStore
	}

	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     os.Getenv(cfg.Auth.JWT.SecretEnv),
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTLSeconds,
			RefreshTTL: cfg.Auth.JWT.RefreshTTLSeconds,
		},
		Seeds: seeds,
	}, store)
}

// buildWallet 根据配置实例化钱包后端。local 后端缺少私钥时跳过绑定，
// 流程会停在签名阶段并报 NO_WALLET。
func buildWallet(cfg *config.Config, client web3.NetworkClient) (flow.Wallet, error) {
	switch cfg.Wallet.Backend {
	case "local":
		hexKey := os.Getenv(cfg.Wallet.Local.PrivateKeyEnv)
		if hexKey == "" {
			return nil, nil
		}
		return wallet.NewLocal(hexKey, cfg.Wallet.Local.ChainID, client)
	case "remote":
		return wallet.NewRemote(wallet.RemoteConfig{
			BaseURL:        cfg.Wallet.Remote.BaseURL,
			ChainID:        cfg.Wallet.Remote.ChainID,
			ConnectTimeout: time.Duration(cfg.Wallet.Remote.ConnectTimeoutSeconds) * time.Second,
			PollInterval:   time.Duration(cfg.Wallet.Remote.PollIntervalSeconds) * time.Second,
			SessionRefresh: time.Duration(cfg.Wallet.Remote.SessionRefreshSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的钱包后端: %s", cfg.Wallet.Backend)
	}
}
