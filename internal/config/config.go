package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 txflowd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Web3     Web3Config     `json:"web3"`
	Events   EventsConfig   `json:"events"`
	Wallet   WalletConfig   `json:"wallet"`
	Flow     FlowConfig     `json:"flow"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述流程持久化后端的连接信息。
type StorageConfig struct {
	FlowStore FlowStoreConfig `json:"flow_store"`
}

// FlowStoreConfig 支持 memory 与 mysql 两种驱动。
type FlowStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述交易请求队列，支持 memory 与 redis 两种驱动。
type QueueConfig struct {
	Driver  string      `json:"driver"`
	MaxSize int         `json:"max_size"`
	Redis   RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 队列后端的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与链目录。
// ProtocolsFile 指向协议目录（名称、合约地址、ABI），启动时批量注册。
type Web3Config struct {
	RPCURL        string `json:"rpc_url"`
	DefaultChain  string `json:"default_chain"`
	ChainsFile    string `json:"chains_file"`
	ProtocolsFile string `json:"protocols_file"`
}

// EventsConfig 控制生命周期事件的总线缓冲与可选的 AMQP 外发。
type EventsConfig struct {
	BusBuffer int        `json:"bus_buffer"`
	AMQP      AMQPConfig `json:"amqp"`
}

// AMQPConfig 描述 RabbitMQ 外发通道。URL 为空时不启用。
type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// WalletConfig 选择钱包后端。local 用于自动化部署，remote 对接外部签名服务。
type WalletConfig struct {
	Backend string             `json:"backend"`
	Local   LocalWalletConfig  `json:"local"`
	Remote  RemoteWalletConfig `json:"remote"`
}

// LocalWalletConfig 通过环境变量承载私钥，避免落盘。
type LocalWalletConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	ChainID       uint64 `json:"chain_id"`
}

// RemoteWalletConfig 是远程签名服务的接入参数。
type RemoteWalletConfig struct {
	BaseURL               string `json:"base_url"`
	ChainID               uint64 `json:"chain_id"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	PollIntervalSeconds   int    `json:"poll_interval_seconds"`
	SessionRefreshSeconds int    `json:"session_refresh_seconds"`
}

// FlowConfig 是流程管理器的运行参数。
type FlowConfig struct {
	ConfirmationTimeoutSeconds int  `json:"confirmation_timeout_seconds"`
	MaxAttempts                int  `json:"max_attempts"`
	RetryBaseDelaySeconds      int  `json:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds       int  `json:"retry_max_delay_seconds"`
	DrainIntervalSeconds       int  `json:"drain_interval_seconds"`
	EvictionGraceSeconds       int  `json:"eviction_grace_seconds"`
	ReceiptPollSeconds         int  `json:"receipt_poll_seconds"`
	ReceiptTimeoutSeconds      int  `json:"receipt_timeout_seconds"`
	BroadcastViaWallet         bool `json:"broadcast_via_wallet"`
}

// AuthConfig 控制 API 的访问控制。mode 为 disabled 时所有接口公开。
type AuthConfig struct {
	Mode  string           `json:"mode"`
	JWT   JWTConfig        `json:"jwt"`
	Seeds []AuthSeedConfig `json:"seeds"`
}

// JWTConfig 的密钥通过环境变量承载，避免落盘。
type JWTConfig struct {
	SecretEnv         string   `json:"secret_env"`
	Issuer            string   `json:"issuer"`
	Audience          []string `json:"audience"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds"`
}

// AuthSeedConfig 描述启动时自动创建的账户。
type AuthSeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AlertingConfig 控制失败告警的外发渠道，webhook 为空时渠道不启用。
type AlertingConfig struct {
	DingTalk DingTalkAlertConfig `json:"dingtalk"`
	Slack    SlackAlertConfig    `json:"slack"`
}

// DingTalkAlertConfig 是钉钉自定义机器人的接入参数。
type DingTalkAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// SlackAlertConfig 是 Slack incoming webhook 的接入参数。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// Enabled 报告是否配置了至少一个告警渠道。
func (c AlertingConfig) Enabled() bool {
	return c.DingTalk.WebhookURL != "" || c.Slack.WebhookURL != ""
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.FlowStore.Driver == "" {
		c.Storage.FlowStore.Driver = "memory"
	}
	if c.Storage.FlowStore.MaxOpenConns <= 0 {
		c.Storage.FlowStore.MaxOpenConns = 16
	}
	if c.Storage.FlowStore.MaxIdleConns <= 0 {
		c.Storage.FlowStore.MaxIdleConns = 4
	}
	if c.Storage.FlowStore.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.FlowStore.ConnMaxLifetimeSeconds = 300
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 100
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "txflow:requests"
	}

	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "sei"
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.ProtocolsFile != "" && !filepath.IsAbs(c.Web3.ProtocolsFile) {
		c.Web3.ProtocolsFile = filepath.Join(baseDir, c.Web3.ProtocolsFile)
	}

	if c.Events.BusBuffer <= 0 {
		c.Events.BusBuffer = 64
	}
	if c.Events.AMQP.Exchange == "" {
		c.Events.AMQP.Exchange = "txflow.events"
	}

	if c.Wallet.Backend == "" {
		c.Wallet.Backend = "local"
	}
	if c.Wallet.Local.PrivateKeyEnv == "" {
		c.Wallet.Local.PrivateKeyEnv = "TXFLOW_WALLET_KEY"
	}

	if c.Flow.ConfirmationTimeoutSeconds <= 0 {
		c.Flow.ConfirmationTimeoutSeconds = 300
	}
	if c.Flow.MaxAttempts <= 0 {
		c.Flow.MaxAttempts = 3
	}
	if c.Flow.RetryBaseDelaySeconds <= 0 {
		c.Flow.RetryBaseDelaySeconds = 2
	}
	if c.Flow.RetryMaxDelaySeconds <= 0 {
		c.Flow.RetryMaxDelaySeconds = 60
	}
	if c.Flow.DrainIntervalSeconds <= 0 {
		c.Flow.DrainIntervalSeconds = 3
	}
	if c.Flow.EvictionGraceSeconds <= 0 {
		c.Flow.EvictionGraceSeconds = 600
	}
	if c.Flow.ReceiptPollSeconds <= 0 {
		c.Flow.ReceiptPollSeconds = 2
	}
	if c.Flow.ReceiptTimeoutSeconds <= 0 {
		c.Flow.ReceiptTimeoutSeconds = 120
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.JWT.SecretEnv == "" {
		c.Auth.JWT.SecretEnv = "TXFLOW_JWT_SECRET"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
}

// ConfirmationTimeout 把秒数换算成时间间隔。
func (c FlowConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// RetryBaseDelay 把秒数换算成时间间隔。
func (c FlowConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

// RetryMaxDelay 把秒数换算成时间间隔。
func (c FlowConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}

// DrainInterval 把秒数换算成时间间隔。
func (c FlowConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// EvictionGrace 把秒数换算成时间间隔。
func (c FlowConfig) EvictionGrace() time.Duration {
	return time.Duration(c.EvictionGraceSeconds) * time.Second
}

// ReceiptPoll 把秒数换算成时间间隔。
func (c FlowConfig) ReceiptPoll() time.Duration {
	return time.Duration(c.ReceiptPollSeconds) * time.Second
}

// ReceiptTimeout 把秒数换算成时间间隔。
func (c FlowConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}
