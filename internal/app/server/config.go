package server

import (
	"os"
	"strings"
	"time"

	"tenantgate/internal/broadcast"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/core/storage/postgres"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/pool"
	"tenantgate/internal/resolver"
	"tenantgate/internal/security"
	"tenantgate/internal/tenant"

	"gopkg.in/yaml.v3"
)

// Config 服务配置，对应 YAML 文件
type Config struct {
	Server        httpservice.Config        `yaml:"server"`
	Shutdown      ShutdownConfig            `yaml:"shutdown"`
	Log           corelog.Config            `yaml:"log"`
	CentralDB     CentralDBConfig           `yaml:"central_db"`
	Pool          pool.Config               `yaml:"pool"`
	Registry      tenant.Config             `yaml:"registry"`
	Resolver      resolver.MiddlewareConfig `yaml:"resolver"`
	Broadcast     broadcast.Config          `yaml:"broadcast"`
	Admission     security.AdmissionConfig  `yaml:"admission"`
	MessageBroker MessageBrokerConfig       `yaml:"message_broker"`
	Auth          AuthConfig                `yaml:"auth"`
}

// CentralDBConfig 中央目录库；租户未配置独立库时数据位于 TenantDSN 指向的共享库
type CentralDBConfig struct {
	postgres.Config `yaml:",inline"`

	// TenantDSN 共享租户库，为空时与中央库相同
	TenantDSN string `yaml:"tenant_dsn"`
}

// SharedTenantDSN 共享租户库 DSN
func (c CentralDBConfig) SharedTenantDSN() string {
	if c.TenantDSN != "" {
		return c.TenantDSN
	}
	return c.DSN
}

// ShutdownConfig 优雅关闭配置
type ShutdownConfig struct {
	// DrainDelay 切换为 draining 后等待负载均衡摘除的时间
	DrainDelay      time.Duration `yaml:"drain_delay"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	DisposeTimeout  time.Duration `yaml:"dispose_timeout"`
}

// MessageBrokerConfig 消息代理配置
type MessageBrokerConfig struct {
	Type   string            `yaml:"type"` // memory | redis
	NodeID string            `yaml:"node_id"`
	Redis  RedisBrokerConfig `yaml:"redis"`
}

// RedisBrokerConfig Redis 消息代理配置
type RedisBrokerConfig struct {
	Addr        string   `yaml:"addr"`
	Addrs       []string `yaml:"addrs"` // 集群模式
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	PoolSize    int      `yaml:"pool_size"`
	ClusterMode bool     `yaml:"cluster_mode"`
}

// AddrList 合并单地址与地址列表
func (c RedisBrokerConfig) AddrList() []string {
	addrs := make([]string, 0, len(c.Addrs)+1)
	if c.Addr != "" {
		addrs = append(addrs, c.Addr)
	}
	for _, a := range c.Addrs {
		if a != "" && a != c.Addr {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// AuthConfig 令牌校验配置；令牌由认证服务签发
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LoadConfig 加载配置：文件不存在时使用默认值，环境变量优先于文件
func LoadConfig(configPath string) (*Config, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to parse config file %s", configPath)
		}
		corelog.Infof("Config: loaded from %s", configPath)
	case os.IsNotExist(err):
		corelog.Warnf("Config: file %s not found, using defaults", configPath)
	default:
		return nil, coreerrors.Wrapf(err, coreerrors.CodeConfigError, "failed to read config file %s", configPath)
	}

	ApplyEnvOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig 补全默认值并拒绝非法取值
func ValidateConfig(config *Config) error {
	def := GetDefaultConfig()

	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = def.Server.ListenAddr
	}
	if config.Shutdown.GracefulTimeout <= 0 {
		config.Shutdown.GracefulTimeout = def.Shutdown.GracefulTimeout
	}
	if config.Shutdown.DisposeTimeout <= 0 {
		config.Shutdown.DisposeTimeout = def.Shutdown.DisposeTimeout
	}
	if config.Shutdown.DrainDelay < 0 {
		return coreerrors.New(coreerrors.CodeConfigError, "shutdown.drain_delay must not be negative")
	}

	switch strings.ToLower(config.Log.Level) {
	case "":
		config.Log.Level = def.Log.Level
	case "debug", "info", "warn", "warning", "error":
	default:
		return coreerrors.Newf(coreerrors.CodeConfigError, "invalid log level %q", config.Log.Level)
	}
	switch config.Log.Format {
	case "":
		config.Log.Format = def.Log.Format
	case "text", "json":
	default:
		return coreerrors.Newf(coreerrors.CodeConfigError, "invalid log format %q", config.Log.Format)
	}

	if config.Pool.MaxConns < 0 {
		return coreerrors.New(coreerrors.CodeConfigError, "pool.max_conns must not be negative")
	}
	if config.Pool.MaxWaiters < 0 {
		return coreerrors.New(coreerrors.CodeConfigError, "pool.max_waiters must not be negative")
	}

	if _, err := httpservice.ParseTrustedProxies(config.Server.TrustedProxies); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeConfigError, "server.trusted_proxies")
	}

	if config.Admission.MaxAttempts < 0 || config.Admission.Window < 0 || config.Admission.BlockDuration < 0 {
		return coreerrors.New(coreerrors.CodeConfigError, "admission limits must not be negative")
	}

	if config.Broadcast.MaxSubscribers < 0 || config.Broadcast.BufferSize < 0 {
		return coreerrors.New(coreerrors.CodeConfigError, "broadcast limits must not be negative")
	}

	switch config.MessageBroker.Type {
	case "":
		config.MessageBroker.Type = def.MessageBroker.Type
	case "memory":
	case "redis":
		if len(config.MessageBroker.Redis.AddrList()) == 0 {
			return coreerrors.New(coreerrors.CodeConfigError, "message_broker.redis.addr is required for the redis broker")
		}
	default:
		return coreerrors.Newf(coreerrors.CodeConfigError, "unsupported message broker type %q", config.MessageBroker.Type)
	}

	return nil
}

// GetDefaultConfig 默认配置
func GetDefaultConfig() *Config {
	central := postgres.DefaultConfig()
	return &Config{
		Server: httpservice.DefaultConfig(),
		Shutdown: ShutdownConfig{
			DrainDelay:      5 * time.Second,
			GracefulTimeout: 30 * time.Second,
			DisposeTimeout:  10 * time.Second,
		},
		Log: corelog.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		CentralDB: CentralDBConfig{Config: *central},
		Pool:      pool.DefaultConfig(),
		Registry:  tenant.DefaultConfig(),
		Resolver:  resolver.DefaultMiddlewareConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Admission: security.DefaultAdmissionConfig(),
		MessageBroker: MessageBrokerConfig{
			Type: "memory",
			Redis: RedisBrokerConfig{
				PoolSize: 10,
			},
		},
	}
}
