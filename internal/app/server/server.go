package server

import (
	"context"
	"fmt"
	"time"

	"tenantgate/internal/api"
	"tenantgate/internal/broadcast"
	"tenantgate/internal/broker"
	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/core/storage/postgres"
	"tenantgate/internal/health"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/pool"
	"tenantgate/internal/resolver"
	"tenantgate/internal/security"
	"tenantgate/internal/tenant"
	"tenantgate/internal/utils"
	"tenantgate/internal/version"

	"github.com/google/uuid"
)

const (
	healthCheckTimeout = 3 * time.Second
	capacityThreshold  = 0.9
)

// Server 进程内所有组件的装配结果
type Server struct {
	config     *Config
	configPath string
	nodeID     string

	serviceManager *utils.ServiceManager

	central   *postgres.Storage
	broker    broker.MessageBroker
	tenants   *tenant.Registry
	pools     *pool.Manager
	broadcast *broadcast.Registry
	relay     *broadcast.Relay
	admission *security.AdmissionGuard
	health    *health.HealthManager
	apiServer *api.Server
	http      *httpservice.HTTPService
}

// New 初始化日志并创建所有组件；任何依赖不可用都直接返回错误
func New(parentCtx context.Context, config *Config, configPath string) (*Server, error) {
	if err := initLogging(config.Log); err != nil {
		return nil, err
	}
	if config.CentralDB.DSN == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "central_db.dsn is required")
	}
	if config.Auth.JWTSecret == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "auth.jwt_secret is required")
	}

	nodeID := config.MessageBroker.NodeID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}

	serviceConfig := utils.DefaultServiceConfig()
	serviceConfig.GracefulShutdownTimeout = config.Shutdown.GracefulTimeout
	serviceConfig.ResourceDisposeTimeout = config.Shutdown.DisposeTimeout

	s := &Server{
		config:         config,
		configPath:     configPath,
		nodeID:         nodeID,
		serviceManager: utils.NewServiceManager(parentCtx, serviceConfig),
	}

	if err := s.build(); err != nil {
		s.serviceManager.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	ctx := s.serviceManager.Ctx()
	cfg := s.config

	centralCfg := cfg.CentralDB.Config
	centralCfg.Name = "central"
	central, err := postgres.New(ctx, &centralCfg)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeUnavailable, "connect central database")
	}
	s.central = central
	s.register("central-db", central)

	mb, err := broker.NewMessageBroker(ctx, &broker.BrokerConfig{
		Type:   broker.BrokerType(cfg.MessageBroker.Type),
		NodeID: s.nodeID,
		Redis: &broker.RedisBrokerConfig{
			Addrs:       cfg.MessageBroker.Redis.AddrList(),
			Password:    cfg.MessageBroker.Redis.Password,
			DB:          cfg.MessageBroker.Redis.DB,
			ClusterMode: cfg.MessageBroker.Redis.ClusterMode,
			PoolSize:    cfg.MessageBroker.Redis.PoolSize,
		},
	})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeUnavailable, "create message broker")
	}
	s.broker = mb
	s.register("message-broker", mb)
	corelog.Infof("Server: message broker %s ready (node %s)", cfg.MessageBroker.Type, s.nodeID)

	source := tenant.NewPostgresSource(central, cfg.CentralDB.SharedTenantDSN())
	s.tenants = tenant.NewRegistry(ctx, source, cfg.Registry, mb)
	s.register("tenant-registry", s.tenants)

	s.pools = pool.NewManager(ctx, cfg.Pool, pool.NewPgxDialer(ctx, cfg.Pool))
	s.register("pool-manager", s.pools)

	s.broadcast = broadcast.NewRegistry(ctx, cfg.Broadcast)
	s.relay = broadcast.NewRelay(ctx, s.broadcast, mb)
	s.register("broadcast-relay", s.relay)
	s.register("broadcast-registry", s.broadcast)

	proxies, err := httpservice.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeConfigError, "server.trusted_proxies")
	}

	s.admission = security.NewAdmissionGuard(ctx, cfg.Admission)
	s.register("admission-guard", s.admission)

	extractor := resolver.NewJWTIdentityExtractor(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	mw := resolver.NewMiddleware(resolver.New(s.tenants), extractor, cfg.Resolver)

	s.health = health.NewHealthManager(ctx, s.nodeID, version.GetShortVersion())
	s.health.SetDetail("broker", cfg.MessageBroker.Type)
	checks := health.NewCompositeHealthChecker(healthCheckTimeout)
	checks.RegisterChecker("central_db", health.NewPingHealthChecker(central, true))
	checks.RegisterChecker("message_broker", health.NewPingHealthChecker(mb, false))
	checks.RegisterChecker("tenant_registry", health.NewRegistryHealthChecker(s.tenants))
	checks.RegisterChecker("broadcast_capacity", health.NewCapacityHealthChecker(s.broadcast, capacityThreshold))

	s.apiServer = api.NewServer(ctx, api.Deps{
		Tenants:   s.tenants,
		Pools:     s.pools,
		Broadcast: s.broadcast,
		Admission: s.admission,
		Proxies:   proxies,
		Resolver:  mw,
		Health:    s.health,
		Checks:    checks,
		CORS:      &cfg.Server.CORS,
	})
	s.health.SetStatsProvider(s.apiServer)

	s.http = httpservice.NewHTTPService(ctx, cfg.Server, s.apiServer.Handler())

	return s.registerServices()
}

func (s *Server) register(name string, resource dispose.Disposable) {
	if err := s.serviceManager.RegisterResource(name, resource); err != nil {
		corelog.Warnf("Server: failed to register resource %s: %v", name, err)
	}
}

func (s *Server) registerServices() error {
	services := []utils.Service{
		&lifecycle{
			name: "tenant-registry",
			start: func(ctx context.Context) error {
				// 初始加载失败不阻止启动，后台刷新会继续重试
				if err := s.tenants.Start(); err != nil {
					corelog.Warnf("Server: initial tenant load failed: %v", err)
				}
				return nil
			},
		},
		&lifecycle{
			name:  "broadcast-relay",
			start: func(ctx context.Context) error { return s.relay.Start() },
		},
		s.http,
	}
	for _, svc := range services {
		if err := s.serviceManager.RegisterService(svc); err != nil {
			return err
		}
	}

	s.serviceManager.OnShutdown(s.drain)
	return nil
}

// drain 先摘除流量再断开订阅者，SSE 处理器返回后 HTTP 才能正常关闭
func (s *Server) drain(ctx context.Context) {
	s.health.MarkDraining()
	corelog.Infof("Server: draining, waiting %s before closing subscribers", s.config.Shutdown.DrainDelay)

	if d := s.config.Shutdown.DrainDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}

	corelog.Infof("Server: closing %d subscribers", s.broadcast.Count())
	if err := s.broadcast.Close(); err != nil {
		corelog.Warnf("Server: closing broadcast registry: %v", err)
	}
}

// Run 显示启动信息并阻塞到关闭完成
func (s *Server) Run(ctx context.Context) error {
	s.DisplayStartupBanner(s.configPath)
	corelog.Infof("Server: starting tenantgate %s on %s", version.GetShortVersion(), s.config.Server.ListenAddr)
	return s.serviceManager.Run(ctx)
}

// NodeID 当前节点ID
func (s *Server) NodeID() string {
	return s.nodeID
}

// lifecycle 将无参数的 Start 适配为 utils.Service
type lifecycle struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) Start(ctx context.Context) error {
	if l.start == nil {
		return nil
	}
	return l.start(ctx)
}

func (l *lifecycle) Stop(ctx context.Context) error {
	if l.stop == nil {
		return nil
	}
	return l.stop(ctx)
}

func initLogging(cfg corelog.Config) error {
	if err := corelog.Configure(cfg); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeConfigError, "initialize logger")
	}
	dispose.SetLogger(func(level, format string, args ...interface{}) {
		switch level {
		case "debug":
			corelog.Debugf(format, args...)
		case "warn":
			corelog.Warnf(format, args...)
		case "error":
			corelog.Errorf(format, args...)
		default:
			corelog.Infof(format, args...)
		}
	})
	return nil
}

// ListTenants 加载中央目录并返回所有租户，供命令行使用
func ListTenants(ctx context.Context, config *Config) ([]tenant.Descriptor, error) {
	if err := initLogging(config.Log); err != nil {
		return nil, err
	}
	if config.CentralDB.DSN == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "central_db.dsn is required")
	}

	centralCfg := config.CentralDB.Config
	centralCfg.Name = "central"
	central, err := postgres.New(ctx, &centralCfg)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeUnavailable, "connect central database")
	}
	defer central.Close()

	descs, err := tenant.NewPostgresSource(central, config.CentralDB.SharedTenantDSN()).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	return descs, nil
}
