// Package utils 进程级服务生命周期管理
package utils

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
)

// ServiceConfig 服务配置
type ServiceConfig struct {
	// 优雅关闭超时时间
	GracefulShutdownTimeout time.Duration
	// 资源释放超时时间
	ResourceDisposeTimeout time.Duration
	// 是否启用信号处理
	EnableSignalHandling bool
}

// DefaultServiceConfig 默认服务配置
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		GracefulShutdownTimeout: 30 * time.Second,
		ResourceDisposeTimeout:  10 * time.Second,
		EnableSignalHandling:    true,
	}
}

// Service 可启停的服务
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ShutdownHook 在停止服务之前执行，例如切换为 draining
type ShutdownHook func(ctx context.Context)

// ServiceManager 按注册顺序启动服务，逆序停止，最后释放资源
type ServiceManager struct {
	*dispose.ManagerBase

	config    *ServiceConfig
	resources *dispose.ResourceManager

	mu       sync.RWMutex
	services []Service
	started  []Service
	hooks    []ShutdownHook

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopErr      error
}

// NewServiceManager 创建新的服务管理器
func NewServiceManager(parentCtx context.Context, config *ServiceConfig) *ServiceManager {
	if config == nil {
		config = DefaultServiceConfig()
	}
	sm := &ServiceManager{
		ManagerBase:  dispose.NewManager("ServiceManager", parentCtx),
		config:       config,
		resources:    dispose.NewResourceManager(),
		shutdownChan: make(chan struct{}),
	}
	sm.AddCleanHandler(sm.shutdown)
	return sm
}

// RegisterService 注册服务；名称重复返回错误
func (sm *ServiceManager) RegisterService(service Service) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, s := range sm.services {
		if s.Name() == service.Name() {
			return coreerrors.Newf(coreerrors.CodeInvalidParam, "service %s already registered", service.Name())
		}
	}
	sm.services = append(sm.services, service)
	corelog.Debugf("ServiceManager: registered service %s", service.Name())
	return nil
}

// RegisterResource 注册在服务停止后释放的资源，按注册相反顺序释放
func (sm *ServiceManager) RegisterResource(name string, resource dispose.Disposable) error {
	return sm.resources.Register(name, resource)
}

// OnShutdown 注册关闭前回调
func (sm *ServiceManager) OnShutdown(hook ShutdownHook) {
	sm.mu.Lock()
	sm.hooks = append(sm.hooks, hook)
	sm.mu.Unlock()
}

// ListServices 按注册顺序列出服务名称
func (sm *ServiceManager) ListServices() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	names := make([]string, 0, len(sm.services))
	for _, s := range sm.services {
		names = append(names, s.Name())
	}
	return names
}

// ListResources 按注册顺序列出资源名称
func (sm *ServiceManager) ListResources() []string {
	return sm.resources.ListResources()
}

// StartAllServices 依次启动服务；失败时停止已启动的服务
func (sm *ServiceManager) StartAllServices() error {
	sm.mu.Lock()
	services := append([]Service(nil), sm.services...)
	sm.mu.Unlock()

	corelog.Infof("ServiceManager: starting %d services", len(services))
	for _, service := range services {
		if err := service.Start(sm.Ctx()); err != nil {
			corelog.Errorf("ServiceManager: failed to start service %s: %v", service.Name(), err)
			sm.StopAllServices()
			return coreerrors.Wrapf(err, coreerrors.CodeUnavailable, "start service %s", service.Name())
		}
		sm.mu.Lock()
		sm.started = append(sm.started, service)
		sm.mu.Unlock()
		corelog.Infof("ServiceManager: service %s started", service.Name())
	}
	return nil
}

// StopAllServices 逆序停止已启动的服务，返回最后一个错误
func (sm *ServiceManager) StopAllServices() error {
	sm.mu.Lock()
	started := sm.started
	sm.started = nil
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.config.GracefulShutdownTimeout)
	defer cancel()

	var lastErr error
	for i := len(started) - 1; i >= 0; i-- {
		service := started[i]
		if err := service.Stop(ctx); err != nil {
			corelog.Errorf("ServiceManager: failed to stop service %s: %v", service.Name(), err)
			lastErr = err
			continue
		}
		corelog.Infof("ServiceManager: service %s stopped", service.Name())
	}
	return lastErr
}

// Run 启动服务并阻塞到收到信号、ctx 取消或 TriggerShutdown，然后优雅关闭
func (sm *ServiceManager) Run(ctx context.Context) error {
	if sm.config.EnableSignalHandling {
		sm.setupSignalHandling()
	}

	if err := sm.StartAllServices(); err != nil {
		sm.Close()
		return err
	}

	select {
	case <-ctx.Done():
		corelog.Infof("ServiceManager: context cancelled, initiating shutdown")
	case <-sm.shutdownChan:
		corelog.Infof("ServiceManager: shutdown requested")
	case <-sm.Ctx().Done():
	}

	return sm.gracefulShutdown()
}

// TriggerShutdown 请求关闭，可重复调用
func (sm *ServiceManager) TriggerShutdown() {
	sm.shutdownOnce.Do(func() { close(sm.shutdownChan) })
}

func (sm *ServiceManager) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			corelog.Infof("ServiceManager: received signal %v", sig)
			sm.TriggerShutdown()
		case <-sm.Ctx().Done():
		}
	}()
}

func (sm *ServiceManager) gracefulShutdown() error {
	err := sm.shutdown()
	sm.Close()
	return err
}

// shutdown 执行关闭回调、停止服务、释放资源，只执行一次
func (sm *ServiceManager) shutdown() error {
	sm.stopOnce.Do(func() {
		corelog.Infof("ServiceManager: starting graceful shutdown")

		sm.mu.RLock()
		hooks := append([]ShutdownHook(nil), sm.hooks...)
		sm.mu.RUnlock()

		hookCtx, cancel := context.WithTimeout(context.Background(), sm.config.GracefulShutdownTimeout)
		for _, hook := range hooks {
			hook(hookCtx)
		}
		cancel()

		if err := sm.StopAllServices(); err != nil {
			sm.stopErr = err
		}

		result := sm.resources.DisposeWithTimeout(sm.config.ResourceDisposeTimeout)
		if result.HasErrors() {
			corelog.Errorf("ServiceManager: resource disposal completed with errors: %v", result.Error())
			sm.stopErr = coreerrors.Newf(coreerrors.CodeInternal, "resource disposal failed: %s", result.Error())
		}
		corelog.Infof("ServiceManager: graceful shutdown completed")
	})
	return sm.stopErr
}
