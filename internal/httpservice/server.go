package httpservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"tenantgate/internal/core/dispose"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
)

// HTTPService 管理 http.Server 的监听与优雅关闭
type HTTPService struct {
	*dispose.ManagerBase

	config  Config
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewHTTPService 创建 HTTP 服务；handler 通常是 api.Server.Handler()
func NewHTTPService(parentCtx context.Context, config Config, handler http.Handler) *HTTPService {
	def := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.MaxBodySize > 0 {
		handler = BodySizeLimitMiddleware(config.MaxBodySize)(handler)
	}

	s := &HTTPService{
		ManagerBase: dispose.NewManager("HTTPService", parentCtx),
		config:      config,
		handler:     handler,
	}
	s.AddCleanHandler(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(ctx)
	})
	return s
}

func (s *HTTPService) Name() string {
	return "http:" + s.config.ListenAddr
}

// Addr 实际监听地址，未启动时为配置地址
func (s *HTTPService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

// Start 绑定端口并在后台处理请求；端口占用等错误同步返回
func (s *HTTPService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeUnavailable, "listen on %s", s.config.ListenAddr)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return s.Ctx() },
	}

	server := s.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			corelog.Errorf("HTTPService: serve error: %v", err)
		}
	}()

	corelog.Infof("HTTPService: listening on %s", ln.Addr())
	return nil
}

// Stop 停止接收新连接并等待进行中的请求；超时后强制关闭
func (s *HTTPService) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	corelog.Infof("HTTPService: shutting down %s", s.config.ListenAddr)
	if err := server.Shutdown(ctx); err != nil {
		corelog.Warnf("HTTPService: graceful shutdown incomplete, closing: %v", err)
		return server.Close()
	}
	return nil
}
