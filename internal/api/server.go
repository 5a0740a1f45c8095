// Package api 对外 HTTP 接口：健康检查、管理统计、事件订阅与发布
package api

import (
	"context"
	"net/http"
	"time"

	"tenantgate/internal/broadcast"
	"tenantgate/internal/core/dispose"
	"tenantgate/internal/health"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/pool"
	"tenantgate/internal/resolver"
	"tenantgate/internal/security"
	"tenantgate/internal/tenant"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Deps 路由依赖的组件
type Deps struct {
	Tenants   *tenant.Registry
	Pools     *pool.Manager
	Broadcast *broadcast.Registry
	Admission *security.AdmissionGuard
	Proxies   *httpservice.TrustedProxies // nil 时准入只看直连地址
	Resolver  *resolver.Middleware
	Health    *health.HealthManager
	Checks    *health.CompositeHealthChecker

	// LoginHandler 由认证模块提供，未配置时登录返回 501
	LoginHandler http.Handler
	CORS         *httpservice.CORSConfig
}

// Server 路由与处理器
type Server struct {
	*dispose.ManagerBase

	deps     Deps
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer 创建 API 服务
func NewServer(parentCtx context.Context, deps Deps) *Server {
	s := &Server{
		ManagerBase: dispose.NewManager("APIServer", parentCtx),
		deps:        deps,
		router:      mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.registerRoutes()
	return s
}

// Handler 返回根处理器；CORS 包在路由外层，预检请求无需匹配路由方法
func (s *Server) Handler() http.Handler {
	return httpservice.CORSMiddleware(s.deps.CORS)(s.router)
}

func (s *Server) registerRoutes() {
	s.router.Use(httpservice.RequestIDMiddleware)
	s.router.Use(httpservice.LoggingMiddleware)
	s.router.Use(httpservice.RecoveryMiddleware)

	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	// 健康检查（无认证）
	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	// 认证：准入守卫先于租户解析
	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	auth := s.router.PathPrefix("/api/auth").Subrouter()
	if s.deps.Admission != nil {
		auth.Use(s.deps.Admission.Middleware(security.RouteTemplate, s.deps.Proxies.ClientIP))
	}
	auth.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	// 管理接口（超级管理员）
	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.deps.Resolver.Handler)
	admin.Use(s.deps.Resolver.RequireSuperAdmin)
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/tenants", s.handleListTenants).Methods(http.MethodGet)
	admin.HandleFunc("/tenants/refresh", s.handleRefreshTenants).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/{id}/ready", s.handleMarkReady).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/{id}/error", s.handleMarkError).Methods(http.MethodPost)

	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	// 租户范围接口
	// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
	scoped := s.router.PathPrefix("/api").Subrouter()
	scoped.Use(s.deps.Resolver.Handler)
	scoped.Use(s.deps.Resolver.RequireTenant)
	scoped.HandleFunc("/events", s.handleSubscribeSSE).Methods(http.MethodGet)
	scoped.HandleFunc("/events/ws", s.handleSubscribeWS).Methods(http.MethodGet)
	scoped.HandleFunc("/events/publish", s.handlePublish).Methods(http.MethodPost)
	scoped.HandleFunc("/tenant/ping", s.handleTenantPing).Methods(http.MethodGet)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	cors := s.deps.CORS
	if cors == nil || !cors.Enabled {
		// 未启用 CORS 时只接受同源
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	for _, allowed := range cors.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.LoginHandler == nil {
		httpservice.RespondError(w, http.StatusNotImplemented, "not_implemented", "login is handled by the authentication service")
		return
	}
	s.deps.LoginHandler.ServeHTTP(w, r)
}

// ActiveSubscribers 实现 health.StatsProvider
func (s *Server) ActiveSubscribers() int {
	if s.deps.Broadcast == nil {
		return 0
	}
	return s.deps.Broadcast.Count()
}

// ConnectionsInUse 实现 health.StatsProvider
func (s *Server) ConnectionsInUse() int {
	if s.deps.Pools == nil {
		return 0
	}
	return s.deps.Pools.Stats().InUse
}

const requestTimeout = 10 * time.Second
