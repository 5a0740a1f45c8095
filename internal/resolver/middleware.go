package resolver

import (
	"net/http"
	"strings"

	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/httpservice"
)

// MiddlewareConfig 租户中间件配置
type MiddlewareConfig struct {
	PendingSetupPath string   `yaml:"pending_setup_path"`
	LoginPath        string   `yaml:"login_path"`
	MaintenancePath  string   `yaml:"maintenance_path"`
	OpenPaths        []string `yaml:"open_paths"` // 不做就绪与维护检查的路径前缀
}

// DefaultMiddlewareConfig 默认配置
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		PendingSetupPath: "/municipio-pendente",
		LoginPath:        "/login",
		MaintenancePath:  "/manutencao",
		OpenPaths:        []string{"/logout", "/api/auth/logout", "/public", "/assets"},
	}
}

// Middleware resolves the tenant of every request
type Middleware struct {
	resolver  *Resolver
	extractor IdentityExtractor
	cfg       MiddlewareConfig
}

// NewMiddleware 创建租户中间件
func NewMiddleware(resolver *Resolver, extractor IdentityExtractor, cfg MiddlewareConfig) *Middleware {
	def := DefaultMiddlewareConfig()
	if cfg.PendingSetupPath == "" {
		cfg.PendingSetupPath = def.PendingSetupPath
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = def.LoginPath
	}
	if cfg.MaintenancePath == "" {
		cfg.MaintenancePath = def.MaintenancePath
	}
	if cfg.OpenPaths == nil {
		cfg.OpenPaths = def.OpenPaths
	}
	return &Middleware{resolver: resolver, extractor: extractor, cfg: cfg}
}

// Handler attaches identity and tenant to the request context. Requests for
// a tenant that is not ready never reach next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity, err := m.extractor.Extract(r)
		if err != nil {
			corelog.Debugf("Resolver: ignoring invalid credentials on %s: %v", r.URL.Path, err)
			identity = nil
		}
		if identity != nil {
			ctx = WithIdentity(ctx, identity)
		}

		if m.isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		res := m.resolver.Resolve(ctx, identity)
		switch res.Outcome {
		case NotReady:
			corelog.Debugf("Resolver: tenant %s not ready (%s)", res.TenantID, res.Reason)
			// 超级管理员需要访问管理接口来修复未就绪的租户
			if identity != nil && identity.SuperAdmin {
				break
			}
			m.notReady(w, r, res.Reason)
			return
		case Resolved:
			if res.Context.MaintenanceMode && !allowedDuringMaintenance(identity) {
				m.maintenance(w, r)
				return
			}
			ctx = WithTenant(ctx, res.Context)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireTenant rejects requests that reached it without a resolved tenant
func (m *Middleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) != nil {
			next.ServeHTTP(w, r)
			return
		}
		if httpservice.IsAPIRequest(r) {
			httpservice.RespondError(w, http.StatusUnauthorized, "tenant_required", "no tenant selected")
			return
		}
		http.Redirect(w, r, m.cfg.LoginPath, http.StatusFound)
	})
}

// RequireSuperAdmin rejects everyone but super admins
func (m *Middleware) RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFromContext(r.Context())
		if identity == nil {
			httpservice.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !identity.SuperAdmin {
			httpservice.RespondError(w, http.StatusForbidden, "forbidden", "super admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) notReady(w http.ResponseWriter, r *http.Request, reason string) {
	if httpservice.IsAPIRequest(r) {
		httpservice.RespondJSON(w, http.StatusServiceUnavailable, httpservice.ResponseData{
			Success: false,
			Error:   "tenant_not_ready",
			Message: "tenant storage is not ready",
			Reason:  reason,
		})
		return
	}
	http.Redirect(w, r, m.cfg.PendingSetupPath, http.StatusFound)
}

func (m *Middleware) maintenance(w http.ResponseWriter, r *http.Request) {
	if httpservice.IsAPIRequest(r) {
		httpservice.RespondError(w, http.StatusServiceUnavailable, "maintenance", "tenant is under maintenance")
		return
	}
	http.Redirect(w, r, m.cfg.MaintenancePath, http.StatusFound)
}

func (m *Middleware) isOpenPath(path string) bool {
	if path == m.cfg.PendingSetupPath || path == m.cfg.MaintenancePath || path == m.cfg.LoginPath {
		return true
	}
	for _, p := range m.cfg.OpenPaths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func allowedDuringMaintenance(identity *Identity) bool {
	return identity != nil && (identity.SuperAdmin || identity.HasRole(RoleAdmin))
}
