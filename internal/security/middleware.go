package security

import (
	"net/http"
	"strconv"

	"tenantgate/internal/httpservice"

	"github.com/gorilla/mux"
)

// RouteKey 从请求提取路由标识
type RouteKey func(r *http.Request) string

// RouteTemplate 优先使用 mux 路由模板，使 /users/1 与 /users/2 共享计数
func RouteTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// OriginKey 从请求提取来源标识
type OriginKey func(r *http.Request) string

// Middleware 在租户解析之前拒绝超限来源，返回 429。origin 为空时只用直连地址
func (g *AdmissionGuard) Middleware(routeKey RouteKey, origin OriginKey) func(http.Handler) http.Handler {
	if routeKey == nil {
		routeKey = RouteTemplate
	}
	if origin == nil {
		origin = httpservice.ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Check(origin(r), routeKey(r))
			if d.Allowed {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				next.ServeHTTP(w, r)
				return
			}

			secs := d.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			httpservice.RespondJSON(w, http.StatusTooManyRequests, httpservice.ResponseData{
				Success:    false,
				Error:      "rate_limited",
				Message:    "too many attempts, retry later",
				RetryAfter: secs,
			})
		})
	}
}
