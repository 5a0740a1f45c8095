package api

import (
	"context"
	"net/http"
	"time"

	coreerrors "tenantgate/internal/core/errors"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/resolver"
)

// PingResponse 租户存储往返结果，不含 schema 与连接信息
type PingResponse struct {
	TenantID  string `json:"tenant_id"`
	LatencyMs int64  `json:"latency_ms"`
}

// handleTenantPing 在租户目标内执行 SELECT 1
func (s *Server) handleTenantPing(w http.ResponseWriter, r *http.Request) {
	tc := resolver.FromContext(r.Context())
	if s.deps.Pools == nil {
		httpservice.RespondErr(w, coreerrors.New(coreerrors.CodeUnavailable, "connection pool not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	start := time.Now()
	if err := s.deps.Pools.HealthCheck(ctx, tc.Target); err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	httpservice.RespondSuccess(w, PingResponse{
		TenantID:  tc.TenantID,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}
