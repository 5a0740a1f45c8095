package api

import (
	"context"
	"encoding/json"
	"net/http"

	"tenantgate/internal/broadcast"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/pool"
	"tenantgate/internal/security"
	"tenantgate/internal/tenant"

	"github.com/gorilla/mux"
)

// StatsResponse 管理统计
type StatsResponse struct {
	Tenants   *tenant.Stats            `json:"tenants,omitempty"`
	Pools     *pool.ManagerStats       `json:"pools,omitempty"`
	Broadcast *broadcast.Stats         `json:"broadcast,omitempty"`
	Admission *security.AdmissionStats `json:"admission,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp StatsResponse
	if s.deps.Tenants != nil {
		st := s.deps.Tenants.Stats()
		resp.Tenants = &st
	}
	if s.deps.Pools != nil {
		st := s.deps.Pools.Stats()
		resp.Pools = &st
	}
	if s.deps.Broadcast != nil {
		st := s.deps.Broadcast.Stats()
		resp.Broadcast = &st
	}
	if s.deps.Admission != nil {
		st := s.deps.Admission.Stats()
		resp.Admission = &st
	}
	httpservice.RespondSuccess(w, resp)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tenants == nil {
		httpservice.RespondSuccess(w, []tenant.Descriptor{})
		return
	}
	httpservice.RespondSuccess(w, s.deps.Tenants.List())
}

func (s *Server) handleRefreshTenants(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tenants == nil {
		httpservice.RespondError(w, http.StatusServiceUnavailable, "unavailable", "tenant registry not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.deps.Tenants.Refresh(ctx); err != nil {
		// 旧快照继续服务
		httpservice.RespondErr(w, err)
		return
	}
	httpservice.RespondSuccess(w, map[string]int{"tenants": s.deps.Tenants.Size()})
}

func (s *Server) handleMarkReady(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mark(w, r, id, func(ctx context.Context) error {
		return s.deps.Tenants.MarkReady(ctx, id)
	})
}

type markErrorRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleMarkError(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req markErrorRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpservice.RespondError(w, http.StatusBadRequest, "invalid_param", "invalid request body")
			return
		}
	}
	s.mark(w, r, id, func(ctx context.Context) error {
		return s.deps.Tenants.MarkError(ctx, id, req.Reason)
	})
}

func (s *Server) mark(w http.ResponseWriter, r *http.Request, id string, fn func(ctx context.Context) error) {
	if s.deps.Tenants == nil {
		httpservice.RespondError(w, http.StatusServiceUnavailable, "unavailable", "tenant registry not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	// 刚创建的租户可能还不在快照里
	if _, err := s.deps.Tenants.LookupOrRefresh(ctx, id); err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	if err := fn(ctx); err != nil {
		// 持久化失败时本地状态已生效，仍返回错误让调用方重试
		if !coreerrors.IsNotFound(err) {
			corelog.WithField("tenant_id", id).WithError(err).Warn("API: tenant status change not persisted")
		}
		httpservice.RespondErr(w, err)
		return
	}

	d, err := s.deps.Tenants.Lookup(id)
	if err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	httpservice.RespondSuccess(w, d)
}
