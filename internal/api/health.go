package api

import (
	"context"
	"net/http"

	"tenantgate/internal/health"
	"tenantgate/internal/httpservice"
)

// healthResponse /healthz 响应体
type healthResponse struct {
	*health.HealthInfo
	Checks *health.Report `json:"checks,omitempty"`
}

func (s *Server) runChecks(ctx context.Context) *health.Report {
	if s.deps.Checks == nil {
		return nil
	}
	report := s.deps.Checks.Check(ctx)
	return &report
}

// handleHealthz 存活检查：节点状态 + 各组件检查结果，组件不健康时返回 503
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	resp := healthResponse{HealthInfo: &health.HealthInfo{Status: health.HealthStatusHealthy, Ready: true}}
	if s.deps.Health != nil {
		resp.HealthInfo = s.deps.Health.GetHealthInfo()
	}
	resp.Checks = s.runChecks(ctx)

	status := http.StatusOK
	if resp.Checks != nil && resp.Checks.Status == health.ComponentStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	if resp.HealthInfo.Status == health.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	httpservice.RespondJSON(w, status, resp)
}

// handleReadyz 就绪检查：draining 或组件不健康时返回 503
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ready := s.deps.Health == nil || s.deps.Health.IsReady()
	report := s.runChecks(ctx)
	if report != nil && report.Status == health.ComponentStatusUnhealthy {
		ready = false
	}

	body := map[string]interface{}{"ready": ready}
	if report != nil {
		body["status"] = report.Status
	}
	if !ready {
		httpservice.RespondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	httpservice.RespondJSON(w, http.StatusOK, body)
}
