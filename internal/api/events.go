package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tenantgate/internal/broadcast"
	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/resolver"
)

const maxPublishBody = 64 << 10

// subscription 订阅参数，租户来自解析结果，不信任客户端
type subscription struct {
	tenantID string
	topic    string
	role     string
	userID   string
}

// subscriptionFromRequest 解析订阅参数；role 只能取调用者拥有的角色
func subscriptionFromRequest(r *http.Request) (subscription, error) {
	tc := resolver.FromContext(r.Context())
	identity := resolver.IdentityFromContext(r.Context())
	if tc == nil || identity == nil {
		return subscription{}, coreerrors.New(coreerrors.CodeUnauthorized, "no tenant selected")
	}

	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		return subscription{}, coreerrors.New(coreerrors.CodeInvalidParam, "topic is required")
	}

	role := identity.Role
	if requested := strings.TrimSpace(r.URL.Query().Get("role")); requested != "" {
		if !identity.SuperAdmin && !identity.HasRole(requested) {
			return subscription{}, coreerrors.Newf(coreerrors.CodeForbidden, "role %s not granted", requested)
		}
		role = requested
	}

	return subscription{tenantID: tc.TenantID, topic: topic, role: role, userID: identity.UserID}, nil
}

func (s *Server) checkCapacity() error {
	if s.deps.Broadcast == nil {
		return coreerrors.New(coreerrors.CodeUnavailable, "event broadcast not configured")
	}
	if s.deps.Broadcast.Count() >= s.deps.Broadcast.Capacity() {
		return coreerrors.ErrTooManySubscribers
	}
	return nil
}

// handleSubscribeSSE 建立 SSE 事件流，阻塞直到客户端断开或节点关闭
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	sub, err := subscriptionFromRequest(r)
	if err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	// 响应头一旦写出就无法再返回 503，先做容量预检
	if err := s.checkCapacity(); err != nil {
		httpservice.RespondErr(w, err)
		return
	}

	tr, err := broadcast.NewSSETransport(w, r)
	if err != nil {
		httpservice.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	id, err := s.deps.Broadcast.Subscribe(sub.tenantID, sub.topic, sub.role, sub.userID, tr)
	if err != nil {
		corelog.WithFields(map[string]interface{}{
			"tenant_id": sub.tenantID,
			"topic":     sub.topic,
		}).WithError(err).Warn("API: SSE subscribe failed")
		_ = tr.Close()
		return
	}
	corelog.Debugf("API: SSE subscriber %s on %s/%s", id, sub.tenantID, sub.topic)

	select {
	case <-tr.Done():
	case <-s.Ctx().Done():
		s.deps.Broadcast.Unsubscribe(id)
	}
}

// handleSubscribeWS 升级为 WebSocket；连接生命周期由传输层维护
func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	sub, err := subscriptionFromRequest(r)
	if err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	if err := s.checkCapacity(); err != nil {
		httpservice.RespondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		corelog.Debugf("API: websocket upgrade failed: %v", err)
		return
	}

	tr := broadcast.NewWebSocketTransport(conn)
	id, err := s.deps.Broadcast.Subscribe(sub.tenantID, sub.topic, sub.role, sub.userID, tr)
	if err != nil {
		corelog.WithField("tenant_id", sub.tenantID).WithError(err).Warn("API: websocket subscribe failed")
		_ = tr.Close()
		return
	}
	corelog.Debugf("API: websocket subscriber %s on %s/%s", id, sub.tenantID, sub.topic)
}

// PublishRequest 发布请求
type PublishRequest struct {
	Topic  string          `json:"topic"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Roles  []string        `json:"roles,omitempty"`
	UserID string          `json:"user_id,omitempty"`
}

// handlePublish 向调用者所在租户发布事件
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	tc := resolver.FromContext(r.Context())
	if s.deps.Broadcast == nil {
		httpservice.RespondError(w, http.StatusServiceUnavailable, "unavailable", "event broadcast not configured")
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody)).Decode(&req); err != nil {
		httpservice.RespondError(w, http.StatusBadRequest, "invalid_param", "invalid request body")
		return
	}
	if req.Topic == "" || req.Type == "" {
		httpservice.RespondError(w, http.StatusBadRequest, "invalid_param", "topic and type are required")
		return
	}

	ev := broadcast.Event{
		Type:      req.Type,
		Data:      req.Data,
		Timestamp: time.Now(),
		Roles:     req.Roles,
	}

	var (
		delivered int
		err       error
	)
	if req.UserID != "" {
		delivered, err = s.deps.Broadcast.SendToUser(tc.TenantID, req.Topic, req.UserID, ev)
	} else {
		delivered, err = s.deps.Broadcast.Publish(tc.TenantID, req.Topic, ev)
	}
	if err != nil {
		httpservice.RespondErr(w, err)
		return
	}
	httpservice.RespondSuccess(w, map[string]int{"delivered": delivered})
}
