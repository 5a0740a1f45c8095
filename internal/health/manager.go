package health

import (
	"context"
	"sync"
	"time"

	"tenantgate/internal/core/dispose"
)

// HealthStatus 节点状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"   // 正常接收请求
	HealthStatusDraining  HealthStatus = "draining"  // 关闭中，负载均衡应摘除本节点
	HealthStatusUnhealthy HealthStatus = "unhealthy" // 不可用
)

// HealthInfo 节点健康信息
type HealthInfo struct {
	Status           HealthStatus      `json:"status"`
	NodeID           string            `json:"node_id,omitempty"`
	Version          string            `json:"version,omitempty"`
	Uptime           int64             `json:"uptime_seconds"`
	Subscribers      int               `json:"subscribers"`
	ConnectionsInUse int               `json:"connections_in_use"`
	Details          map[string]string `json:"details,omitempty"`
	LastStatusChange time.Time         `json:"last_status_change"`
	Ready            bool              `json:"ready"`
}

// StatsProvider 提供实时负载数据
type StatsProvider interface {
	ActiveSubscribers() int
	ConnectionsInUse() int
}

// HealthManager 节点状态管理器
//
// 优雅关闭时先切换为 draining，使 /readyz 失败，负载均衡提前摘除节点，
// 已建立的事件流在此期间继续服务。
type HealthManager struct {
	*dispose.ServiceBase

	mu               sync.RWMutex
	status           HealthStatus
	startTime        time.Time
	lastStatusChange time.Time
	nodeID           string
	version          string
	details          map[string]string
	statsProvider    StatsProvider
}

// NewHealthManager 创建节点状态管理器
func NewHealthManager(parentCtx context.Context, nodeID, version string) *HealthManager {
	now := time.Now()
	return &HealthManager{
		ServiceBase:      dispose.NewService("HealthManager", parentCtx),
		status:           HealthStatusHealthy,
		startTime:        now,
		lastStatusChange: now,
		nodeID:           nodeID,
		version:          version,
		details:          make(map[string]string),
	}
}

// SetStatsProvider 设置负载数据来源
func (m *HealthManager) SetStatsProvider(provider StatsProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsProvider = provider
}

// GetStatus 当前状态
func (m *HealthManager) GetStatus() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus 设置状态
func (m *HealthManager) SetStatus(status HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != status {
		m.status = status
		m.lastStatusChange = time.Now()
	}
}

// IsReady 仅 healthy 状态接收新请求
func (m *HealthManager) IsReady() bool {
	return m.GetStatus() == HealthStatusHealthy
}

// MarkDraining 标记为关闭中
func (m *HealthManager) MarkDraining() {
	m.SetStatus(HealthStatusDraining)
}

// MarkUnhealthy 标记为不可用并记录原因
func (m *HealthManager) MarkUnhealthy(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = HealthStatusUnhealthy
	m.lastStatusChange = time.Now()
	m.details["unhealthy_reason"] = reason
}

// SetDetail 设置附加信息
func (m *HealthManager) SetDetail(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[key] = value
}

// GetHealthInfo 获取完整健康信息
func (m *HealthManager) GetHealthInfo() *HealthInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := &HealthInfo{
		Status:           m.status,
		NodeID:           m.nodeID,
		Version:          m.version,
		Uptime:           int64(time.Since(m.startTime).Seconds()),
		Details:          make(map[string]string, len(m.details)),
		LastStatusChange: m.lastStatusChange,
		Ready:            m.status == HealthStatusHealthy,
	}
	if m.statsProvider != nil {
		info.Subscribers = m.statsProvider.ActiveSubscribers()
		info.ConnectionsInUse = m.statsProvider.ConnectionsInUse()
	}
	for k, v := range m.details {
		info.Details[k] = v
	}
	return info
}
