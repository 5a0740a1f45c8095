package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger 可探活的依赖（中心库、消息代理）
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthChecker 以 Ping 结果判定健康
type PingHealthChecker struct {
	target   Pinger
	required bool
}

// NewPingHealthChecker 创建探活检查器；required 为 false 时失败只算降级
func NewPingHealthChecker(target Pinger, required bool) *PingHealthChecker {
	return &PingHealthChecker{target: target, required: required}
}

// Check 检查依赖是否可达
func (c *PingHealthChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	if c.target == nil {
		return &ComponentHealth{Status: c.failureStatus(), Message: "not configured"}, nil
	}
	if err := c.target.Ping(ctx); err != nil {
		return &ComponentHealth{Status: c.failureStatus(), Message: err.Error(), LastCheck: time.Now()}, nil
	}
	return &ComponentHealth{Status: ComponentStatusHealthy, LastCheck: time.Now()}, nil
}

func (c *PingHealthChecker) failureStatus() ComponentStatus {
	if c.required {
		return ComponentStatusUnhealthy
	}
	return ComponentStatusDegraded
}

// DirectoryState 租户目录状态
type DirectoryState interface {
	LastError() string
	Size() int
}

// RegistryHealthChecker 租户目录检查：刷新失败时沿用旧快照，只算降级；
// 从未加载成功（目录为空且有错误）则不健康
type RegistryHealthChecker struct {
	directory DirectoryState
}

// NewRegistryHealthChecker 创建租户目录检查器
func NewRegistryHealthChecker(directory DirectoryState) *RegistryHealthChecker {
	return &RegistryHealthChecker{directory: directory}
}

// Check 检查租户目录
func (c *RegistryHealthChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	lastErr := c.directory.LastError()
	size := c.directory.Size()

	switch {
	case lastErr != "" && size == 0:
		return &ComponentHealth{Status: ComponentStatusUnhealthy, Message: lastErr}, nil
	case lastErr != "":
		return &ComponentHealth{Status: ComponentStatusDegraded, Message: "serving stale directory: " + lastErr}, nil
	case size == 0:
		return &ComponentHealth{Status: ComponentStatusDegraded, Message: "no tenants loaded"}, nil
	}
	return &ComponentHealth{Status: ComponentStatusHealthy, Message: fmt.Sprintf("%d tenants", size)}, nil
}

// CapacityState 有容量上限的组件（订阅注册表）
type CapacityState interface {
	Count() int
	Capacity() int
}

// CapacityHealthChecker 使用率达到阈值时降级
type CapacityHealthChecker struct {
	state     CapacityState
	threshold float64
}

// NewCapacityHealthChecker 创建容量检查器，threshold 为 0~1 的使用率
func NewCapacityHealthChecker(state CapacityState, threshold float64) *CapacityHealthChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &CapacityHealthChecker{state: state, threshold: threshold}
}

// Check 检查使用率
func (c *CapacityHealthChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	count, capacity := c.state.Count(), c.state.Capacity()
	message := fmt.Sprintf("%d/%d", count, capacity)
	if capacity > 0 && float64(count) >= float64(capacity)*c.threshold {
		return &ComponentHealth{Status: ComponentStatusDegraded, Message: message}, nil
	}
	return &ComponentHealth{Status: ComponentStatusHealthy, Message: message}, nil
}
