// Package health 聚合各组件的健康检查，供 /healthz 与 /readyz 使用
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ComponentStatus 组件状态
type ComponentStatus string

const (
	ComponentStatusHealthy   ComponentStatus = "healthy"
	ComponentStatusDegraded  ComponentStatus = "degraded"  // 降级，部分功能不可用
	ComponentStatusUnhealthy ComponentStatus = "unhealthy" // 不健康，完全不可用
)

// ComponentHealth 组件健康信息
type ComponentHealth struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// HealthChecker 健康检查器接口
type HealthChecker interface {
	Check(ctx context.Context) (*ComponentHealth, error)
}

// Report 一次完整检查的结果
type Report struct {
	Status     ComponentStatus             `json:"status"`
	Components map[string]*ComponentHealth `json:"components"`
}

// CompositeHealthChecker 组合健康检查器，各检查并发执行，每项受 timeout 约束
type CompositeHealthChecker struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewCompositeHealthChecker 创建组合健康检查器
func NewCompositeHealthChecker(timeout time.Duration) *CompositeHealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &CompositeHealthChecker{
		checkers: make(map[string]HealthChecker),
		timeout:  timeout,
	}
}

// RegisterChecker 注册健康检查器，同名覆盖
func (c *CompositeHealthChecker) RegisterChecker(name string, checker HealthChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers[name] = checker
}

// Names 已注册的检查器名称
func (c *CompositeHealthChecker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checkers))
	for name := range c.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll 检查所有注册的组件
func (c *CompositeHealthChecker) CheckAll(ctx context.Context) map[string]*ComponentHealth {
	c.mu.RLock()
	checkers := make(map[string]HealthChecker, len(c.checkers))
	for name, checker := range c.checkers {
		checkers[name] = checker
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]*ComponentHealth, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			health, err := checker.Check(checkCtx)
			cancel()

			if err != nil {
				health = &ComponentHealth{Status: ComponentStatusUnhealthy, Message: err.Error()}
			}
			if health == nil {
				return
			}
			health.Name = name
			if health.LastCheck.IsZero() {
				health.LastCheck = time.Now()
			}

			mu.Lock()
			results[name] = health
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return results
}

// Check 执行全部检查并汇总整体状态
func (c *CompositeHealthChecker) Check(ctx context.Context) Report {
	results := c.CheckAll(ctx)
	return Report{Status: Overall(results), Components: results}
}

// Overall 任一不健康则不健康，任一降级则降级
func Overall(results map[string]*ComponentHealth) ComponentStatus {
	status := ComponentStatusHealthy
	for _, health := range results {
		switch health.Status {
		case ComponentStatusUnhealthy:
			return ComponentStatusUnhealthy
		case ComponentStatusDegraded:
			status = ComponentStatusDegraded
		}
	}
	return status
}
